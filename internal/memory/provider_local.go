package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	defaultLocalDims   = 384
	localMaxSeqLen     = 256
	defaultLocalModel  = "all-MiniLM-L6-v2"
	tokenizerFileName  = "tokenizer.json"
	clsTokenID         = 101
	sepTokenID         = 102
	unkTokenID         = 100
)

// localRuntime runs embedding inference in-process. The model and runtime
// load lazily on the first call so constructing the provider is cheap and
// a broken runtime surfaces as a call-time setup error.
type localRuntime struct {
	modelPath   string
	libraryPath string
	dims        int

	once    sync.Once
	initErr error

	mu        sync.Mutex // inference is serialized through one session
	session   *ort.DynamicAdvancedSession
	tokenizer *wordPieceTokenizer
}

func newLocalProvider(s Settings) (*Provider, error) {
	if !isLocalFile(s.Local.ModelPath) {
		return nil, fmt.Errorf("local embedding model not found at %q", s.Local.ModelPath)
	}
	dims := s.Local.Dims
	if dims <= 0 {
		dims = defaultLocalDims
	}
	model := s.Model
	if model == "" {
		model = defaultLocalModel
	}
	rt := &localRuntime{
		modelPath:   s.Local.ModelPath,
		libraryPath: s.Local.LibraryPath,
		dims:        dims,
	}
	return &Provider{
		ID:           "local",
		Model:        model,
		key:          providerKey("local", s.Local.ModelPath, model, nil),
		queryTimeout: localQueryTimeout,
		batchTimeout: localBatchTimeout,
		embedFn:      rt.embed,
		closeFn:      rt.close,
	}, nil
}

func (l *localRuntime) load() {
	if l.libraryPath != "" {
		ort.SetSharedLibraryPath(l.libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		l.initErr = setupError(err)
		return
	}
	tok, err := loadWordPieceTokenizer(filepath.Join(filepath.Dir(l.modelPath), tokenizerFileName))
	if err != nil {
		l.initErr = fmt.Errorf("load tokenizer: %w", err)
		return
	}
	session, err := ort.NewDynamicAdvancedSession(l.modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		l.initErr = setupError(err)
		return
	}
	l.tokenizer = tok
	l.session = session
}

// setupError formats the multi-line remediation message for an unloadable
// inference runtime.
func setupError(err error) error {
	return fmt.Errorf(`local embeddings unavailable: %w

To use the local embedding provider:
  1. Install ONNX Runtime (https://onnxruntime.ai) for your platform.
  2. Point memorySearch.local.libraryPath at libonnxruntime.so/.dylib.
  3. Place tokenizer.json next to the model file.
Or set memorySearch.provider to "openai" or "gemini".`, err)
}

func (l *localRuntime) embed(ctx context.Context, texts []string) ([][]float32, error) {
	l.once.Do(l.load)
	if l.initErr != nil {
		return nil, l.initErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := l.embedOne(text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (l *localRuntime) embedOne(text string) ([]float32, error) {
	ids := l.tokenizer.encode(text)
	if len(ids) > localMaxSeqLen-2 {
		ids = ids[:localMaxSeqLen-2]
	}
	seqLen := len(ids) + 2

	inputIDs := make([]int64, seqLen)
	attention := make([]int64, seqLen)
	tokenTypes := make([]int64, seqLen)
	inputIDs[0] = clsTokenID
	for i, id := range ids {
		inputIDs[i+1] = id
	}
	inputIDs[seqLen-1] = sepTokenID
	for i := range attention {
		attention[i] = 1
	}

	shape := ort.NewShape(1, int64(seqLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attention)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypes)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := l.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs); err != nil {
		return nil, fmt.Errorf("local inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	data := tensor.GetData()
	outShape := tensor.GetShape()

	var vec []float32
	switch len(outShape) {
	case 2: // already pooled: [1, dims]
		if len(data) < l.dims {
			return nil, fmt.Errorf("output dims mismatch: got %d want %d", len(data), l.dims)
		}
		vec = append([]float32(nil), data[:l.dims]...)
	case 3: // [1, seq, dims] → mean pool over the sequence
		hidden := int(outShape[2])
		if hidden != l.dims {
			return nil, fmt.Errorf("hidden size mismatch: got %d want %d", hidden, l.dims)
		}
		vec = make([]float32, hidden)
		for t := 0; t < seqLen; t++ {
			off := t * hidden
			for j := 0; j < hidden; j++ {
				vec[j] += data[off+j]
			}
		}
		inv := 1 / float32(seqLen)
		for j := range vec {
			vec[j] *= inv
		}
	default:
		return nil, fmt.Errorf("unexpected output shape %v", outShape)
	}
	return normalizeVector(vec), nil
}

func (l *localRuntime) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		err := l.session.Destroy()
		l.session = nil
		return err
	}
	return nil
}

// wordPieceTokenizer is a minimal WordPiece encoder over the vocab of a
// standard tokenizer.json.
type wordPieceTokenizer struct {
	vocab map[string]int
}

func loadWordPieceTokenizer(path string) (*wordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has no vocab", path)
	}
	return &wordPieceTokenizer{vocab: parsed.Model.Vocab}, nil
}

func (t *wordPieceTokenizer) encode(text string) []int64 {
	var ids []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		ids = append(ids, t.wordPiece(word)...)
	}
	return ids
}

func (t *wordPieceTokenizer) wordPiece(word string) []int64 {
	var ids []int64
	start := 0
	for start < len(word) {
		end := len(word)
		matched := false
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := t.vocab[sub]; ok {
				ids = append(ids, int64(id))
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			ids = append(ids, unkTokenID)
			start++
		}
	}
	return ids
}
