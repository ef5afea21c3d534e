package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultOpenAIModel   = "text-embedding-3-small"
	defaultGeminiModel   = "text-embedding-004"

	// remoteRequestsPerSecond paces outbound embedding calls so a large
	// reindex does not trip provider rate limits on its own.
	remoteRequestsPerSecond = 5
)

// errBatchUnsupported marks a provider deployment without batch-job
// endpoints. The batch manager treats it as an immediate disable signal.
var errBatchUnsupported = errors.New("batch endpoint not available")

// remoteClient is the shared HTTP plumbing for the OpenAI- and
// Gemini-compatible variants.
type remoteClient struct {
	flavor  string // "openai" or "gemini"
	baseURL string
	apiKey  string
	model   string
	headers map[string]string
	http    *http.Client
	limiter *rate.Limiter
}

func newRemoteClient(flavor, baseURL, apiKey, model string, headers map[string]string) *remoteClient {
	return &remoteClient{
		flavor:  flavor,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		headers: headers,
		http:    &http.Client{},
		limiter: rate.NewLimiter(remoteRequestsPerSecond, remoteRequestsPerSecond),
	}
}

func newOpenAIProvider(s Settings) (*Provider, error) {
	if strings.TrimSpace(s.OpenAI.APIKey) == "" {
		return nil, &MissingKeyError{Provider: "openai", EnvVar: "OPENAI_API_KEY"}
	}
	baseURL := s.OpenAI.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := s.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	c := newRemoteClient("openai", baseURL, s.OpenAI.APIKey, model, s.OpenAI.Headers)
	return &Provider{
		ID:           "openai",
		Model:        model,
		key:          providerKey("openai", baseURL, model, s.OpenAI.Headers),
		queryTimeout: remoteQueryTimeout,
		batchTimeout: remoteBatchTimeout,
		embedFn:      c.embed,
		batch:        &BatchJobClient{c: c},
	}, nil
}

func newGeminiProvider(s Settings) (*Provider, error) {
	if strings.TrimSpace(s.Gemini.APIKey) == "" {
		return nil, &MissingKeyError{Provider: "gemini", EnvVar: "GEMINI_API_KEY"}
	}
	baseURL := s.Gemini.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := s.Model
	if model == "" {
		model = defaultGeminiModel
	}
	c := newRemoteClient("gemini", baseURL, s.Gemini.APIKey, model, s.Gemini.Headers)
	return &Provider{
		ID:           "gemini",
		Model:        model,
		key:          providerKey("gemini", baseURL, model, s.Gemini.Headers),
		queryTimeout: remoteQueryTimeout,
		batchTimeout: remoteBatchTimeout,
		embedFn:      c.embed,
		batch:        &BatchJobClient{c: c},
	}, nil
}

func (c *remoteClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.flavor == "gemini" {
		return c.embedGemini(ctx, texts)
	}
	return c.embedOpenAI(ctx, texts)
}

func (c *remoteClient) embedOpenAI(ctx context.Context, texts []string) ([][]float32, error) {
	body := map[string]any{"model": c.model, "input": texts}
	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, c.baseURL+"/embeddings", body, &parsed); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		out[d.Index] = normalizeVector(d.Embedding)
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("embeddings response missing index %d", i)
		}
	}
	return out, nil
}

func (c *remoteClient) embedGemini(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	reqs := make([]map[string]any, len(texts))
	for i, t := range texts {
		reqs[i] = map[string]any{
			"model":   model,
			"content": map[string]any{"parts": []map[string]string{{"text": t}}},
		}
	}
	var parsed struct {
		Embeddings []struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	}
	url := c.baseURL + "/" + model + ":batchEmbedContents"
	if err := c.postJSON(ctx, url, map[string]any{"requests": reqs}, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embeddings count mismatch: got=%d want=%d", len(parsed.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, e := range parsed.Embeddings {
		out[i] = normalizeVector(e.Values)
	}
	return out, nil
}

func (c *remoteClient) postJSON(ctx context.Context, url string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, url, "application/json", bytes.NewReader(b), out)
}

func (c *remoteClient) do(ctx context.Context, method, url, contentType string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s http %d: %s", c.flavor, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *remoteClient) auth(req *http.Request) {
	if c.apiKey != "" {
		if c.flavor == "gemini" {
			req.Header.Set("x-goog-api-key", c.apiKey)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
	}
	for k, v := range c.headers {
		if k = strings.TrimSpace(k); k != "" {
			req.Header.Set(k, v)
		}
	}
}

// batchItem is one embedding request inside a provider-side batch job.
type batchItem struct {
	CustomID string `json:"custom_id"`
	Text     string `json:"text"`
}

// batchJobStatus reports a polled job.
type batchJobStatus struct {
	Done      bool
	Failed    bool
	Reason    string
	OutputRef string
}

// BatchJobClient drives the provider's asynchronous batch-embedding API:
// upload a newline-delimited request file, create a job, poll it, download
// the result file, and map rows back by custom_id.
type BatchJobClient struct {
	c *remoteClient
}

// Submit uploads the items and creates a batch job, returning the job id.
// Deployments without batch endpoints yield errBatchUnsupported.
func (b *BatchJobClient) Submit(ctx context.Context, items []batchItem) (string, error) {
	if b.c.flavor == "gemini" {
		return b.submitGemini(ctx, items)
	}
	return b.submitOpenAI(ctx, items)
}

func (b *BatchJobClient) submitOpenAI(ctx context.Context, items []batchItem) (string, error) {
	var lines bytes.Buffer
	enc := json.NewEncoder(&lines)
	for _, it := range items {
		row := map[string]any{
			"custom_id": it.CustomID,
			"method":    "POST",
			"url":       "/v1/embeddings",
			"body":      map[string]any{"model": b.c.model, "input": it.Text},
		}
		if err := enc.Encode(row); err != nil {
			return "", err
		}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", "embeddings.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(lines.Bytes()); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var file struct {
		ID string `json:"id"`
	}
	if err := b.c.do(ctx, http.MethodPost, b.c.baseURL+"/files", mw.FormDataContentType(), &buf, &file); err != nil {
		return "", asBatchUnsupported(err)
	}

	var job struct {
		ID string `json:"id"`
	}
	body := map[string]any{
		"input_file_id":     file.ID,
		"endpoint":          "/v1/embeddings",
		"completion_window": "24h",
	}
	if err := b.c.postJSON(ctx, b.c.baseURL+"/batches", body, &job); err != nil {
		return "", asBatchUnsupported(err)
	}
	return job.ID, nil
}

func (b *BatchJobClient) submitGemini(ctx context.Context, items []batchItem) (string, error) {
	model := b.c.model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	reqs := make([]map[string]any, len(items))
	for i, it := range items {
		reqs[i] = map[string]any{
			"custom_id": it.CustomID,
			"content":   map[string]any{"parts": []map[string]string{{"text": it.Text}}},
		}
	}
	var op struct {
		Name string `json:"name"`
	}
	url := b.c.baseURL + "/" + model + ":asyncBatchEmbedContent"
	if err := b.c.postJSON(ctx, url, map[string]any{"requests": reqs}, &op); err != nil {
		return "", asBatchUnsupported(err)
	}
	return op.Name, nil
}

// Status polls the job once.
func (b *BatchJobClient) Status(ctx context.Context, jobID string) (batchJobStatus, error) {
	if b.c.flavor == "gemini" {
		var op struct {
			Done  bool `json:"done"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
			Response struct {
				ResponsesFile string `json:"responsesFile"`
			} `json:"response"`
		}
		if err := b.c.do(ctx, http.MethodGet, b.c.baseURL+"/"+jobID, "", nil, &op); err != nil {
			return batchJobStatus{}, err
		}
		st := batchJobStatus{Done: op.Done, OutputRef: op.Response.ResponsesFile}
		if op.Error != nil {
			st.Failed = true
			st.Reason = op.Error.Message
		}
		return st, nil
	}

	var job struct {
		Status       string `json:"status"`
		OutputFileID string `json:"output_file_id"`
		Errors       *struct {
			Data []struct {
				Message string `json:"message"`
			} `json:"data"`
		} `json:"errors"`
	}
	if err := b.c.do(ctx, http.MethodGet, b.c.baseURL+"/batches/"+jobID, "", nil, &job); err != nil {
		return batchJobStatus{}, err
	}
	st := batchJobStatus{OutputRef: job.OutputFileID}
	switch job.Status {
	case "completed":
		st.Done = true
	case "failed", "expired", "cancelled":
		st.Done = true
		st.Failed = true
		st.Reason = job.Status
		if job.Errors != nil && len(job.Errors.Data) > 0 {
			st.Reason = job.Errors.Data[0].Message
		}
	}
	return st, nil
}

// Results downloads the job's output file and maps embeddings by custom_id.
// Malformed rows are skipped; the caller decides whether missing ids are
// fatal.
func (b *BatchJobClient) Results(ctx context.Context, st batchJobStatus) (map[string][]float32, error) {
	if st.OutputRef == "" {
		return nil, errors.New("batch job has no output file")
	}
	url := b.c.baseURL + "/files/" + st.OutputRef + "/content"
	if b.c.flavor == "gemini" {
		url = b.c.baseURL + "/" + st.OutputRef + ":download"
	}
	if err := b.c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	b.c.auth(req)
	resp, err := b.c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s http %d: %s", b.c.flavor, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return parseBatchResults(resp.Body), nil
}

// parseBatchResults reads newline-delimited result rows. Each row carries
// {custom_id, response:{embedding}} with provider-shaped variants for the
// embedding payload.
func parseBatchResults(r io.Reader) map[string][]float32 {
	out := map[string][]float32{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row struct {
			CustomID string `json:"custom_id"`
			Response struct {
				Embedding json.RawMessage `json:"embedding"`
				Body      struct {
					Data []struct {
						Embedding []float32 `json:"embedding"`
					} `json:"data"`
				} `json:"body"`
			} `json:"response"`
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil || row.CustomID == "" {
			continue
		}
		if vec := decodeEmbedding(row.Response.Embedding); len(vec) > 0 {
			out[row.CustomID] = normalizeVector(vec)
			continue
		}
		if len(row.Response.Body.Data) > 0 {
			out[row.CustomID] = normalizeVector(row.Response.Body.Data[0].Embedding)
		}
	}
	return out
}

// decodeEmbedding accepts both a bare float array and Gemini's
// {"values": [...]} wrapper.
func decodeEmbedding(raw json.RawMessage) []float32 {
	if len(raw) == 0 {
		return nil
	}
	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat
	}
	var wrapped struct {
		Values []float32 `json:"values"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Values
	}
	return nil
}

// asBatchUnsupported converts 404/501 submit failures into the sentinel
// that disables batch mode immediately.
func asBatchUnsupported(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "http 404") || strings.Contains(msg, "http 501") {
		return fmt.Errorf("%w: %s", errBatchUnsupported, msg)
	}
	return err
}
