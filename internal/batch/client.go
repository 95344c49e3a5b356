// Package batch talks to the OpenAI Batch and Files APIs.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/batchsync/internal/backoff"
)

// Sentinel errors for batch service failures.
var (
	ErrUnreachable = errors.New("batch service unreachable")
	ErrTimeout     = errors.New("batch service timeout")
	ErrAPI         = errors.New("batch service error")
	ErrNotFound    = errors.New("batch resource not found")
)

// Client is the interface for the remote batch service.
type Client interface {
	GetStatus(ctx context.Context, batchID string) (*Status, error)
	// DownloadFile streams a file's content. The caller closes the reader.
	DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error)
	UploadFile(ctx context.Context, filename string, content io.Reader) (string, error)
	CreateBatch(ctx context.Context, req CreateRequest) (*Status, error)
}

// Status is the batch service's view of a batch.
type Status struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	InputFileID   string            `json:"input_file_id"`
	OutputFileID  *string           `json:"output_file_id"`
	ErrorFileID   *string           `json:"error_file_id"`
	RequestCounts RequestCounts     `json:"request_counts"`
	Errors        *BatchErrors      `json:"errors,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchErrors lists the reasons a batch failed validation.
type BatchErrors struct {
	Data []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Line    *int   `json:"line"`
	} `json:"data"`
}

// Summary joins the batch-level error messages.
func (e *BatchErrors) Summary() string {
	if e == nil {
		return ""
	}
	msgs := make([]string, 0, len(e.Data))
	for _, d := range e.Data {
		msgs = append(msgs, d.Message)
	}
	return strings.Join(msgs, "; ")
}

// Endpoints a batch can target. Each has its own response body shape.
const (
	EndpointChatCompletions = "/v1/chat/completions"
	EndpointResponses       = "/v1/responses"
	EndpointEmbeddings      = "/v1/embeddings"
	EndpointCompletions     = "/v1/completions"
)

var supportedEndpoints = map[string]bool{
	EndpointChatCompletions: true,
	EndpointResponses:       true,
	EndpointEmbeddings:      true,
	EndpointCompletions:     true,
}

// SupportedEndpoint reports whether the batch service accepts endpoint.
func SupportedEndpoint(endpoint string) bool {
	return supportedEndpoints[endpoint]
}

// CreateRequest defines parameters for a new batch.
type CreateRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// HTTPClient implements Client using the OpenAI HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a new batch service client. timeout bounds every call except
// file downloads, which are bounded only by the caller's context.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (c *HTTPClient) GetStatus(ctx context.Context, batchID string) (*Status, error) {
	var st Status
	u := fmt.Sprintf("%s/batches/%s", c.baseURL, url.PathEscape(batchID))
	if err := c.doJSON(ctx, http.MethodGet, u, nil, "", &st); err != nil {
		return nil, err
	}
	c.logger.Debug("batch.status", "external_batch_id", batchID, "status", st.Status)
	return &st, nil
}

func (c *HTTPClient) DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/files/%s/content", c.baseURL, url.PathEscape(fileID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	c.logger.Info("batch.file.download", "file_id", fileID, "elapsed_ms", time.Since(start).Milliseconds())
	return resp.Body, nil
}

func (c *HTTPClient) UploadFile(ctx context.Context, filename string, content io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("writing purpose field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating file part: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("writing file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/files", &body, mw.FormDataContentType(), &uploaded); err != nil {
		return "", err
	}
	c.logger.Info("batch.file.upload", "file_id", uploaded.ID, "filename", filename)
	return uploaded.ID, nil
}

func (c *HTTPClient) CreateBatch(ctx context.Context, req CreateRequest) (*Status, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding batch request: %w", err)
	}

	var st Status
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/batches", bytes.NewReader(payload), "application/json", &st); err != nil {
		return nil, err
	}
	c.logger.Info("batch.create", "external_batch_id", st.ID, "input_file_id", req.InputFileID)
	return &st, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, u string, body io.Reader, contentType string, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrAPI, err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

// statusError maps a non-2xx response to a sentinel. Client errors other than 408 and
// 429 will not succeed on retry and are marked permanent.
func statusError(resp *http.Response) error {
	msg := apiErrorMessage(resp.Body)

	var err error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		err = fmt.Errorf("%w: status %d: %s", ErrNotFound, resp.StatusCode, msg)
	case resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrAPI, resp.StatusCode, msg)
	default:
		err = fmt.Errorf("%w: status %d: %s", ErrAPI, resp.StatusCode, msg)
	}
	return backoff.Permanent(err)
}

func apiErrorMessage(body io.Reader) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
