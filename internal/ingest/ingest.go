// Package ingest applies a completed batch's result lines to the target document store.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchsync/internal/backoff"
	"github.com/kiranshivaraju/batchsync/internal/batch"
	"github.com/kiranshivaraju/batchsync/internal/docstore"
	"github.com/kiranshivaraju/batchsync/internal/validate"
	"github.com/kiranshivaraju/batchsync/pkg/models"
)

// ErrProcessing aborts ingestion for this cycle. The job stays in processing and is
// picked up again; lines already recorded are not reapplied.
var ErrProcessing = errors.New("result ingestion failed")

const readerSize = 1 << 20

// Ledger records which lines of a job have been applied.
type Ledger interface {
	AppliedLines(ctx context.Context, jobID uuid.UUID) (map[string]string, error)
	RecordLineOutcome(ctx context.Context, jobID uuid.UUID, customID, outcome string, reason *string) error
}

// Summary counts the output lines of a job. Succeeded and Failed include lines
// resolved by an earlier attempt; Skipped says how many of those there were.
type Summary struct {
	Total          int
	Succeeded      int
	Failed         int
	Skipped        int
	ErrorFileLines int
}

// Pipeline streams result files and drives the validator and updater per line.
type Pipeline struct {
	client    batch.Client
	updater   docstore.Updater
	validator validate.Validator
	ledger    Ledger
	policy    backoff.Policy
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(client batch.Client, updater docstore.Updater, validator validate.Validator, ledger Ledger, policy backoff.Policy, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		client:    client,
		updater:   updater,
		validator: validator,
		ledger:    ledger,
		policy:    policy,
		logger:    logger,
	}
}

// Ingest applies every line of the job's output file and logs its error file.
// A missing output file with an error file present ingests zero lines.
func (p *Pipeline) Ingest(ctx context.Context, job *models.BatchJob) (Summary, error) {
	var sum Summary
	logger := p.logger.With("job_id", job.ID, "external_batch_id", job.ExternalBatchID)

	var applied map[string]string
	err := p.policy.Retry(ctx, "load applied lines", func(ctx context.Context) error {
		var err error
		applied, err = p.ledger.AppliedLines(ctx, job.ID)
		return err
	})
	if err != nil {
		return sum, fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	if job.OutputFileID != nil {
		err := p.stream(ctx, *job.OutputFileID, func(raw []byte) error {
			return p.applyLine(ctx, logger, job, raw, applied, &sum)
		})
		if err != nil {
			return sum, fmt.Errorf("%w: output file %s: %w", ErrProcessing, *job.OutputFileID, err)
		}
	}

	if job.ErrorFileID != nil {
		err := p.stream(ctx, *job.ErrorFileID, func(raw []byte) error {
			sum.ErrorFileLines++
			logErrorLine(logger, raw)
			return nil
		})
		if err != nil {
			return sum, fmt.Errorf("%w: error file %s: %w", ErrProcessing, *job.ErrorFileID, err)
		}
	}

	logger.Info("ingest.done",
		"total", sum.Total,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"error_file_lines", sum.ErrorFileLines,
	)
	return sum, nil
}

// stream downloads a file under the retry policy and hands each non-empty line to fn.
// A read failure after the download started is not retried.
func (p *Pipeline) stream(ctx context.Context, fileID string, fn func(raw []byte) error) error {
	var body io.ReadCloser
	err := p.policy.Retry(ctx, "download "+fileID, func(ctx context.Context) error {
		var err error
		body, err = p.client.DownloadFile(ctx, fileID)
		return err
	})
	if err != nil {
		return err
	}
	defer body.Close()

	r := bufio.NewReaderSize(body, readerSize)
	for {
		line, readErr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if err := fn(line); err != nil {
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading %s: %w", fileID, readErr)
		}
	}
}

// applyLine resolves one output line. Only infrastructure failures are returned;
// everything about the line itself is counted and logged.
func (p *Pipeline) applyLine(ctx context.Context, logger *slog.Logger, job *models.BatchJob, raw []byte, applied map[string]string, sum *Summary) error {
	sum.Total++

	var line models.ResultLine
	if err := json.Unmarshal(raw, &line); err != nil {
		sum.Failed++
		logger.Warn("ingest.line.malformed", "error", err, "line", sum.Total)
		return nil
	}
	if line.CustomID == "" {
		sum.Failed++
		logger.Warn("ingest.line.malformed", "error", "missing custom_id", "line", sum.Total)
		return nil
	}

	if outcome, ok := applied[line.CustomID]; ok {
		sum.Skipped++
		if outcome == models.LineSucceeded {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
		return nil
	}

	outcome := p.resolve(&line, job)
	lineLog := logger.With("custom_id", line.CustomID)

	var ack docstore.Ack
	err := p.policy.Retry(ctx, "apply "+line.CustomID, func(ctx context.Context) error {
		var err error
		ack, err = p.updater.Apply(ctx, job.Target, line.CustomID, job.ID.String(), outcome)
		if errors.Is(err, docstore.ErrRecordNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	switch {
	case errors.Is(err, docstore.ErrRecordNotFound):
		lineLog.Warn("ingest.line.record_missing")
		outcome = docstore.Failure("target record not found")
	case err != nil:
		return err
	}

	ledgerOutcome := models.LineSucceeded
	var reason *string
	if !outcome.Succeeded {
		ledgerOutcome = models.LineFailed
		reason = &outcome.Reason
	}
	err = p.policy.Retry(ctx, "record "+line.CustomID, func(ctx context.Context) error {
		return p.ledger.RecordLineOutcome(ctx, job.ID, line.CustomID, ledgerOutcome, reason)
	})
	if err != nil {
		return err
	}

	if outcome.Succeeded {
		sum.Succeeded++
		lineLog.Debug("ingest.line.succeeded", "applied", ack.Applied)
	} else {
		sum.Failed++
		lineLog.Info("ingest.line.failed", "reason", outcome.Reason, "applied", ack.Applied)
	}
	return nil
}

// resolve turns a result line into the outcome for its target record.
func (p *Pipeline) resolve(line *models.ResultLine, job *models.BatchJob) docstore.Outcome {
	if line.Error != nil {
		return docstore.Failure(fmt.Sprintf("batch error %s: %s", line.Error.Code, line.Error.Message))
	}
	if line.Response == nil {
		return docstore.Failure("line has neither response nor error")
	}
	if code := line.Response.StatusCode; code < 200 || code > 299 {
		return docstore.Failure(fmt.Sprintf("sub-request returned status %d", code))
	}

	content, err := extractContent(job.Endpoint, line.Response.Body)
	if err != nil {
		return docstore.Failure(err.Error())
	}

	res := p.validator.Validate(content, job.OutputSchema)
	if !res.Valid {
		return docstore.Failure(res.Err().Error())
	}

	value, err := p.validator.Transform(content)
	if err != nil {
		return docstore.Failure(err.Error())
	}
	return docstore.Success(value)
}

var errNoContent = errors.New("response body has no content")

// extractors pull the model output out of a response body, keyed by endpoint.
var extractors = map[string]func(body json.RawMessage) ([]byte, error){
	batch.EndpointChatCompletions: chatContent,
	batch.EndpointCompletions:     completionText,
	batch.EndpointResponses:       responseText,
	batch.EndpointEmbeddings:      embeddingVector,
}

// extractContent returns the part of a response body that is validated and
// written to the target record. Jobs without an endpoint are chat completions.
func extractContent(endpoint string, body json.RawMessage) ([]byte, error) {
	if endpoint == "" {
		endpoint = batch.EndpointChatCompletions
	}
	extract, ok := extractors[endpoint]
	if !ok {
		return nil, fmt.Errorf("no content extractor for endpoint %q", endpoint)
	}
	return extract(body)
}

// chatContent returns choices[0].message.content.
func chatContent(body json.RawMessage) ([]byte, error) {
	var cc struct {
		Choices []struct {
			Message struct {
				Content *string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &cc); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	if len(cc.Choices) == 0 || cc.Choices[0].Message.Content == nil {
		return nil, fmt.Errorf("%w: missing choices[0].message.content", errNoContent)
	}
	return []byte(*cc.Choices[0].Message.Content), nil
}

// completionText returns choices[0].text.
func completionText(body json.RawMessage) ([]byte, error) {
	var c struct {
		Choices []struct {
			Text *string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	if len(c.Choices) == 0 || c.Choices[0].Text == nil {
		return nil, fmt.Errorf("%w: missing choices[0].text", errNoContent)
	}
	return []byte(*c.Choices[0].Text), nil
}

// responseText concatenates the output_text parts of every message item.
// Reasoning and tool call items carry no text and are ignored.
func responseText(body json.RawMessage) ([]byte, error) {
	var r struct {
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	var text []byte
	found := false
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				text = append(text, part.Text...)
				found = true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no output_text in output", errNoContent)
	}
	return text, nil
}

// embeddingVector returns data[0].embedding as raw JSON, so the schema sees
// the vector itself.
func embeddingVector(body json.RawMessage) ([]byte, error) {
	var e struct {
		Data []struct {
			Embedding json.RawMessage `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	if len(e.Data) == 0 || len(e.Data[0].Embedding) == 0 || string(e.Data[0].Embedding) == "null" {
		return nil, fmt.Errorf("%w: missing data[0].embedding", errNoContent)
	}
	return e.Data[0].Embedding, nil
}

func logErrorLine(logger *slog.Logger, raw []byte) {
	var line models.ResultLine
	if err := json.Unmarshal(raw, &line); err != nil {
		logger.Warn("ingest.error_file.malformed", "error", err)
		return
	}
	attrs := []any{"custom_id", line.CustomID}
	if line.Error != nil {
		attrs = append(attrs, "code", line.Error.Code, "message", line.Error.Message)
	}
	if line.Response != nil {
		attrs = append(attrs, "status_code", line.Response.StatusCode)
	}
	logger.Warn("ingest.error_file.line", attrs...)
}
