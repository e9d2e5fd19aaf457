package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIConfig configures the OpenAI Batch API gateway.
type OpenAIConfig struct {
	APIKey     string
	Generation GenerationSettings

	UploadRetryAttempts int
	UploadBackoff       time.Duration
	UploadConcurrency   int
	RequestTimeout      time.Duration

	Logger *slog.Logger

	// BaseURL overrides the API endpoint (tests).
	BaseURL string
}

var _ Gateway = (*OpenAIGateway)(nil)

// OpenAIGateway drives batches through the OpenAI Files and Batches APIs.
type OpenAIGateway struct {
	client  openai.Client
	cfg     OpenAIConfig
	logger  *slog.Logger
	timeout time.Duration
}

// NewOpenAIGateway builds a gateway from config. The API key must come from
// the environment; it is never read from the config file.
func NewOpenAIGateway(cfg OpenAIConfig) *OpenAIGateway {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	if cfg.UploadRetryAttempts <= 0 {
		cfg.UploadRetryAttempts = 3
	}
	return &OpenAIGateway{
		client:  openai.NewClient(opts...),
		cfg:     cfg,
		logger:  logger,
		timeout: timeout,
	}
}

// Submit encodes payload images into a request JSONL file, uploads it, and
// creates the remote batch job. Payloads whose images cannot be read are
// reported in SubmitResult.Failed and left out of the bundle; an error is
// returned only when the bundle as a whole could not be submitted.
func (g *OpenAIGateway) Submit(ctx context.Context, displayName string, payloads []RecordPayload) (SubmitResult, error) {
	lines, failed := g.encodePayloads(ctx, payloads)

	result := SubmitResult{Failed: failed}
	if len(lines) == 0 {
		return result, fmt.Errorf("no payloads could be encoded for bundle %s", displayName)
	}

	var buf bytes.Buffer
	submitted := make([]string, 0, len(lines))
	for _, line := range lines {
		buf.Write(line.data)
		buf.WriteByte('\n')
		submitted = append(submitted, line.key)
	}

	var fileID string
	err := retry.Do(
		func() error {
			file, err := g.client.Files.New(ctx, openai.FileNewParams{
				File:    openai.File(bytes.NewReader(buf.Bytes()), displayName+"-requests.jsonl", "application/jsonl"),
				Purpose: openai.FilePurposeBatch,
			}, option.WithRequestTimeout(g.timeout))
			if err != nil {
				return err
			}
			fileID = file.ID
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(g.cfg.UploadRetryAttempts)),
		retry.Delay(g.cfg.UploadBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return result, fmt.Errorf("failed to upload request file for %s: %w", displayName, err)
	}

	batch, err := g.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		InputFileID:      fileID,
		Metadata:         shared.Metadata{"display_name": displayName},
	}, option.WithRequestTimeout(g.timeout))
	if err != nil {
		return result, fmt.Errorf("failed to create batch job for %s: %w", displayName, err)
	}

	result.BatchID = batch.ID
	result.Submitted = submitted
	return result, nil
}

type encodedLine struct {
	key  string
	data []byte
}

// encodePayloads reads and encodes page images with bounded concurrency.
// Order is restored afterwards so the request file is reproducible.
func (g *OpenAIGateway) encodePayloads(ctx context.Context, payloads []RecordPayload) ([]encodedLine, []SubmitFailure) {
	type slot struct {
		line encodedLine
		fail *SubmitFailure
	}

	slots := make([]slot, len(payloads))
	sem := make(chan struct{}, g.cfg.UploadConcurrency)
	var wg sync.WaitGroup

	for i, payload := range payloads {
		wg.Add(1)
		go func(i int, payload RecordPayload) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				slots[i] = slot{fail: &SubmitFailure{Key: payload.Key, Reason: ctx.Err().Error()}}
				return
			}

			imageData, err := os.ReadFile(payload.ImagePath)
			if err != nil {
				slots[i] = slot{fail: &SubmitFailure{Key: payload.Key, Reason: fmt.Sprintf("failed to read image: %v", err)}}
				return
			}
			data, err := buildRequestLine(payload, imageData, g.cfg.Generation)
			if err != nil {
				slots[i] = slot{fail: &SubmitFailure{Key: payload.Key, Reason: err.Error()}}
				return
			}
			slots[i] = slot{line: encodedLine{key: payload.Key, data: data}}
		}(i, payload)
	}
	wg.Wait()

	var lines []encodedLine
	var failed []SubmitFailure
	for _, s := range slots {
		if s.fail != nil {
			g.logger.Warn("payload dropped from bundle", "record_key", s.fail.Key, "reason", s.fail.Reason)
			failed = append(failed, *s.fail)
			continue
		}
		lines = append(lines, s.line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].key < lines[j].key })
	return lines, failed
}

// Poll maps the remote batch status onto the normalized lifecycle.
func (g *OpenAIGateway) Poll(ctx context.Context, batchID string) (State, error) {
	batch, err := g.client.Batches.Get(ctx, batchID, option.WithRequestTimeout(g.timeout))
	if err != nil {
		return "", fmt.Errorf("failed to poll batch %s: %w", batchID, err)
	}
	return mapBatchStatus(batch), nil
}

func mapBatchStatus(batch *openai.Batch) State {
	switch batch.Status {
	case openai.BatchStatusValidating:
		return StatePending
	case openai.BatchStatusInProgress, openai.BatchStatusFinalizing, openai.BatchStatusCancelling:
		return StateRunning
	case openai.BatchStatusCompleted:
		if batch.ErrorFileID != "" {
			return StatePartiallySucceeded
		}
		return StateSucceeded
	case openai.BatchStatusFailed:
		return StateFailed
	case openai.BatchStatusCancelled:
		return StateCancelled
	case openai.BatchStatusExpired:
		return StateExpired
	}
	return StateRunning
}

// Download fetches and parses the batch's output and error files.
func (g *OpenAIGateway) Download(ctx context.Context, batchID string) ([]RecordResult, error) {
	batch, err := g.client.Batches.Get(ctx, batchID, option.WithRequestTimeout(g.timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to look up batch %s: %w", batchID, err)
	}

	var results []RecordResult
	for _, fileID := range []string{batch.OutputFileID, batch.ErrorFileID} {
		if fileID == "" {
			continue
		}
		parsed, err := g.downloadResultFile(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("failed to download results for batch %s: %w", batchID, err)
		}
		results = append(results, parsed...)
	}
	return results, nil
}

func (g *OpenAIGateway) downloadResultFile(ctx context.Context, fileID string) ([]RecordResult, error) {
	var body []byte
	err := retry.Do(
		func() error {
			resp, err := g.client.Files.Content(ctx, fileID, option.WithRequestTimeout(g.timeout))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err = io.ReadAll(resp.Body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(g.cfg.UploadRetryAttempts)),
		retry.Delay(g.cfg.UploadBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return parseResultLines(bytes.NewReader(body))
}
