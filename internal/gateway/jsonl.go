package gateway

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
)

// batchRequest is one line of the Batch API input file.
type batchRequest struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// chatBody is the chat-completion request carried in a batch line.
type chatBody struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat *formatWrapper `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type formatWrapper struct {
	Type string `json:"type"`
}

// GenerationSettings are the sampling knobs carried into every request body.
type GenerationSettings struct {
	Model            string
	Temperature      float64
	MaxOutputTokens  int
	ResponseMIMEType string
}

// buildRequestLine encodes one payload as a Batch API JSONL line. The page
// image is embedded as a base64 data URL.
func buildRequestLine(payload RecordPayload, imageData []byte, gen GenerationSettings) ([]byte, error) {
	mimeType := mime.TypeByExtension(filepath.Ext(payload.ImagePath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageData))

	body := chatBody{
		Model: gen.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: payload.Prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			},
		}},
		MaxTokens: gen.MaxOutputTokens,
	}
	if gen.Temperature > 0 {
		body.Temperature = &gen.Temperature
	}
	if gen.ResponseMIMEType == "application/json" {
		body.ResponseFormat = &formatWrapper{Type: "json_object"}
	}

	rawBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body for %s: %w", payload.Key, err)
	}

	return json.Marshal(batchRequest{
		CustomID: payload.Key,
		Method:   "POST",
		URL:      "/v1/chat/completions",
		Body:     rawBody,
	})
}

// outputLine is one line of the Batch API output or error file.
type outputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// chatResponse is the subset of a chat completion the gateway extracts.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseResultLines decodes a downloaded JSONL stream into per-record
// outcomes. Lines without a custom_id are dropped; the ingestor reconciles
// anything missing against its expected key set.
func parseResultLines(r io.Reader) ([]RecordResult, error) {
	var results []RecordResult

	scanner := bufio.NewScanner(r)
	// Result bodies include full model output; lines can be large.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var out outputLine
		if err := json.Unmarshal(line, &out); err != nil {
			return nil, fmt.Errorf("failed to decode result line: %w", err)
		}
		if out.CustomID == "" {
			continue
		}

		result := RecordResult{Key: out.CustomID}
		switch {
		case out.Error != nil:
			result.Err = &ServiceError{Code: out.Error.Code, Message: out.Error.Message}
			result.RawBody = append(json.RawMessage(nil), line...)
		case out.Response == nil:
			result.Err = &ServiceError{Message: "no response in result record"}
			result.RawBody = append(json.RawMessage(nil), line...)
		case out.Response.StatusCode != 200:
			result.Err = serviceErrorFromBody(out.Response.StatusCode, out.Response.Body)
			result.RawBody = append(json.RawMessage(nil), out.Response.Body...)
		default:
			var chat chatResponse
			if err := json.Unmarshal(out.Response.Body, &chat); err != nil || len(chat.Choices) == 0 {
				result.Err = &ServiceError{Message: "malformed chat completion in result record"}
			} else {
				result.Text = chat.Choices[0].Message.Content
			}
			result.RawBody = append(json.RawMessage(nil), out.Response.Body...)
		}

		results = append(results, result)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read result stream: %w", err)
	}
	return results, nil
}

func serviceErrorFromBody(statusCode int, body json.RawMessage) *ServiceError {
	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err == nil && chat.Error != nil {
		return &ServiceError{Code: chat.Error.Code, Message: chat.Error.Message}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	return &ServiceError{Code: fmt.Sprintf("http_%d", statusCode), Message: msg}
}
