// Package backend talks to the interview server's HTTP/JSON API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"proctor/internal/domain"
)

const (
	DefaultBaseURL = "http://localhost:5000/api"
	maxErrorBody   = 2048
)

// Config configures the interview server client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements ports.InterviewBackend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "backend-client").Logger(),
	}
}

type messageReply struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r messageReply) text() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Status
}

func (c *Client) StartInterview(ctx context.Context) (string, error) {
	var reply messageReply
	if err := c.do(ctx, http.MethodPost, "start-interview", struct{}{}, &reply); err != nil {
		return "", err
	}
	return reply.text(), nil
}

func (c *Client) EndInterview(ctx context.Context) (string, error) {
	var reply messageReply
	if err := c.do(ctx, http.MethodPost, "end-interview", struct{}{}, &reply); err != nil {
		return "", err
	}
	return reply.text(), nil
}

func (c *Client) ResetInterview(ctx context.Context) (string, error) {
	var reply messageReply
	if err := c.do(ctx, http.MethodPost, "reset-interview", struct{}{}, &reply); err != nil {
		return "", err
	}
	return reply.text(), nil
}

func (c *Client) Status(ctx context.Context) (domain.InterviewStatus, error) {
	var status domain.InterviewStatus
	if err := c.do(ctx, http.MethodGet, "interview-status", nil, &status); err != nil {
		return domain.InterviewStatus{}, err
	}
	return status, nil
}

func (c *Client) CurrentCodingQuestion(ctx context.Context) (string, error) {
	var reply struct {
		Question *string `json:"question"`
	}
	if err := c.do(ctx, http.MethodGet, "current-coding-question", nil, &reply); err != nil {
		return "", err
	}
	if reply.Question == nil {
		return "", nil
	}
	return *reply.Question, nil
}

func (c *Client) ProcessSpeech(ctx context.Context, text string) (map[string]any, error) {
	reply := map[string]any{}
	body := struct {
		Text string `json:"text"`
	}{Text: text}
	if err := c.do(ctx, http.MethodPost, "process-speech", body, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) SubmitCode(ctx context.Context, code string, language string) (domain.CodeResult, error) {
	var result domain.CodeResult
	body := struct {
		Code     string `json:"code"`
		Language string `json:"language"`
	}{Code: code, Language: language}
	if err := c.do(ctx, http.MethodPost, "submit-code", body, &result); err != nil {
		return domain.CodeResult{}, err
	}
	return result, nil
}

// Transcript accepts either a bare array or {"transcript": [...]}.
func (c *Client) Transcript(ctx context.Context) ([]domain.TranscriptEntry, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "transcript", nil, &raw); err != nil {
		return nil, err
	}
	var entries []domain.TranscriptEntry
	if err := decodeList(raw, "transcript", &entries); err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	return entries, nil
}

func (c *Client) AIState(ctx context.Context) (domain.AIState, error) {
	var state domain.AIState
	if err := c.do(ctx, http.MethodGet, "ai-state", nil, &state); err != nil {
		return domain.AIState{}, err
	}
	return state, nil
}

// Warnings accepts either a bare array or {"warnings": [...]}.
func (c *Client) Warnings(ctx context.Context) ([]domain.Warning, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "get-warnings", nil, &raw); err != nil {
		return nil, err
	}
	var warnings []domain.Warning
	if err := decodeList(raw, "warnings", &warnings); err != nil {
		return nil, fmt.Errorf("get-warnings: %w", err)
	}
	return warnings, nil
}

func (c *Client) LogWarning(ctx context.Context, warning domain.Warning) error {
	return c.do(ctx, http.MethodPost, "log-warning", warning, nil)
}

func (c *Client) FaceStatus(ctx context.Context, facePresent bool, gazeAway bool) error {
	body := struct {
		FacePresent bool `json:"face_present"`
		GazeAway    bool `json:"gaze_away"`
	}{FacePresent: facePresent, GazeAway: gazeAway}
	return c.do(ctx, http.MethodPost, "face-status", body, nil)
}

func (c *Client) do(ctx context.Context, method string, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%s: failed to decode response: %w", endpoint, err)
	}
	return nil
}

// errorMessage prefers the server's {"error": "..."} field over the raw body.
func errorMessage(data []byte) string {
	var reply struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &reply); err == nil {
		if reply.Error != "" {
			return reply.Error
		}
		if reply.Message != "" {
			return reply.Message
		}
	}
	return strings.TrimSpace(string(data))
}

func decodeList(raw json.RawMessage, field string, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return err
	}
	inner, ok := wrapped[field]
	if !ok || bytes.Equal(bytes.TrimSpace(inner), []byte("null")) {
		return nil
	}
	return json.Unmarshal(inner, out)
}
