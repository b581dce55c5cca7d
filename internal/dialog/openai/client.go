package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/sessiond/internal/dialog"
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client implements dialog.Engine and dialog.Transcriber against an
// OpenAI-compatible API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (c *Client) Reply(ctx context.Context, req dialog.Request) (dialog.Reply, error) {
	if requiresAPIKey(c.cfg.BaseURL) && strings.TrimSpace(c.cfg.APIKey) == "" {
		return dialog.Reply{}, fmt.Errorf("%w: missing API key for %s", dialog.ErrUnavailable, c.cfg.BaseURL)
	}

	userText := strings.TrimSpace(req.Text)
	if userText == "" {
		return dialog.Reply{}, nil
	}

	messages := []map[string]string{}
	if prompt := strings.TrimSpace(req.SystemPrompt); prompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": prompt})
	}
	for _, turn := range req.History {
		role := "user"
		if turn.Direction == "out" {
			role = "assistant"
		}
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		messages = append(messages, map[string]string{"role": role, "content": text})
	}
	messages = append(messages, map[string]string{"role": "user", "content": userText})

	payload := map[string]any{
		"model":    c.cfg.Model,
		"messages": messages,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return dialog.Reply{}, fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return dialog.Reply{}, err
	}
	if apiKey := strings.TrimSpace(c.cfg.APIKey); apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return dialog.Reply{}, fmt.Errorf("%w: %v", dialog.ErrUnavailable, err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return dialog.Reply{}, fmt.Errorf("%w: %v", dialog.ErrUnavailable, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Error("chat completion failed", "status", res.StatusCode, "body", strings.TrimSpace(string(respBody)))
		return dialog.Reply{}, fmt.Errorf("%w: chat completion status %d", dialog.ErrUnavailable, res.StatusCode)
	}

	var response chatCompletionResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return dialog.Reply{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(response.Choices) == 0 {
		return dialog.Reply{}, fmt.Errorf("%w: chat response returned no choices", dialog.ErrUnavailable)
	}

	return dialog.Reply{
		Text:   strings.TrimSpace(response.Choices[0].Message.Content),
		Tokens: response.Usage.TotalTokens,
	}, nil
}

// Transcribe sends a voice note to the audio transcription endpoint.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	if strings.TrimSpace(filename) == "" {
		filename = "voice.ogg"
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := form.WriteField("model", "whisper-1"); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", err
	}
	if apiKey := strings.TrimSpace(c.cfg.APIKey); apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", dialog.ErrUnavailable, err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", dialog.ErrUnavailable, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Error("transcription failed", "status", res.StatusCode, "body", strings.TrimSpace(string(respBody)))
		return "", fmt.Errorf("%w: transcription status %d", dialog.ErrUnavailable, res.StatusCode)
	}

	var response transcriptionResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return strings.TrimSpace(response.Text), nil
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func requiresAPIKey(baseURL string) bool {
	lower := strings.ToLower(baseURL)
	if strings.Contains(lower, "localhost") || strings.Contains(lower, "127.0.0.1") || strings.Contains(lower, "ollama") {
		return false
	}
	return true
}
