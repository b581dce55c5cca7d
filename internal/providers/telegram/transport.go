// Package telegram implements the provider transport for personal telegram
// accounts through an MTProto bridge: sign-in over its HTTPS endpoints,
// live updates over its websocket gateway.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/sessiond/internal/provider"
)

type Config struct {
	APIBase   string
	GatewayWS string
	Timeout   time.Duration
}

type Transport struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Transport {
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = "https://bridge.telegram.local/api"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "telegram-transport"),
	}
}

// RequestCode starts sign-in: the bridge sends a confirmation code to the
// account and returns the code hash plus an intermediate session snapshot.
// The returned handle is nil; the snapshot alone is enough to finish
// sign-in later, even from another process.
func (t *Transport) RequestCode(ctx context.Context, cfg map[string]any, identity string) (provider.Handle, provider.CodeRequest, error) {
	phone := strings.TrimSpace(identity)
	if phone == "" {
		phone, _ = cfg["phone"].(string)
		phone = strings.TrimSpace(phone)
	}
	if phone == "" {
		return nil, provider.CodeRequest{}, fmt.Errorf("%w: phone is required", provider.ErrPhoneInvalid)
	}

	var response sendCodeResponse
	err := t.post(ctx, "/auth/sendCode", map[string]any{
		"app_id":   asInt64(cfg["app_id"]),
		"app_hash": cfg["app_hash"],
		"phone":    phone,
	}, &response)
	if err != nil {
		return nil, provider.CodeRequest{}, err
	}
	if response.PhoneCodeHash == "" || response.Session == "" {
		return nil, provider.CodeRequest{}, fmt.Errorf("sendCode returned incomplete payload")
	}
	return nil, provider.CodeRequest{
		VerificationToken: response.PhoneCodeHash,
		Snapshot:          response.Session,
	}, nil
}

// ConfirmCode finishes sign-in with the code the account owner received and
// returns the authorized session material.
func (t *Transport) ConfirmCode(ctx context.Context, resume provider.ResumeInput, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: empty code", provider.ErrCodeInvalid)
	}
	phone, _ := resume.Config["phone"].(string)

	var response signInResponse
	err := t.post(ctx, "/auth/signIn", map[string]any{
		"session":         resume.Snapshot,
		"phone":           phone,
		"phone_code_hash": resume.VerificationToken,
		"code":            code,
	}, &response)
	if err != nil {
		return "", err
	}
	if response.Session == "" {
		return "", fmt.Errorf("signIn returned no session")
	}
	return response.Session, nil
}

// Connect opens the live update stream. cfg must carry completed session
// material.
func (t *Transport) Connect(ctx context.Context, cfg map[string]any) (provider.Handle, error) {
	session, _ := cfg["session"].(string)
	if strings.TrimSpace(session) == "" {
		return nil, fmt.Errorf("%w: no session material", provider.ErrInvalidCredentials)
	}
	return t.openSession(ctx, session)
}

// post sends one JSON request to the bridge and decodes either the expected
// payload or the bridge's error envelope mapped onto the typed errors.
func (t *Transport) post(ctx context.Context, path string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	endpoint := strings.TrimRight(t.cfg.APIBase, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram bridge request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read bridge response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var failure errorResponse
		if jerr := json.Unmarshal(data, &failure); jerr == nil && failure.Error != "" {
			return mapAPIError(failure.Error)
		}
		return fmt.Errorf("bridge returned status %d", res.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	return nil
}

type sendCodeResponse struct {
	PhoneCodeHash string `json:"phone_code_hash"`
	Session       string `json:"session"`
}

type signInResponse struct {
	Session string `json:"session"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func asInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
