package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relves/anonsignal/internal/retry"
)

// Hook runs side effects for an accepted signal. It is called only after
// every gate has passed and the nullifier is recorded.
type Hook interface {
	OnAccepted(ctx context.Context, acc Acceptance) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, acc Acceptance) error

func (f HookFunc) OnAccepted(ctx context.Context, acc Acceptance) error {
	return f(ctx, acc)
}

// MultiHook runs every hook in order and joins their errors.
type MultiHook []Hook

func (m MultiHook) OnAccepted(ctx context.Context, acc Acceptance) error {
	var errs []error
	for _, h := range m {
		if err := h.OnAccepted(ctx, acc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogHook logs each acceptance.
func LogHook(logger *slog.Logger) Hook {
	return HookFunc(func(ctx context.Context, acc Acceptance) error {
		logger.InfoContext(ctx, "signal relayed",
			"groupId", acc.GroupID,
			"context", acc.Context,
			"nullifierHash", acc.NullifierHash,
			"messageBytes", len(acc.Message))
		return nil
	})
}

// WebhookHook posts accepted messages to a chat-style relay webhook as
// {"content": message}.
type WebhookHook struct {
	url    string
	client *http.Client
	retry  retry.Policy
}

func NewWebhookHook(url string, client *http.Client, p retry.Policy) *WebhookHook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookHook{url: url, client: client, retry: p}
}

type webhookPayload struct {
	Content string `json:"content"`
}

func (w *WebhookHook) OnAccepted(ctx context.Context, acc Acceptance) error {
	body, err := json.Marshal(webhookPayload{Content: string(acc.Message)})
	if err != nil {
		return err
	}
	_, err = retry.Do(ctx, w.retry, "relay webhook", func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return struct{}{}, retry.CheckStatus(resp)
	})
	if err != nil {
		return fmt.Errorf("relay webhook: %w", err)
	}
	return nil
}
