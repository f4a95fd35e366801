// Package signal delivers kill signals to the agent runtime.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"punchd/internal/config"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	EventKill             = "task.kill"
)

// Kill tells the runtime to stop one task. Delivery is at-least-once; KillID
// lets receivers drop repeats.
type Kill struct {
	KillID     string `json:"kill_id"`
	TaskID     string `json:"task_id"`
	RootTaskID string `json:"root_task_id"`
	Reason     string `json:"reason"`
	KilledAt   string `json:"killed_at"`
}

type Signaler interface {
	Send(ctx context.Context, k Kill) error
}

// Log writes kills to a structured logger only.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(_ context.Context, k Kill) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("kill signal", "kill_id", k.KillID, "task_id", k.TaskID, "root_task_id", k.RootTaskID, "reason", k.Reason)
	return nil
}

// Webhook POSTs each kill as JSON.
type Webhook struct {
	Hook   config.WebhookConfig
	Client *http.Client
}

func (w Webhook) Send(ctx context.Context, k Kill) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		timeout := w.Hook.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Punchd-Event", EventKill)
	req.Header.Set("X-Punchd-Delivery", k.KillID)
	for name, value := range w.Hook.Headers {
		req.Header.Set(name, value)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.Hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Redis publishes kills on a pub/sub channel.
type Redis struct {
	Client  redis.UniversalClient
	Channel string
}

func (r Redis) Send(ctx context.Context, k Kill) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	if err := r.Client.Publish(ctx, r.Channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.Channel, err)
	}
	return nil
}

// Multi fans a kill out to every signaler and joins their errors.
type Multi []Signaler

func (m Multi) Send(ctx context.Context, k Kill) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the configured fan-out. The log signaler is always
// included. The returned close func releases the redis client if any.
func FromConfig(cfg config.SignalConfig, logger *slog.Logger) (Signaler, func() error) {
	out := Multi{Log{Logger: logger}}
	for _, hook := range cfg.Webhooks {
		out = append(out, Webhook{Hook: hook})
	}
	closeFn := func() error { return nil }
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		out = append(out, Redis{Client: client, Channel: cfg.Redis.Channel})
		closeFn = client.Close
	}
	return out, closeFn
}
