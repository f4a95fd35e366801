// Package stream consumes execution events from a Redis stream consumer group.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"punchd/internal/classifier"
	"punchd/internal/config"
	"punchd/internal/engine"
	"punchd/internal/ingest"
)

// Submitter applies decoded events and reports the outcome; the ingest
// pipeline satisfies it.
type Submitter interface {
	SubmitWait(ctx context.Context, evt classifier.Event) (engine.IngestResult, error)
}

type Consumer struct {
	Client redis.UniversalClient
	Stream string
	Group  string
	Name   string
	Batch  int64
	Block  time.Duration
	Sink   Submitter
	Logger *slog.Logger
}

func NewConsumer(cfg config.StreamConfig, sink Submitter) *Consumer {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Consumer{
		Client: client,
		Stream: cfg.Stream,
		Group:  cfg.Group,
		Name:   cfg.Consumer,
		Batch:  cfg.Batch,
		Block:  5 * time.Second,
		Sink:   sink,
		Logger: slog.Default().With("component", "stream"),
	}
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.Client.XGroupCreateMkStream(ctx, c.Stream, c.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.Group, c.Stream, err)
	}
	return nil
}

// Run reclaims this consumer's pending entries, then reads new ones until
// ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	for {
		n, err := c.Poll(ctx, "0")
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	for {
		if _, err := c.Poll(ctx, ">"); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Poll reads one batch starting at id ("0" for this consumer's pending
// entries, ">" for new ones) and applies it. An entry is acked once it was
// applied, spooled or rejected as permanently bad; undecodable entries are
// acked and dropped with a warning. Any other failure stops the batch with
// the entry left pending so the next Run redelivers it.
func (c *Consumer) Poll(ctx context.Context, id string) (int, error) {
	batch := c.Batch
	if batch <= 0 {
		batch = 64
	}
	args := &redis.XReadGroupArgs{
		Group:    c.Group,
		Consumer: c.Name,
		Streams:  []string{c.Stream, id},
		Count:    batch,
		// history reads never block
		Block: -1,
	}
	if id == ">" {
		args.Block = c.Block
	}
	streams, err := c.Client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("xreadgroup %s: %w", c.Stream, err)
	}
	n := 0
	for _, s := range streams {
		for _, msg := range s.Messages {
			evt, err := Decode(msg.Values)
			if err != nil {
				c.logger().Warn("dropping stream entry", "stream", c.Stream, "id", msg.ID, "err", err)
			} else if _, err := c.Sink.SubmitWait(ctx, evt); err != nil && !settled(err) {
				return n, fmt.Errorf("submit %s: %w", msg.ID, err)
			} else if err != nil {
				c.logger().Warn("stream entry not applied", "stream", c.Stream, "id", msg.ID, "err", err)
			}
			if err := c.Client.XAck(ctx, c.Stream, c.Group, msg.ID).Err(); err != nil {
				return n, fmt.Errorf("xack %s: %w", msg.ID, err)
			}
			n++
		}
	}
	return n, nil
}

// settled reports whether a failed entry needs no redelivery.
func settled(err error) bool {
	return ingest.Permanent(err) || errors.Is(err, ingest.ErrSpooled)
}

// Decode reads an entry either as one "event" field holding the JSON
// envelope or as separate task_id, event_type, payload and emitted_at fields.
func Decode(values map[string]any) (classifier.Event, error) {
	var evt classifier.Event
	if raw, ok := values["event"]; ok {
		s, ok := raw.(string)
		if !ok {
			return evt, errors.New("event field is not a string")
		}
		if err := json.Unmarshal([]byte(s), &evt); err != nil {
			return evt, fmt.Errorf("event field: %w", err)
		}
		return evt, nil
	}
	field := func(name string) string {
		s, _ := values[name].(string)
		return s
	}
	evt.TaskID = field("task_id")
	evt.EventType = field("event_type")
	if p := field("payload"); p != "" {
		if !json.Valid([]byte(p)) {
			return evt, errors.New("payload is not json")
		}
		evt.Payload = json.RawMessage(p)
	}
	at := field("emitted_at")
	if at == "" {
		return evt, errors.New("emitted_at missing")
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return evt, fmt.Errorf("emitted_at: %w", err)
	}
	evt.EmittedAt = t
	if evt.TaskID == "" || evt.EventType == "" {
		return evt, errors.New("task_id and event_type required")
	}
	return evt, nil
}

// Publish appends evt to a stream in the single-field form.
func Publish(ctx context.Context, client redis.UniversalClient, stream string, evt classifier.Event) (string, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return "", err
	}
	return client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{"event": string(data)}}).Result()
}
