package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"punchd/internal/classifier"
	"punchd/internal/config"
	"punchd/internal/domain"
	"punchd/internal/engine"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeSink struct {
	mu       sync.Mutex
	seen     map[string][]int64
	failures int32
	fail     func(classifier.Event) error
	delay    time.Duration
}

func (f *fakeSink) Ingest(ctx context.Context, evt classifier.Event) (engine.IngestResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return engine.IngestResult{}, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(evt); err != nil {
			atomic.AddInt32(&f.failures, 1)
			return engine.IngestResult{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string][]int64{}
	}
	f.seen[evt.TaskID] = append(f.seen[evt.TaskID], evt.EmittedAt.UnixNano())
	return engine.IngestResult{TaskID: evt.TaskID, Punch: &domain.Punch{TaskID: evt.TaskID}, Inserted: true}, nil
}

func testConfig() config.IngestConfig {
	return config.IngestConfig{
		QueueSize:      4,
		IdleTimeout:    50 * time.Millisecond,
		RetryInitial:   time.Millisecond,
		RetryMax:       5 * time.Millisecond,
		RetryMaxElapse: time.Second,
	}
}

func event(task string, i int) classifier.Event {
	return classifier.Event{TaskID: task, EventType: classifier.EventStep, EmittedAt: t0.Add(time.Duration(i) * time.Millisecond)}
}

func TestPipelinePreservesPerTaskOrder(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, testConfig(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, task := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(task string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, p.Submit(ctx, event(task, i)))
			}
		}(task)
	}
	wg.Wait()
	require.NoError(t, p.Close(ctx))

	for _, task := range []string{"a", "b", "c"} {
		got := sink.seen[task]
		require.Len(t, got, 20, task)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], "task %s out of order at %d", task, i)
		}
	}
}

func TestPipelineRetriesTransientErrors(t *testing.T) {
	var calls int32
	sink := &fakeSink{fail: func(classifier.Event) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return errors.New("database is locked")
		}
		return nil
	}}
	p := New(sink, testConfig(), nil)
	defer p.Close(context.Background())

	res, err := p.SubmitWait(context.Background(), event("a", 0))
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.EqualValues(t, 2, atomic.LoadInt32(&sink.failures))
}

func TestPipelineSkipsMalformed(t *testing.T) {
	sink := &fakeSink{fail: func(classifier.Event) error {
		return fmt.Errorf("%w: bad payload", classifier.ErrMalformed)
	}}
	dir := t.TempDir()
	spool := NewSpool(filepath.Join(dir, "spool.jsonl"))
	p := New(sink, testConfig(), spool)
	defer p.Close(context.Background())

	_, err := p.SubmitWait(context.Background(), event("a", 0))
	require.ErrorIs(t, err, classifier.ErrMalformed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&sink.failures), "permanent errors are not retried")
	_, statErr := os.Stat(spool.Path())
	assert.True(t, os.IsNotExist(statErr), "malformed events are never spooled")
}

func TestPipelineSpoolsWhenRetriesRunOut(t *testing.T) {
	sink := &fakeSink{fail: func(classifier.Event) error { return errors.New("store down") }}
	cfg := testConfig()
	cfg.RetryMaxElapse = 20 * time.Millisecond
	spool := NewSpool(filepath.Join(t.TempDir(), "spool", "events.jsonl"))
	p := New(sink, cfg, spool)

	_, err := p.SubmitWait(context.Background(), event("a", 7))
	require.ErrorIs(t, err, ErrSpooled)
	require.NoError(t, p.Close(context.Background()))

	f, err := os.Open(spool.Path())
	require.NoError(t, err)
	defer f.Close()
	var replay []classifier.Event
	require.NoError(t, ReadJSONL(f, func(evt classifier.Event) error {
		replay = append(replay, evt)
		return nil
	}))
	require.Len(t, replay, 1)
	assert.Equal(t, "a", replay[0].TaskID)
	assert.True(t, replay[0].EmittedAt.Equal(event("a", 7).EmittedAt))
}

func TestPipelineCloseSpoolsInFlight(t *testing.T) {
	sink := &fakeSink{fail: func(classifier.Event) error { return errors.New("store down") }}
	cfg := testConfig()
	cfg.RetryMaxElapse = time.Hour
	spool := NewSpool(filepath.Join(t.TempDir(), "events.jsonl"))
	p := New(sink, cfg, spool)
	require.NoError(t, p.Submit(context.Background(), event("a", 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	data, err := os.ReadFile(spool.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.ErrorIs(t, p.Submit(context.Background(), event("a", 1)), ErrClosed)
}

func TestIdleActorsRetire(t *testing.T) {
	p := New(&fakeSink{}, testConfig(), nil)
	defer p.Close(context.Background())
	_, err := p.SubmitWait(context.Background(), event("a", 0))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Actors())
	assert.Eventually(t, func() bool { return p.Actors() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSubmitBlocksWhenQueueFull(t *testing.T) {
	sink := &fakeSink{delay: 50 * time.Millisecond}
	cfg := testConfig()
	cfg.QueueSize = 1
	p := New(sink, cfg, nil)
	defer p.Close(context.Background())

	require.NoError(t, p.Submit(context.Background(), event("a", 0)))
	require.NoError(t, p.Submit(context.Background(), event("a", 1)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, event("a", 2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadJSONL(t *testing.T) {
	input := `# replay
{"task_id":"a","event_type":"step","payload":{"name":"plan"},"emitted_at":"2024-01-01T00:00:00Z"}

{"task_id":"b","event_type":"completion","payload":{},"emitted_at":"2024-01-01T00:00:01.5Z"}
not json
`
	var got []string
	err := ReadJSONL(strings.NewReader(input), func(evt classifier.Event) error {
		got = append(got, evt.TaskID)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 5")
	assert.Equal(t, []string{"a", "b"}, got)
}
