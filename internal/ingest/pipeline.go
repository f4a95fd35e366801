// Package ingest feeds events into the store through one sequential actor per task.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"punchd/internal/classifier"
	"punchd/internal/config"
	"punchd/internal/engine"
	"punchd/internal/metrics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("ingest pipeline closed")

// ErrSpooled wraps the store error of an event that was written to the spool
// instead. The event is durable and will be replayed from there.
var ErrSpooled = errors.New("event spooled")

// Sink applies one event to the store.
type Sink interface {
	Ingest(ctx context.Context, evt classifier.Event) (engine.IngestResult, error)
}

// Outcome labels.
const (
	ResultInserted  = "inserted"
	ResultDuplicate = "duplicate"
	ResultApplied   = "applied"
	ResultSkipped   = "skipped"
	ResultSpooled   = "spooled"
)

// Permanent reports whether err can never succeed on retry.
func Permanent(err error) bool {
	return errors.Is(err, classifier.ErrMalformed) || errors.Is(err, classifier.ErrUnknownEventType)
}

type item struct {
	evt   classifier.Event
	reply chan reply
}

type reply struct {
	res engine.IngestResult
	err error
}

type actor struct {
	taskID  string
	queue   chan item
	pending int
}

// Pipeline serializes events per task id and runs different tasks in
// parallel. Store failures are retried with exponential backoff; events that
// still cannot be stored are written to the spool.
type Pipeline struct {
	sink  Sink
	cfg   config.IngestConfig
	spool *Spool
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	drain  chan struct{}

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup
}

// New starts a pipeline. spool may be nil, in which case unstorable events
// are logged at error level.
func New(sink Sink, cfg config.IngestConfig, spool *Spool) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		sink:   sink,
		cfg:    cfg,
		spool:  spool,
		log:    slog.Default().With("component", "ingest"),
		ctx:    ctx,
		cancel: cancel,
		drain:  make(chan struct{}),
		actors: map[string]*actor{},
	}
}

// Submit queues evt behind earlier events of the same task. It blocks while
// that task's queue is full.
func (p *Pipeline) Submit(ctx context.Context, evt classifier.Event) error {
	_, err := p.enqueue(ctx, evt, nil)
	return err
}

// SubmitWait queues evt and waits until it was applied, skipped or spooled.
func (p *Pipeline) SubmitWait(ctx context.Context, evt classifier.Event) (engine.IngestResult, error) {
	ch := make(chan reply, 1)
	if _, err := p.enqueue(ctx, evt, ch); err != nil {
		return engine.IngestResult{TaskID: evt.TaskID}, err
	}
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return engine.IngestResult{TaskID: evt.TaskID}, ctx.Err()
	}
}

func (p *Pipeline) enqueue(ctx context.Context, evt classifier.Event, ch chan reply) (*actor, error) {
	if evt.TaskID == "" {
		// no actor to route to; the sink rejects it the same way
		_, err := p.sink.Ingest(ctx, evt)
		if err == nil {
			err = fmt.Errorf("%w: task_id required", classifier.ErrMalformed)
		}
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	a := p.actors[evt.TaskID]
	if a == nil {
		a = &actor{taskID: evt.TaskID, queue: make(chan item, p.cfg.QueueSize)}
		p.actors[evt.TaskID] = a
		p.wg.Add(1)
		metrics.IngestActors.Inc()
		go p.run(a)
	}
	a.pending++
	p.mu.Unlock()

	select {
	case a.queue <- item{evt: evt, reply: ch}:
		return a, nil
	case <-ctx.Done():
		p.release(a)
		return nil, ctx.Err()
	}
}

func (p *Pipeline) release(a *actor) {
	p.mu.Lock()
	a.pending--
	p.mu.Unlock()
}

// run processes one task's queue until it stays empty for the idle timeout
// or the pipeline drains.
func (p *Pipeline) run(a *actor) {
	defer p.wg.Done()
	defer metrics.IngestActors.Dec()
	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case it := <-a.queue:
			p.handle(a, it)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout)
		case <-idle.C:
			if p.retire(a) {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		case <-p.drain:
			p.flush(a)
			return
		}
	}
}

func (p *Pipeline) handle(a *actor, it item) {
	res, err := p.process(it.evt)
	if it.reply != nil {
		it.reply <- reply{res: res, err: err}
	}
	p.release(a)
}

// flush drains what was queued before Close, then retires the actor. A
// sender that gave up releases its slot, so the poll always ends.
func (p *Pipeline) flush(a *actor) {
	for !p.retire(a) {
		select {
		case it := <-a.queue:
			p.handle(a, it)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *Pipeline) retire(a *actor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a.pending > 0 {
		return false
	}
	delete(p.actors, a.taskID)
	return true
}

func (p *Pipeline) process(evt classifier.Event) (engine.IngestResult, error) {
	start := time.Now()
	defer func() { metrics.IngestLatency.Observe(time.Since(start).Seconds()) }()

	b := backoff.NewExponentialBackOff()
	if p.cfg.RetryInitial > 0 {
		b.InitialInterval = p.cfg.RetryInitial
	}
	if p.cfg.RetryMax > 0 {
		b.MaxInterval = p.cfg.RetryMax
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.IngestRetries.Inc()
			p.log.Warn("ingest retry", "task_id", evt.TaskID, "event_type", evt.EventType, "retry_in", next, "err", err)
		}),
	}
	if p.cfg.RetryMaxElapse > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.cfg.RetryMaxElapse))
	}
	res, err := backoff.Retry(p.ctx, func() (engine.IngestResult, error) {
		res, err := p.sink.Ingest(p.ctx, evt)
		if err != nil && Permanent(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, opts...)

	switch {
	case err == nil:
		label := ResultApplied
		if res.Punch != nil {
			label = ResultDuplicate
			if res.Inserted {
				label = ResultInserted
			}
		}
		metrics.EventsIngested.WithLabelValues(label).Inc()
		return res, nil
	case Permanent(err):
		metrics.EventsIngested.WithLabelValues(ResultSkipped).Inc()
		p.log.Warn("event skipped", "task_id", evt.TaskID, "event_type", evt.EventType, "err", err)
		return res, err
	}
	metrics.EventsIngested.WithLabelValues(ResultSpooled).Inc()
	if p.spool == nil {
		p.log.Error("event not stored and no spool configured", "task_id", evt.TaskID, "event_type", evt.EventType, "err", err)
		return res, err
	}
	if serr := p.spool.Append(evt); serr != nil {
		p.log.Error("spool append failed", "task_id", evt.TaskID, "err", serr)
		return res, errors.Join(err, serr)
	}
	p.log.Warn("event spooled", "task_id", evt.TaskID, "event_type", evt.EventType, "spool", p.spool.Path(), "err", err)
	return res, fmt.Errorf("%w: %w", ErrSpooled, err)
}

// Actors reports the number of live task actors.
func (p *Pipeline) Actors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actors)
}

// Close stops accepting events and lets actors flush their queues. When ctx
// expires first, in-flight retries are cut short and their events spooled.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.drain)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
