package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/resilience-go/events"
	"github.com/glimte/resilience-go/retry"
)

// Entry is one dead-lettered operation. The operation itself is kept so
// an operator can replay it; it is omitted from JSON representations.
type Entry struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Operation  retry.Operation `json:"-"`
	LastError  string          `json:"lastError"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Forwarder mirrors dead letters to an external system, typically a
// RabbitMQ dead-letter exchange, for off-process inspection. Forwarding
// failures are logged and never affect the queue itself.
type Forwarder interface {
	Forward(ctx context.Context, entry Entry) error
}

// Queue is the dead letter queue. Appends are asynchronous: Add hands the
// entry to the queue's own goroutine and returns immediately, so a failing
// call path is never slowed down by its own post-mortem bookkeeping.
// Entries stay until an operator retries or purges them; there is no
// automatic re-delivery.
type Queue struct {
	store     Store
	bus       events.Publisher
	logger    *slog.Logger
	exec      *retry.Executor
	forwarder Forwarder

	addCh  chan Entry
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// QueueOption configures the queue.
type QueueOption func(*Queue)

// WithStore sets the entry store. Defaults to an in-memory store.
func WithStore(store Store) QueueOption {
	return func(q *Queue) {
		q.store = store
	}
}

// WithBus sets the event bus for item_added/item_retried events.
func WithBus(bus events.Publisher) QueueOption {
	return func(q *Queue) {
		q.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithExecutor sets the retry executor used for replays.
func WithExecutor(exec *retry.Executor) QueueOption {
	return func(q *Queue) {
		q.exec = exec
	}
}

// WithForwarder sets the external forwarder for new dead letters.
func WithForwarder(f Forwarder) QueueOption {
	return func(q *Queue) {
		q.forwarder = f
	}
}

// NewQueue creates and starts a dead letter queue.
func NewQueue(options ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		store:  NewInMemoryStore(),
		logger: slog.Default(),
		addCh:  make(chan Entry, 64),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range options {
		opt(q)
	}

	if q.exec == nil {
		q.exec = retry.NewExecutor(retry.WithLogger(q.logger))
	}

	q.wg.Add(1)
	go q.appendLoop()

	return q
}

// Add appends a dead letter. Fire and forget: it never fails from the
// caller's perspective. If the queue is already closed the entry is
// dropped with a warning.
func (q *Queue) Add(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}

	select {
	case q.addCh <- entry:
	case <-q.ctx.Done():
		q.logger.Warn("dead letter dropped, queue closed",
			"id", entry.ID,
			"name", entry.Name,
		)
	}
}

// AddFailure implements retry.DeadLetter so the queue can be handed
// directly to retry.Executor.DoWithDLQ.
func (q *Queue) AddFailure(f retry.Failure) {
	q.Add(Entry{
		Name:      f.Name,
		Operation: f.Operation,
		LastError: f.Err.Error(),
		Attempts:  f.Attempts,
	})
}

// List returns all current entries.
func (q *Queue) List(ctx context.Context) ([]Entry, error) {
	return q.store.List(ctx)
}

// Size returns the number of entries currently queued.
func (q *Queue) Size(ctx context.Context) int {
	entries, err := q.store.List(ctx)
	if err != nil {
		return 0
	}
	return len(entries)
}

// Retry replays the stored operation through the retry executor. On
// success the entry is removed and an item_retried event is emitted; on
// failure the entry stays put with its error and attempt count updated.
func (q *Queue) Retry(ctx context.Context, id string, policy retry.Policy) error {
	entry, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Operation == nil {
		return fmt.Errorf("%w: %s", ErrNotReplayable, id)
	}

	err = q.exec.Do(ctx, entry.Name, entry.Operation, policy)
	if err != nil {
		entry.LastError = err.Error()
		var rerr *retry.Error
		if errors.As(err, &rerr) {
			entry.Attempts += rerr.Attempts
		}
		if serr := q.store.Store(ctx, *entry); serr != nil {
			q.logger.Error("failed to update dead letter after replay",
				"id", id,
				"error", serr,
			)
		}
		return err
	}

	if derr := q.store.Delete(ctx, id); derr != nil {
		q.logger.Error("failed to remove replayed dead letter",
			"id", id,
			"error", derr,
		)
	}

	q.logger.Info("dead letter replayed", "id", id, "name", entry.Name)
	q.publish(events.DLQItemRetried, entry.Name)
	return nil
}

// Purge removes an entry without replaying it.
func (q *Queue) Purge(ctx context.Context, id string) error {
	return q.store.Delete(ctx, id)
}

// Close stops the append goroutine after draining pending entries.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Queue) appendLoop() {
	defer q.wg.Done()

	for {
		select {
		case entry := <-q.addCh:
			q.append(entry)
		case <-q.ctx.Done():
			// Drain whatever is already buffered.
			for {
				select {
				case entry := <-q.addCh:
					q.append(entry)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) append(entry Entry) {
	if err := q.store.Store(context.Background(), entry); err != nil {
		q.logger.Error("failed to store dead letter",
			"id", entry.ID,
			"name", entry.Name,
			"error", err,
		)
		return
	}

	q.logger.Info("dead letter queued",
		"id", entry.ID,
		"name", entry.Name,
		"attempts", entry.Attempts,
		"error", entry.LastError,
	)
	q.publish(events.DLQItemAdded, entry.Name)

	if q.forwarder != nil {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := q.forwarder.Forward(fctx, entry); err != nil {
			q.logger.Warn("failed to forward dead letter",
				"id", entry.ID,
				"error", err,
			)
		}
		cancel()
	}
}

func (q *Queue) publish(name, op string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.Event{
		Name:     name,
		Metadata: map[string]string{"operation": op},
	})
}

// MarshalJSON renders the entry without its operation but with a
// replayable flag so operators can see which entries still carry one.
func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(&struct {
		alias
		Replayable bool `json:"replayable"`
	}{
		alias:      alias(e),
		Replayable: e.Operation != nil,
	})
}
