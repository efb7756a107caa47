package engram

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// embedJob is one pending row awaiting a vector.
type embedJob struct {
	id      string
	content string
}

// Embedder is the cooperative pipeline between C1 writes and vector-index
// population (§4.3). Writes return as soon as the row is durable; embedding
// happens asynchronously on a batching worker.
type Embedder struct {
	provider EmbeddingProvider
	store    *Store
	log      *zap.SugaredLogger

	batchSize int
	batchWait time.Duration

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	queue  chan embedJob
	drain  chan chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// EmbedderConfig controls the batching and resilience knobs of the embedder
// worker (§4.3, §6.4).
type EmbedderConfig struct {
	BatchSize     int
	BatchWait     time.Duration
	RateLimit     rate.Limit
	RateBurst     int
	QueueCapacity int
}

// DefaultEmbedderConfig returns the design-level defaults: flush at 16 items
// or 200ms, whichever first, with a generous token-bucket rate limit.
func DefaultEmbedderConfig() EmbedderConfig {
	return EmbedderConfig{
		BatchSize:     16,
		BatchWait:     200 * time.Millisecond,
		RateLimit:     rate.Limit(10),
		RateBurst:     20,
		QueueCapacity: 1024,
	}
}

// NewEmbedder starts the batching worker goroutine. Close drains and stops it.
func NewEmbedder(provider EmbeddingProvider, store *Store, cfg EmbedderConfig, log *zap.SugaredLogger) *Embedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = 200 * time.Millisecond
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	breakerSettings := gobreaker.Settings{
		Name:        "embedder",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	e := &Embedder{
		provider: provider,
		store:    store,
		log:      log,
		batchSize: cfg.BatchSize,
		batchWait: cfg.BatchWait,
		limiter:   rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		breaker:   gobreaker.NewCircuitBreaker(breakerSettings),
		queue:     make(chan embedJob, cfg.QueueCapacity),
		drain:     make(chan chan struct{}),
		done:      make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.run(ctx)
	return e
}

// Enqueue queues a row for embedding. Non-blocking unless the queue is full,
// in which case it applies backpressure to the caller rather than dropping work.
func (e *Embedder) Enqueue(id, content string) {
	e.queue <- embedJob{id: id, content: content}
}

// Flush awaits drain of all currently queued work, honoring ctx cancellation
// (§4.3): in-flight batches complete, new work submitted after cancellation
// is not awaited.
func (e *Embedder) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case e.drain <- ack:
	case <-ctx.Done():
		return ErrCancelled
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}

// Close stops the worker goroutine without waiting for a final drain.
func (e *Embedder) Close() {
	e.cancel()
	<-e.done
}

func (e *Embedder) run(ctx context.Context) {
	defer close(e.done)

	var batch []embedJob
	timer := time.NewTimer(e.batchWait)
	defer timer.Stop()

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		e.processBatch(ctx, batch)
		batch = nil
	}

	for {
		select {
		case job := <-e.queue:
			batch = append(batch, job)
			if len(batch) >= e.batchSize {
				flushBatch()
				timer.Reset(e.batchWait)
			}

		case <-timer.C:
			flushBatch()
			timer.Reset(e.batchWait)

		case ack := <-e.drain:
			// drain whatever is already queued, without blocking on new work
			for {
				select {
				case job := <-e.queue:
					batch = append(batch, job)
					continue
				default:
				}
				break
			}
			flushBatch()
			close(ack)

		case <-ctx.Done():
			flushBatch()
			return
		}
	}
}

func (e *Embedder) processBatch(ctx context.Context, batch []embedJob) {
	texts := make([]string, len(batch))
	for i, j := range batch {
		texts[i] = j.content
	}

	if err := e.limiter.WaitN(ctx, len(batch)); err != nil {
		return
	}

	operation := func() ([][]float32, error) {
		result, err := e.breaker.Execute(func() (interface{}, error) {
			return e.provider.EmbedBatch(ctx, texts)
		})
		if err != nil {
			return nil, err
		}
		return result.([][]float32), nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	vecs, err := backoff.RetryWithData(operation, bo)
	if err != nil {
		e.log.Warnw("embedding batch permanently failed", "size", len(batch), "error", err)
		for _, j := range batch {
			if markErr := e.store.MarkEmbeddingFailed(j.id); markErr != nil {
				e.log.Errorw("mark embedding failed", "id", j.id, "error", markErr)
			}
		}
		return
	}

	for i, j := range batch {
		if err := e.store.UpdateEmbedding(j.id, vecs[i]); err != nil {
			e.log.Errorw("update embedding", "id", j.id, "error", err)
		}
	}
}
