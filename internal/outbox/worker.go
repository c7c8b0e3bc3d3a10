package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stagebid/stagebid/internal/events"
)

// Publisher delivers a staged event to the bus. The production publisher
// targets NATS JetStream; local runs can loop events straight into the
// gateway.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Config tunes the relay worker.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 200 * time.Millisecond,
		BatchSize:    100,
	}
}

// Worker polls the outbox and publishes pending events strictly in
// position order. A publish failure stops the batch so ordering is never
// broken by skipping ahead; the failed event retries next tick.
type Worker struct {
	repo      Repository
	publisher Publisher
	config    Config

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(repo Repository, publisher Publisher, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Worker{
		repo:      repo,
		publisher: publisher,
		config:    cfg,
		stopChan:  make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Msg("outbox worker started")
	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	log.Info().Msg("outbox worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain publishes every pending event, in order, until the outbox is
// empty or a publish fails.
func (w *Worker) Drain(ctx context.Context) {
	for {
		records, err := w.repo.FetchUnsent(ctx, w.config.BatchSize)
		if err != nil {
			log.Error().Err(err).Msg("failed to fetch pending events")
			return
		}
		if len(records) == 0 {
			return
		}
		for _, rec := range records {
			if err := w.publisher.Publish(ctx, rec.Event); err != nil {
				log.Error().Err(err).
					Str("event_id", rec.Event.ID.String()).
					Str("event_type", string(rec.Event.Type)).
					Msg("failed to publish event, will retry")
				return
			}
			if err := w.repo.MarkSent(ctx, rec.Event.ID); err != nil {
				log.Error().Err(err).
					Str("event_id", rec.Event.ID.String()).
					Msg("failed to mark event sent")
				return
			}
		}
		if len(records) < w.config.BatchSize {
			return
		}
	}
}
