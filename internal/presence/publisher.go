package presence

import (
	"context"
	"sync"
	"time"

	"backend-runwith/internal/logging"
	"backend-runwith/internal/metrics"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig controls the circuit breaker around outbound upserts.
type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func newBreaker(cfg BreakerConfig, log zerolog.Logger) *gobreaker.CircuitBreaker[struct{}] {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "presence-upsert",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

// Publisher pushes active-session records to the Store from a single worker.
// Publish never blocks: records are coalesced per owner so only the latest
// one is written. Remove is synchronous.
type Publisher struct {
	store   Store
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     zerolog.Logger

	mu       sync.Mutex
	pending  map[string]ActiveSessionRecord
	inflight map[string]chan struct{}
	wake     chan struct{}
}

func NewPublisher(store Store, cfg BreakerConfig) *Publisher {
	log := logging.With("presence-publisher")
	return &Publisher{
		store:    store,
		breaker:  newBreaker(cfg, log),
		log:      log,
		pending:  map[string]ActiveSessionRecord{},
		inflight: map[string]chan struct{}{},
		wake:     make(chan struct{}, 1),
	}
}

// Publish queues rec for upsert, replacing any not yet written record of
// the same owner.
func (p *Publisher) Publish(rec ActiveSessionRecord) {
	p.mu.Lock()
	p.pending[rec.OwnerID] = rec
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Remove discards queued upserts for ownerID, waits for a write already in
// progress for that owner, then deletes the record.
func (p *Publisher) Remove(ctx context.Context, ownerID string) error {
	p.mu.Lock()
	delete(p.pending, ownerID)
	inflight := p.inflight[ownerID]
	p.mu.Unlock()

	if inflight != nil {
		select {
		case <-inflight:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := p.store.Delete(ctx, ownerID); err != nil {
		metrics.PresenceWrites.WithLabelValues("delete", "error").Inc()
		return err
	}
	metrics.PresenceWrites.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Serve runs the write loop until ctx ends. It satisfies suture.Service.
func (p *Publisher) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.Flush(context.Background())
			return ctx.Err()
		case <-p.wake:
			p.Flush(ctx)
		}
	}
}

// Flush writes every queued record before returning.
func (p *Publisher) Flush(ctx context.Context) {
	for {
		rec, done, ok := p.next()
		if !ok {
			return
		}
		p.write(ctx, rec)
		p.mu.Lock()
		if p.inflight[rec.OwnerID] == done {
			delete(p.inflight, rec.OwnerID)
		}
		close(done)
		p.mu.Unlock()
	}
}

func (p *Publisher) next() (ActiveSessionRecord, chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for owner, rec := range p.pending {
		if _, busy := p.inflight[owner]; busy {
			continue
		}
		delete(p.pending, owner)
		done := make(chan struct{})
		p.inflight[owner] = done
		return rec, done, true
	}
	return ActiveSessionRecord{}, nil, false
}

func (p *Publisher) write(ctx context.Context, rec ActiveSessionRecord) {
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.store.Upsert(ctx, rec)
	})
	if err != nil {
		metrics.PresenceWrites.WithLabelValues("upsert", "error").Inc()
		p.log.Warn().Err(err).Str("owner_id", rec.OwnerID).Str("session_id", rec.SessionID).Msg("presence upsert dropped")
		return
	}
	metrics.PresenceWrites.WithLabelValues("upsert", "ok").Inc()
}
