// Package events fans recorded run log entries out to live observers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/montylab/simorch/internal/domain"
	"github.com/montylab/simorch/internal/platform/metrics"
)

var (
	ErrObserverClosed = errors.New("observer closed")
	ErrBufferFull     = errors.New("observer buffer full")
)

// Observer is one live feed connection. An empty RunID subscribes to every
// run.
type Observer interface {
	ID() string
	RunID() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Envelope is the wire form of a feed message.
type Envelope struct {
	Type string          `json:"type"`
	Data domain.LogEntry `json:"data"`
}

type Broadcaster struct {
	mu        sync.RWMutex
	observers map[string]Observer

	logger      *slog.Logger
	metrics     *metrics.Metrics
	sendTimeout time.Duration
}

func NewBroadcaster(logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Broadcaster{
		observers:   make(map[string]Observer),
		logger:      logger,
		metrics:     m,
		sendTimeout: 10 * time.Second,
	}
}

func (b *Broadcaster) Add(o Observer) {
	b.mu.Lock()
	b.observers[o.ID()] = o
	n := len(b.observers)
	b.mu.Unlock()
	b.metrics.Observers.Set(float64(n))
}

// Remove drops the observer with id and closes it. Unknown ids are ignored.
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	o, ok := b.observers[id]
	if ok {
		delete(b.observers, id)
	}
	n := len(b.observers)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.metrics.Observers.Set(float64(n))
	_ = o.Close()
}

func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Publish delivers entry to every observer subscribed to its run at the
// moment of the call. Deliveries run concurrently; observers whose send
// fails are removed once every delivery has returned.
func (b *Broadcaster) Publish(ctx context.Context, entry domain.LogEntry) {
	payload, err := json.Marshal(Envelope{Type: "log", Data: entry})
	if err != nil {
		b.logger.Error("encode log envelope failed", "run_id", entry.RunID, "error", err)
		return
	}

	targets := b.snapshot(entry.RunID)
	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.sendTimeout)
	defer cancel()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []Observer
	)
	for _, o := range targets {
		wg.Add(1)
		go func(o Observer) {
			defer wg.Done()
			if err := o.Send(ctx, payload); err != nil {
				b.logger.Debug("observer delivery failed", "observer_id", o.ID(), "run_id", entry.RunID, "error", err)
				mu.Lock()
				failed = append(failed, o)
				mu.Unlock()
			}
		}(o)
	}
	wg.Wait()

	for _, o := range failed {
		b.metrics.DeliveryFailures.Inc()
		b.removeInstance(o)
	}
}

func (b *Broadcaster) snapshot(runID string) []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		if sub := o.RunID(); sub == "" || sub == runID {
			out = append(out, o)
		}
	}
	return out
}

// removeInstance removes o only if it is still the registered observer for
// its id.
func (b *Broadcaster) removeInstance(o Observer) {
	b.mu.Lock()
	current, ok := b.observers[o.ID()]
	if ok && current == o {
		delete(b.observers, o.ID())
	}
	n := len(b.observers)
	b.mu.Unlock()
	if ok && current == o {
		b.metrics.Observers.Set(float64(n))
		_ = o.Close()
	}
}
