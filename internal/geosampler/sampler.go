// Package geosampler turns a continuous position capability into a
// terminating-on-error stream of samples with idempotent unsubscribe.
package geosampler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"backend-runwith/internal/shared/geo"
)

var (
	ErrPermissionDenied = errors.New("position permission denied")
	ErrUnavailable      = errors.New("position unavailable")
	ErrTimeout          = errors.New("position timeout")
)

// Sample is one position fix reported by the device.
type Sample struct {
	Coordinate geo.Coordinate `json:"coordinate"`
	AccuracyM  float64        `json:"accuracy_m,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Handle identifies a subscription on a Source.
type Handle uint64

// Source is the platform position capability. Subscribe must not block.
// After onError fires the source delivers nothing more on that handle.
type Source interface {
	Subscribe(onSample func(Sample), onError func(error)) Handle
	Unsubscribe(h Handle)
}

// Classify maps an arbitrary error onto one of the position error kinds.
// Unknown errors are reported as ErrUnavailable.
func Classify(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// ParseKind maps a device-reported error kind onto its sentinel.
func ParseKind(kind string) (error, bool) {
	switch kind {
	case "permission_denied":
		return ErrPermissionDenied, true
	case "unavailable":
		return ErrUnavailable, true
	case "timeout":
		return ErrTimeout, true
	}
	return nil, false
}

// Kind is the inverse of ParseKind, used for metric labels.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "unavailable"
	}
}

type Sampler struct {
	src     Source
	timeout time.Duration
}

// New wraps src. A positive timeout fails the stream with ErrTimeout when no
// sample arrives within that window.
func New(src Source, timeout time.Duration) *Sampler {
	return &Sampler{src: src, timeout: timeout}
}

// Subscription is returned by Start. Stop is idempotent and, once it returns,
// no further callbacks run.
type Subscription struct {
	sampler *Sampler

	mu      sync.Mutex
	stopped bool
	handle  Handle
	timer   *time.Timer

	// deliver is held while a sample callback runs.
	deliver sync.Mutex

	onSample func(Sample)
	onError  func(error)
}

// Start registers the callbacks and returns immediately.
func (s *Sampler) Start(onSample func(Sample), onError func(error)) *Subscription {
	sub := &Subscription{sampler: s, onSample: onSample, onError: onError}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.handle = s.src.Subscribe(sub.handleSample, sub.handleError)
	if s.timeout > 0 {
		sub.timer = time.AfterFunc(s.timeout, func() { sub.handleError(ErrTimeout) })
	}
	return sub
}

// Stop unsubscribes sub. A nil subscription is accepted.
func (s *Sampler) Stop(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Stop()
}

func (sub *Subscription) Stop() {
	if !sub.terminate() {
		return
	}
	// wait for an in-flight sample callback
	sub.deliver.Lock()
	sub.deliver.Unlock()
}

// Stopped reports whether the subscription has ended, by Stop or by error.
func (sub *Subscription) Stopped() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.stopped
}

// terminate marks the subscription ended and releases the source. It returns
// false when the subscription had already ended.
func (sub *Subscription) terminate() bool {
	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return false
	}
	sub.stopped = true
	handle := sub.handle
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.mu.Unlock()

	sub.sampler.src.Unsubscribe(handle)
	return true
}

func (sub *Subscription) handleSample(sample Sample) {
	sub.deliver.Lock()
	defer sub.deliver.Unlock()

	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return
	}
	if sub.timer != nil {
		sub.timer.Reset(sub.sampler.timeout)
	}
	sub.mu.Unlock()

	sub.onSample(sample)
}

func (sub *Subscription) handleError(err error) {
	if !sub.terminate() {
		return
	}
	if sub.onError != nil {
		sub.onError(Classify(err))
	}
}
