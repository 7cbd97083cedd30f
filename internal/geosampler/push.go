package geosampler

import (
	"sync"
)

// PushSource is a Source fed by samples the client device uploads. Push and
// Fail deliver synchronously on the caller's goroutine.
type PushSource struct {
	mu     sync.Mutex
	next   Handle
	subs   map[Handle]pushSubscriber
	failed error
}

type pushSubscriber struct {
	onSample func(Sample)
	onError  func(error)
}

func NewPushSource() *PushSource {
	return &PushSource{subs: map[Handle]pushSubscriber{}}
}

func (p *PushSource) Subscribe(onSample func(Sample), onError func(error)) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.subs[p.next] = pushSubscriber{onSample: onSample, onError: onError}
	return p.next
}

func (p *PushSource) Unsubscribe(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, h)
}

// Push delivers a sample to every subscriber. It returns false when nobody
// is subscribed or the source has failed.
func (p *PushSource) Push(sample Sample) bool {
	subs := p.snapshot()
	if subs == nil {
		return false
	}
	for _, s := range subs {
		s.onSample(sample)
	}
	return true
}

// Fail terminates the source: subscribers receive err and are dropped.
func (p *PushSource) Fail(err error) {
	p.mu.Lock()
	if p.failed != nil {
		p.mu.Unlock()
		return
	}
	p.failed = err
	subs := make([]pushSubscriber, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.subs = map[Handle]pushSubscriber{}
	p.mu.Unlock()

	for _, s := range subs {
		if s.onError != nil {
			s.onError(err)
		}
	}
}

func (p *PushSource) snapshot() []pushSubscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil || len(p.subs) == 0 {
		return nil
	}
	subs := make([]pushSubscriber, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	return subs
}
