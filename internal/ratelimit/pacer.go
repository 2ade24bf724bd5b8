package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"mandachat/internal/clock"
)

// Pacer spaces successive calls sharing a key at least interval apart.
// Wait blocks until the caller may proceed and returns how long it waited.
type Pacer interface {
	Wait(ctx context.Context, key string, interval time.Duration) (time.Duration, error)
}

// IntervalForRPM returns ceil(60000/rpm) milliseconds. Non-positive rpm falls
// back to 10 requests per minute.
func IntervalForRPM(rpm int) time.Duration {
	if rpm <= 0 {
		rpm = 10
	}
	ms := math.Ceil(60000 / float64(rpm))
	return time.Duration(ms) * time.Millisecond
}

// MemoryPacer keeps the last dispatch time per key in process memory.
type MemoryPacer struct {
	clock clock.Clock

	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryPacer(c clock.Clock) *MemoryPacer {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryPacer{clock: c, last: map[string]time.Time{}}
}

// Wait reserves the next slot for key before sleeping, so concurrent callers
// queue behind each other instead of firing together. A cancelled wait gives
// its slot back unless a later caller has already queued behind it.
func (p *MemoryPacer) Wait(ctx context.Context, key string, interval time.Duration) (time.Duration, error) {
	p.mu.Lock()
	now := p.clock.Now()
	slot := now
	prev, hadPrev := p.last[key]
	if hadPrev {
		if next := prev.Add(interval); next.After(now) {
			slot = next
		}
	}
	p.last[key] = slot
	p.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return 0, nil
	}
	if err := p.clock.Sleep(ctx, wait); err != nil {
		p.release(key, slot, prev, hadPrev)
		return 0, err
	}
	return wait, nil
}

func (p *MemoryPacer) release(key string, slot, prev time.Time, hadPrev bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.last[key].Equal(slot) {
		return
	}
	if hadPrev {
		p.last[key] = prev
		return
	}
	delete(p.last, key)
}
