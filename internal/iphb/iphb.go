// Package iphb implements the IP-Heartbeat coalescing wake-up service.
// Callers subscribe with a (min, max) window; IPHB fires the wake-up at
// the point where the greatest number of pending subscriptions' windows
// intersect, falling back to the earliest max deadline if no intersection
// exists. A subscription is single-shot: it must be renewed after firing.
//
// Grounded on the teacher's token-bucket refill loop shape (a ticker-driven
// background goroutine with a stop channel), generalized from a fixed
// period to an arbitrary next-wake computation over live subscriptions.
package iphb

import (
	"context"
	"sort"
	"sync"
	"time"
)

// subscription is one pending wait request.
type subscription struct {
	min, max time.Time
	ch       chan time.Time
}

// Broker coalesces heartbeat wake-ups across subscribers. Safe for
// concurrent use: Wait may be called from any goroutine.
type Broker struct {
	mu   sync.Mutex
	subs map[uint64]*subscription
	next uint64

	timerFn func(d time.Duration) <-chan time.Time
	stop    chan struct{}
	stopped sync.Once
	wake    chan struct{}
}

// NewBroker constructs a Broker and starts its background coalescing loop.
// The loop exits when ctx is cancelled or Stop is called.
func NewBroker(ctx context.Context) *Broker {
	b := &Broker{
		subs: make(map[uint64]*subscription),
		stop: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	go b.run(ctx)
	return b
}

// Wait subscribes for a coalesced wake-up somewhere in [min, max] from
// now, and blocks until it fires or ctx is cancelled. The subscription is
// single-shot; callers that need periodic wake-ups must call Wait again
// after it returns.
func (b *Broker) Wait(ctx context.Context, min, max time.Duration) error {
	if max < min {
		max = min
	}
	now := time.Now()
	sub := &subscription{
		min: now.Add(min),
		max: now.Add(max),
		ch:  make(chan time.Time, 1),
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = sub
	b.mu.Unlock()
	b.poke()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	select {
	case <-sub.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSubscriptions reports the current number of pending Wait calls,
// for metrics.
func (b *Broker) ActiveSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stop terminates the background coalescing loop.
func (b *Broker) Stop() {
	b.stopped.Do(func() { close(b.stop) })
}

func (b *Broker) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		deadline, ok := b.nextFireTime()
		if ok {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
		}

		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-b.wake:
			continue
		case now := <-timer.C:
			b.fireDue(now)
		}
	}
}

// nextFireTime computes the coalesced wake-up time: the point at which
// the maximum number of subscription windows overlap, preferring the
// earliest such point, falling back to the earliest max deadline when
// there are no overlaps (i.e. every window is a singleton).
func (b *Broker) nextFireTime() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) == 0 {
		return time.Time{}, false
	}

	type point struct {
		t    time.Time
		kind int // +1 at min (window opens), -1 past max (window closes)
	}
	points := make([]point, 0, len(b.subs)*2)
	for _, s := range b.subs {
		points = append(points, point{t: s.min, kind: 1})
		points = append(points, point{t: s.max, kind: -1})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].t.Before(points[j].t) })

	best := points[0].t
	bestCount, count := 0, 0
	for _, p := range points {
		if p.kind == 1 {
			count++
		} else {
			count--
		}
		if count > bestCount {
			bestCount = count
			best = p.t
		}
	}

	earliestMax := b.subs[b.firstID()].max
	for _, s := range b.subs {
		if s.max.Before(earliestMax) {
			earliestMax = s.max
		}
	}
	if bestCount <= 1 || earliestMax.Before(best) {
		return earliestMax, true
	}
	return best, true
}

func (b *Broker) firstID() uint64 {
	for id := range b.subs {
		return id
	}
	return 0
}

// fireDue wakes every subscription whose window has been reached (min <=
// now) and removes it. Subscriptions whose min has not yet arrived are
// left pending for a later fire.
func (b *Broker) fireDue(now time.Time) {
	b.mu.Lock()
	due := make([]*subscription, 0, len(b.subs))
	for id, s := range b.subs {
		if !s.min.After(now) {
			due = append(due, s)
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()

	for _, s := range due {
		s.ch <- now
	}
}
