// Package stream fans encoded frames out from the single capture loop to any
// number of HTTP consumers. The loop never waits on a slow consumer: every
// subscriber has a small buffer and loses its oldest frames first when it
// falls behind.
package stream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// subChannelDepth is the per-subscriber buffer. Deep enough to ride out
// scheduling jitter, shallow enough that a stalled client stays near live.
const subChannelDepth = 4

// Broadcaster distributes encoded frames to subscribers keyed by id.
// Published slices are shared between subscribers and must be treated as
// read-only by consumers.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[string]chan []byte
	closed   bool
	terminal []byte

	stats struct {
		published atomic.Int64
		dropped   atomic.Int64
	}

	logger *zap.Logger
}

// Stats is a point-in-time view of broadcast counters.
type Stats struct {
	Published int64
	Dropped   int64
	Consumers int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]chan []byte),
		logger: zap.L().Named("broadcast"),
	}
}

// Publish hands one frame to every subscriber. A subscriber whose buffer is
// full loses its oldest frame instead of stalling the publisher.
func (b *Broadcaster) Publish(frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.stats.published.Add(1)

	for _, ch := range b.subs {
		select {
		case ch <- frame:
			continue
		default:
		}
		select {
		case <-ch:
			b.stats.dropped.Add(1)
		default:
		}
		select {
		case ch <- frame:
		default:
			b.stats.dropped.Add(1)
		}
	}
}

// Subscribe registers a consumer and returns its id and receive channel.
// The channel is closed on Unsubscribe or when the stream terminates. A
// subscriber joining after termination receives the terminal frame and an
// immediately closed channel.
func (b *Broadcaster) Subscribe() (string, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan []byte, subChannelDepth)

	if b.closed {
		if b.terminal != nil {
			ch <- b.terminal
		}
		close(ch)
		return id, ch
	}

	b.subs[id] = ch
	b.logger.Debug("consumer subscribed",
		zap.String("id", id), zap.Int("consumers", len(b.subs)))
	return id, ch
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
	b.logger.Debug("consumer unsubscribed",
		zap.String("id", id), zap.Int("consumers", len(b.subs)))
}

// Terminate delivers one final frame to every consumer, closes all channels,
// and rejects further publishes. Exactly one terminal frame ever goes out;
// later calls are no-ops.
func (b *Broadcaster) Terminate(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.terminal = frame

	for id, ch := range b.subs {
	drain:
		for {
			select {
			case <-ch:
			default:
				break drain
			}
		}
		if frame != nil {
			ch <- frame
		}
		close(ch)
		delete(b.subs, id)
	}
	b.logger.Info("stream terminated")
}

// Close shuts the broadcaster down without a terminal frame, for orderly
// process exit.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Terminated reports whether the stream has ended.
func (b *Broadcaster) Terminated() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Stats returns current broadcast counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Published: b.stats.published.Load(),
		Dropped:   b.stats.dropped.Load(),
		Consumers: len(b.subs),
	}
}
