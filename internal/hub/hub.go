// Package hub multiplexes any number of clients onto the single
// sequencer. Commands from all clients are serialized into one FIFO
// queue and applied one at a time; every committed state change is
// broadcast to all connected clients as a full snapshot. A slow client
// loses intermediate snapshots but never observes versions out of order
// and never backpressures the sequencer.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/orgelaudio/orgelsampler/internal/session"
)

// Apply is the sequencer's command handler. A zero-version snapshot with
// a nil error means the command was a no-op (e.g. a stale timer event)
// and nothing is broadcast.
type Apply func(session.Command) (session.Snapshot, error)

// subscriberBuffer bounds the per-client outbound queue. When a client
// falls behind, the oldest buffered snapshot is dropped (latest wins).
const subscriberBuffer = 16

type envelope struct {
	cmd   session.Command
	reply chan error
}

type subscriber struct {
	id string
	ch chan session.Snapshot
}

// Hub owns the command queue and the broadcast set.
type Hub struct {
	queue   chan envelope
	current func() session.Snapshot

	mu   sync.Mutex
	subs map[string]*subscriber
}

// New creates a hub reading the current snapshot from the given state.
func New(state *session.State) *Hub {
	return &Hub{
		queue:   make(chan envelope, 64),
		current: state.Snapshot,
		subs:    make(map[string]*subscriber),
	}
}

// Run consumes the command queue until the context is cancelled. This is
// the only goroutine that invokes the sequencer, so no two commands ever
// apply concurrently.
func (h *Hub) Run(ctx context.Context, apply Apply) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-h.queue:
			snap, err := apply(env.cmd)
			if env.reply != nil {
				env.reply <- err
			}
			if err != nil {
				slog.Debug("Command rejected", "kind", env.cmd.Kind, "client", env.cmd.Client, "error", err)
				continue
			}
			if snap.Version > 0 {
				h.broadcast(snap)
			}
		}
	}
}

// Submit queues a command for the given client and waits for the
// sequencer's verdict. Queued commands are applied in arrival order even
// if the client disconnects before its turn.
func (h *Hub) Submit(ctx context.Context, clientID string, cmd session.Command) error {
	cmd.Client = clientID
	reply := make(chan error, 1)
	select {
	case h.queue <- envelope{cmd: cmd, reply: reply}:
	case <-ctx.Done():
		return fmt.Errorf("submitting %s: %w", cmd.Kind, ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", cmd.Kind, ctx.Err())
	}
}

// Inject queues an internal event without waiting for a result. Used by
// the sequencer's timers and capture workers; those run outside the Run
// loop, so the blocking send cannot deadlock.
func (h *Hub) Inject(cmd session.Command) {
	h.queue <- envelope{cmd: cmd}
}

// Connect registers a client and returns its snapshot stream plus a
// cancel function. The first emission is the current snapshot; the
// channel is closed on cancel.
func (h *Hub) Connect(clientID string) (<-chan session.Snapshot, func()) {
	sub := &subscriber{id: clientID, ch: make(chan session.Snapshot, subscriberBuffer)}

	h.mu.Lock()
	h.subs[clientID] = sub
	// First emission inside the lock, so no broadcast can slip in front
	// of it and break per-client version monotonicity.
	sub.ch <- h.current()
	h.mu.Unlock()

	h.Inject(session.Command{Kind: session.CmdClientConnected, Client: clientID})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if h.subs[clientID] == sub {
				delete(h.subs, clientID)
			}
			close(sub.ch)
			h.mu.Unlock()
			h.Inject(session.Command{Kind: session.CmdClientDisconnected, Client: clientID})
		})
	}
	return sub.ch, cancel
}

// Current returns the latest committed snapshot.
func (h *Hub) Current() session.Snapshot {
	return h.current()
}

func (h *Hub) broadcast(snap session.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		// Buffer full: drop the oldest snapshot to make room. Versions
		// stay monotonic per client; intermediate states are skipped.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
			slog.Warn("Dropping snapshot for slow client", "client", sub.id, "version", snap.Version)
		}
	}
}
