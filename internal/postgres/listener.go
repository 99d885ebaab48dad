package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/duron/internal/domain"
)

// subscriberBuffer is the per-subscriber channel depth. Delivery is
// best-effort: a subscriber that falls this far behind loses notifications,
// and the periodic pull loop converges the state.
const subscriberBuffer = 64

// listener holds one dedicated LISTEN connection and fans envelopes out to
// local topic subscribers in arrival order.
type listener struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	subs    map[string]map[chan json.RawMessage]struct{}
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newListener(pool *pgxpool.Pool) *listener {
	return &listener{
		pool: pool,
		subs: make(map[string]map[chan json.RawMessage]struct{}),
	}
}

func (l *listener) start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.started = true

	go func() {
		defer close(l.done)
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+notifyChannel)
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(runCtx)
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				slog.Warn("notification wait failed", "error", err)
				continue
			}

			var env domain.Envelope
			if err := json.Unmarshal([]byte(notification.Payload), &env); err != nil {
				slog.Warn("malformed notification envelope", "error", err)
				continue
			}
			l.dispatch(env)
		}
	}()

	return nil
}

func (l *listener) stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	cancel, done := l.cancel, l.done
	for topic, subs := range l.subs {
		for ch := range subs {
			close(ch)
		}
		delete(l.subs, topic)
	}
	l.mu.Unlock()

	cancel()
	<-done
}

// subscribe registers a channel for one topic. The returned cancel is
// idempotent and safe to call after stop.
func (l *listener) subscribe(topic string) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, subscriberBuffer)

	l.mu.Lock()
	if l.subs[topic] == nil {
		l.subs[topic] = make(map[chan json.RawMessage]struct{})
	}
	l.subs[topic][ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	cancelFn := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if subs, ok := l.subs[topic]; ok {
				if _, live := subs[ch]; live {
					delete(subs, ch)
					close(ch)
				}
				if len(subs) == 0 {
					delete(l.subs, topic)
				}
			}
		})
	}
	return ch, cancelFn
}

func (l *listener) dispatch(env domain.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[env.Topic] {
		select {
		case ch <- env.Payload:
		default:
			slog.Warn("dropping notification for slow subscriber", "topic", env.Topic)
		}
	}
}
