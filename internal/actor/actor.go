// Package actor hosts isolated, key-addressed compute units.
//
// Every key gets its own goroutine that runs method calls one at a time
// against private state persisted under "actor/<kind>/<key>/" in the shared
// key-value store. After each call the instance arms a self-destruct alarm;
// when the alarm fires with no newer call in between, the instance erases all
// of its persisted state and leaves memory. The next call to the same key
// starts from empty state. Persisted values also carry a store-side expiry at
// the same deadline, so a process that dies before its alarms fire leaves
// nothing the maintenance sweep will not reclaim.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/flare-worker/internal/metrics"
	"github.com/phrazzld/flare-worker/internal/store"
)

// ErrHostClosed is returned by Do after Close.
var ErrHostClosed = errors.New("actor host closed")

// forcedAlarm triggers cleanup regardless of generation.
const forcedAlarm uint64 = 0

// Method is a unit of work run with exclusive access to one actor's state.
type Method func(ctx context.Context, st *State) error

// Config configures a Host.
type Config struct {
	// Kind namespaces storage and metrics ("hash", "ratelimit").
	Kind string
	// CleanupAfter is the delay between the last call and state erasure.
	CleanupAfter time.Duration
	// Budget bounds the run time of a single method call.
	Budget time.Duration
}

// Host owns the live instances of one actor kind.
type Host struct {
	cfg     Config
	kv      store.KVStore
	logger  *slog.Logger
	metrics *metrics.Collector

	mu        sync.Mutex
	instances map[string]*instance
	closed    bool
	wg        sync.WaitGroup
}

type call struct {
	ctx   context.Context
	fn    Method
	reply chan error
}

type instance struct {
	key     string
	mailbox chan call
	alarms  chan uint64
	done    chan struct{}
}

// NewHost creates a Host. A nil logger uses slog.Default; a nil collector records nothing.
func NewHost(cfg Config, kv store.KVStore, logger *slog.Logger, m *metrics.Collector) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CleanupAfter <= 0 {
		cfg.CleanupAfter = 10 * time.Second
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 30 * time.Second
	}
	return &Host{
		cfg:       cfg,
		kv:        kv,
		logger:    logger.With("component", "actor", "actor_kind", cfg.Kind),
		metrics:   m,
		instances: make(map[string]*instance),
	}
}

// Do runs fn on the actor addressed by key. Calls to the same key are
// serialized; calls to different keys run in parallel. The method's context
// carries the host's execution budget. A caller whose ctx is already done
// gets ctx.Err() without the method running.
func (h *Host) Do(ctx context.Context, key string, fn Method) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	c := call{ctx: ctx, fn: fn, reply: reply}

	for {
		inst, err := h.instance(key)
		if err != nil {
			return err
		}

		select {
		case inst.mailbox <- c:
		case <-inst.done:
			// Instance self-destructed while we waited; address a fresh one.
			continue
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case err := <-reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Host) instance(key string) (*instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHostClosed
	}
	if inst, ok := h.instances[key]; ok {
		return inst, nil
	}

	inst := &instance{
		key:     key,
		mailbox: make(chan call),
		alarms:  make(chan uint64),
		done:    make(chan struct{}),
	}
	h.instances[key] = inst
	h.wg.Add(1)
	h.metrics.ActorStarted(h.cfg.Kind)
	go h.run(inst)
	return inst, nil
}

func (h *Host) prefix(key string) string {
	return fmt.Sprintf("actor/%s/%s/", h.cfg.Kind, key)
}

func (h *Host) run(inst *instance) {
	defer h.wg.Done()

	log := h.logger.With("actor_key", inst.key)
	st := &State{key: inst.key, prefix: h.prefix(inst.key), kv: h.kv, budget: h.cfg.Budget}

	var (
		generation uint64
		timer      *time.Timer
	)
	arm := func(delay time.Duration) {
		generation++
		gen := generation
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(delay, func() {
			select {
			case inst.alarms <- gen:
			case <-inst.done:
			}
		})
	}

	for {
		select {
		case c := <-inst.mailbox:
			st.cleanupAfter = h.cfg.CleanupAfter
			err := h.invoke(c, st)
			if rerr := h.refresh(st); rerr != nil {
				log.Warn("failed to align state expiry with cleanup deadline", "error", rerr)
			}
			c.reply <- err
			arm(st.cleanupAfter)

		case gen := <-inst.alarms:
			if gen != forcedAlarm && gen != generation {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			if err := h.erase(inst, st); err != nil {
				log.Error("actor cleanup failed, will retry", "error", err)
				arm(h.cfg.CleanupAfter)
				continue
			}
			log.Debug("actor state erased")
			return
		}
	}
}

func (h *Host) invoke(c call, st *State) (err error) {
	ctx, cancel := context.WithTimeout(c.ctx, h.cfg.Budget)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("actor method panicked", "actor_key", st.key, "panic", p)
			err = fmt.Errorf("actor %s/%s: method panicked: %v", h.cfg.Kind, st.key, p)
		}
	}()
	return c.fn(ctx, st)
}

// refresh pins the store-side expiry of the instance's state to the cleanup
// deadline, which ScheduleCleanup may have moved during the call.
func (h *Host) refresh(st *State) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Budget)
	defer cancel()
	return st.expireAt(ctx, st.cleanupAfter)
}

// erase deletes persisted state, then retires the instance. Storage is
// removed first so a successor instance never sees, or loses, state to the
// predecessor's cleanup.
func (h *Host) erase(inst *instance, st *State) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Budget)
	defer cancel()

	if _, err := h.kv.DeletePrefix(ctx, st.prefix); err != nil {
		return err
	}

	h.mu.Lock()
	if h.instances[inst.key] == inst {
		delete(h.instances, inst.key)
	}
	close(inst.done)
	h.mu.Unlock()

	h.metrics.ActorStopped(h.cfg.Kind, true)
	return nil
}

// Len reports the number of live instances.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.instances)
}

// Close erases every live instance immediately and waits for them to exit.
// Subsequent calls to Do fail with ErrHostClosed.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	live := make([]*instance, 0, len(h.instances))
	for _, inst := range h.instances {
		live = append(live, inst)
	}
	h.mu.Unlock()

	for _, inst := range live {
		select {
		case inst.alarms <- forcedAlarm:
		case <-inst.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	waited := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
