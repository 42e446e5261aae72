package mirror

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
)

// refresher runs a debounced background refresh.
//
// Schedule requests coalesce into one run after the debounce delay. No run starts while
// mutations are pending; the request is held until the last one ends. A request or a
// mutation that arrives while a run is in flight causes exactly one more run after it.
type refresher struct {
	ctx   context.Context
	delay time.Duration
	run   func(ctx context.Context) error

	mu      sync.Mutex
	pending int
	wanted  bool
	running bool
	rerun   bool
	timer   *time.Timer
	idle    *sync.Cond
}

func newRefresher(ctx context.Context, delay time.Duration, run func(context.Context) error) *refresher {
	r := &refresher{ctx: ctx, delay: delay, run: run}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Schedule requests a refresh.
func (r *refresher) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.rerun = true
		return
	}
	r.wanted = true
	if r.pending == 0 {
		r.arm()
	}
}

// arm (re)starts the debounce timer. Must be called with mu held.
func (r *refresher) arm() {
	if r.ctx.Err() != nil {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.delay, r.fire)
}

func (r *refresher) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending++
	if r.running {
		r.rerun = true
	}
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *refresher) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	if r.pending == 0 && r.wanted && !r.running {
		r.arm()
	}
}

// Pending returns the number of mutations queued or in flight.
func (r *refresher) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *refresher) fire() {
	r.mu.Lock()
	if r.pending > 0 || r.running || !r.wanted {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.wanted = false
	r.mu.Unlock()

	if err := r.run(r.ctx); err != nil && r.ctx.Err() == nil {
		logging.Warn("background tree refresh failed", zap.Error(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	if r.rerun {
		r.rerun = false
		r.wanted = true
		if r.pending == 0 {
			r.arm()
		}
	}
	if !r.wanted {
		r.idle.Broadcast()
	}
}

// wait blocks until no refresh is wanted or running. It is meant for tests and shutdown.
func (r *refresher) wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for (r.wanted || r.running) && r.ctx.Err() == nil {
		r.idle.Wait()
	}
}

func (r *refresher) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.wanted = false
	r.idle.Broadcast()
}
