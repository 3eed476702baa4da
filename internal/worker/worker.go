// Package worker runs the per-core forwarding loop spec.md §4.4
// describes: a busy-polling scan of whichever relays this core owns,
// ticking vm->nic and nic->vm independently, backing off for about a
// millisecond whenever a full pass moves nothing. Each Worker is a
// long-lived goroutine pinned to one OS thread and one CPU core
// (runtime.LockOSThread + internal/corepin), the same "OS thread per
// worker, cooperative stop signal, no async runtime on the fast path"
// model spec.md §9's design notes call for.
package worker

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Netronome/virtio-forwarder/internal/corepin"
	"github.com/Netronome/virtio-forwarder/internal/forward"
	"github.com/Netronome/virtio-forwarder/internal/minilog"
	"github.com/Netronome/virtio-forwarder/internal/relay"
	"github.com/Netronome/virtio-forwarder/internal/rss"
)

// backoff is the idle sleep spec.md §4.4 calls "~1ms".
const backoff = time.Millisecond

// Worker owns one core's share of the relay table.
type Worker struct {
	Core int

	table *relay.Table
	deps  forward.Deps
	hash  *rss.Hasher

	updateNeeded atomic.Bool
	mustStop     atomic.Bool
	running      atomic.Bool

	// activeRelays is a bitmap of relay ids this worker currently services
	// on at least one direction (spec.md §3's Worker entity). It is
	// written only by this worker's own goroutine.
	activeRelays uint64

	done chan struct{}
}

// New creates a worker for core, bound to table and deps. It does not
// start the goroutine; call Run for that.
func New(core int, table *relay.Table, deps forward.Deps) *Worker {
	w := &Worker{
		Core:  core,
		table: table,
		deps:  deps,
		hash:  rss.NewHasher(),
		done:  make(chan struct{}),
	}
	w.updateNeeded.Store(true)
	return w
}

// Touch raises update_needed, asking the worker to rebuild its
// active_relays bitmap from table state on its next iteration (spec.md
// §4.1, §4.5's migration notification).
func (w *Worker) Touch() { w.updateNeeded.Store(true) }

// Stop requests cooperative shutdown; Run returns within one tick.
func (w *Worker) Stop() { w.mustStop.Store(true) }

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run locks the calling goroutine to its OS thread, pins that thread to
// Worker.Core when pin is true, and executes the §4.4 loop until Stop is
// called. It is meant to be launched with `go w.Run(pin)`.
func (w *Worker) Run(pin bool) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	if pin {
		if err := pinSelf(w.Core); err != nil {
			minilog.Warn("worker %d: pinning to core failed: %v", w.Core, err)
		}
	}

	w.running.Store(true)
	defer w.running.Store(false)

	for {
		if w.mustStop.Load() {
			return
		}

		if w.updateNeeded.CompareAndSwap(true, false) {
			w.rebuild()
		}

		processed := w.pass()

		if w.mustStop.Load() {
			return
		}

		if !processed {
			time.Sleep(backoff)
		}
	}
}

// rebuild recomputes active_relays by scanning the whole table (spec.md
// §4.1: "the worker clears [update_needed] at the start of its next tick
// and rebuilds active_relays by scanning the whole table").
func (w *Worker) rebuild() {
	var bm uint64
	for _, r := range w.table.All() {
		onVm := r.Vm.Cpu() == w.Core && r.Vm.State() != relay.VmUninit
		onNic := r.Nic.Cpu() == w.Core && r.Nic.State() != relay.NicUninit
		if onVm || onNic {
			bm |= 1 << uint(r.ID)
		}
	}
	w.activeRelays = bm
}

// pass visits every set bit of active_relays in ascending id order,
// ticking whichever direction(s) this core owns on that relay (spec.md
// §4.4's ordering guarantee).
func (w *Worker) pass() bool {
	processed := false

	for bm := w.activeRelays; bm != 0; {
		id := trailingZeros64(bm)
		bm &^= 1 << uint(id)

		r, err := w.table.Get(id)
		if err != nil {
			continue
		}

		if r.Vm.Cpu() == w.Core && r.TryLockVm() {
			if forward.VmToNic(w.deps, r) {
				processed = true
			}
			r.UnlockVm()
		}

		if r.Nic.Cpu() == w.Core && r.TryLockNic() {
			if forward.NicToVm(w.deps, r, w.hash) {
				processed = true
			}
			r.UnlockNic()
		}
	}

	return processed
}

func trailingZeros64(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// pinSelf pins the calling OS thread, not the whole process, to core.
// Every worker goroutine shares one os.Getpid(); pinning by TID (taken
// after the caller's runtime.LockOSThread) keeps one worker's affinity
// call from clobbering every other worker's.
func pinSelf(core int) error {
	return corepin.Pin(corepin.Gettid(), core)
}
