// Package engine is the single owning struct spec.md §9's design notes ask
// for, replacing the original's module-level arrays
// (worker_threads[]/virtio_vf_relays[]/relay_ifname_map[]/prev_counters[])
// with one struct the control-plane entry points share a reference to. It
// implements every primitive spec.md §6 lists: add_vf, add_bond, remove_vf,
// add_virtio, remove_virtio, vring_state_change, migrate_cpus,
// add_sock_dev_pair, remove_sock_dev_pair, get_stats, reset_rate_stats.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Netronome/virtio-forwarder/internal/bond"
	"github.com/Netronome/virtio-forwarder/internal/forward"
	"github.com/Netronome/virtio-forwarder/internal/minilog"
	"github.com/Netronome/virtio-forwarder/internal/pmd"
	"github.com/Netronome/virtio-forwarder/internal/relay"
	"github.com/Netronome/virtio-forwarder/internal/sched"
	"github.com/Netronome/virtio-forwarder/internal/worker"
)

// Status is one of the error kinds spec.md §7 defines.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidArg
	StatusAlreadyBound
	StatusNotBound
	StatusBackendFail
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidArg:
		return "InvalidArg"
	case StatusAlreadyBound:
		return "AlreadyBound"
	case StatusNotBound:
		return "NotBound"
	case StatusBackendFail:
		return "BackendFail"
	case StatusTimeout:
		return "Timeout"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// StatusError pairs a Status with the underlying cause, if any. The
// control-plane methods below return (Status, error) rather than a bare
// status code so Go callers get both the small stable status (spec.md
// §7: "the control call returns a stable small integer") and a real error
// for logging.
type StatusError struct {
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func statusErr(s Status, format string, args ...interface{}) error {
	return &StatusError{Status: s, Err: fmt.Errorf(format, args...)}
}

// removalPollInterval and removalPollAttempts implement spec.md §5's
// cooperative-removal timeout: "polls the state each 50 ms up to 20 times
// (~1 s)".
const (
	removalPollInterval = 50 * time.Millisecond
	removalPollAttempts = 20
)

// Config holds the daemon-wide settings that feed mempool/core policy.
type Config struct {
	Cores        []sched.Core
	MempoolSize  int
	MempoolCache int
	UseJumbo     bool
	NumaRestrict bool
}

// Engine is the single owning struct for one forwarder process.
type Engine struct {
	mu sync.Mutex

	cfg Config

	table     *relay.Table
	endpoints *relay.EndpointMap

	port  pmd.PortDriver
	vhost pmd.VhostDriver
	alloc pmd.MempoolAllocator

	workers map[int]*worker.Worker
	numa    map[int]int // core -> numa node, from cfg.Cores

	bonds map[int]*bond.Bond // relay id -> bond, only for bonded nic sides
}

// New constructs an Engine. Call Start to launch its worker goroutines.
func New(cfg Config, port pmd.PortDriver, vhost pmd.VhostDriver, alloc pmd.MempoolAllocator) *Engine {
	e := &Engine{
		cfg:       cfg,
		table:     relay.NewTable(),
		endpoints: relay.NewEndpointMap(),
		port:      port,
		vhost:     vhost,
		alloc:     alloc,
		workers:   make(map[int]*worker.Worker),
		numa:      make(map[int]int),
		bonds:     make(map[int]*bond.Bond),
	}

	deps := forward.Deps{Port: port, Vhost: vhost}
	for _, c := range cfg.Cores {
		e.numa[c.ID] = c.Numa
		e.workers[c.ID] = worker.New(c.ID, e.table, deps)
	}

	return e
}

// Start launches one goroutine per configured worker core. pin requests
// each worker pin its OS thread via taskset; tests typically pass false.
func (e *Engine) Start(pin bool) {
	for _, w := range e.workers {
		go w.Run(pin)
	}
}

// Stop signals every worker to exit and waits for them to do so.
func (e *Engine) Stop() {
	for _, w := range e.workers {
		w.Stop()
	}
	for _, w := range e.workers {
		<-w.Done()
	}
}

func (e *Engine) touch(cores ...int) {
	for _, c := range cores {
		if c == relay.NoCore {
			continue
		}
		if w, ok := e.workers[c]; ok {
			w.Touch()
		}
	}
}

// loads snapshots the current Σ(10·vm+12·nic) weight of every configured
// core (spec.md §4.5), used by Select.
func (e *Engine) loads() []sched.Load {
	byCore := make(map[int]*sched.Load, len(e.cfg.Cores))
	for _, c := range e.cfg.Cores {
		byCore[c.ID] = &sched.Load{Core: c.ID}
	}
	for _, r := range e.table.All() {
		if c := r.Vm.Cpu(); c != relay.NoCore {
			if l, ok := byCore[c]; ok {
				l.VmSides++
			}
		}
		if c := r.Nic.Cpu(); c != relay.NoCore {
			if l, ok := byCore[c]; ok {
				l.NicSides++
			}
		}
	}
	out := make([]sched.Load, 0, len(byCore))
	for _, l := range byCore {
		out = append(out, *l)
	}
	return out
}

// pickCore selects a core per spec.md §4.5: an explicit pin if one is
// given and valid, else the least-loaded core preferring preferredNuma.
func (e *Engine) pickCore(pin int, hasPin bool, preferredNuma int, hasNuma bool) (int, error) {
	if hasPin {
		cores := make([]sched.Core, len(e.cfg.Cores))
		copy(cores, e.cfg.Cores)
		if !sched.ValidatePin(cores, pin) {
			return 0, fmt.Errorf("core %d is not in the worker-core-bitmap", pin)
		}
		return pin, nil
	}

	if e.cfg.NumaRestrict && hasNuma {
		any := false
		for _, c := range e.cfg.Cores {
			if c.Numa == preferredNuma {
				any = true
				break
			}
		}
		if !any {
			return 0, fmt.Errorf("numa-restrict: no worker core on node %d", preferredNuma)
		}
	}

	core, ok := sched.Select(e.loads(), e.numa, preferredNuma, hasNuma)
	if !ok {
		return 0, fmt.Errorf("no worker cores configured")
	}
	return core, nil
}

// pollUntil waits for cond to become true, polling every
// removalPollInterval up to removalPollAttempts times. It returns false on
// timeout (spec.md §5: "Timeout logs a warning and proceeds with teardown
// anyway").
func pollUntil(cond func() bool) bool {
	for i := 0; i < removalPollAttempts; i++ {
		if cond() {
			return true
		}
		time.Sleep(removalPollInterval)
	}
	return cond()
}

// startNic brings a nic side from ADDED to READY: configure its queues
// against the relay's current mempool and start the port (spec.md §4.1's
// "vm-add path: start port"). Callers must hold r.Nic's lock and must
// have already ensured r.Mempool is non-nil.
func (e *Engine) startNic(r *relay.Relay) error {
	rxQueues := r.Vm.MaxQP
	if rxQueues < 1 {
		rxQueues = 1
	}
	if err := e.port.ConfigureQueues(r.Nic.Port, rxQueues, rxQueues, r.Mempool); err != nil {
		return err
	}
	return e.port.Start(r.Nic.Port)
}

// ensureMempool implements spec.md §4.6's NUMA/mempool migration policy
// for a vm-side attach that reports guest NUMA node g (hasNode false
// means the guest reported none, in which case the pool, if freshly
// created, is pinned to fallbackNode — the core the vm-side ends up on,
// per spec.md §3's invariant).
func (e *Engine) ensureMempool(r *relay.Relay, g int, hasNode bool, fallbackNode int) error {
	node := fallbackNode
	if hasNode {
		node = g
	}

	if r.Mempool == nil {
		pool, err := e.alloc.Create(fmt.Sprintf("relay%d", r.ID), e.cfg.MempoolSize, e.cfg.MempoolCache, pmd.MbufSize(r.UseJumbo), node)
		if err != nil {
			return err
		}
		r.Mempool = pool
		r.MempoolNode = node
		return nil
	}

	if !hasNode || node == r.MempoolNode {
		return nil
	}

	if r.Nic.State() == relay.NicReady {
		minilog.Warn("relay %d: guest NUMA node %d differs from mempool node %d, but nic is READY; refusing migration", r.ID, node, r.MempoolNode)
		return nil
	}

	newPool, err := e.alloc.Create(fmt.Sprintf("relay%d", r.ID), e.cfg.MempoolSize, e.cfg.MempoolCache, pmd.MbufSize(r.UseJumbo), node)
	if err != nil {
		return err
	}

	if r.Nic.State() == relay.NicAdded {
		if err := e.port.Stop(r.Nic.Port); err != nil {
			return err
		}
		rxQueues := r.Vm.MaxQP
		if rxQueues < 1 {
			rxQueues = 1
		}
		if err := e.port.ConfigureQueues(r.Nic.Port, rxQueues, rxQueues, newPool); err != nil {
			return err
		}
	}

	r.Mempool = newPool
	r.MempoolNode = node
	return nil
}

// AddVf attaches a single VF as the nic side of relay id (spec.md §4.1,
// §6).
func (e *Engine) AddVf(ctx context.Context, pciAddr string, id int, conditional bool) (Status, error) {
	r, err := e.table.Get(id)
	if err != nil {
		return StatusInvalidArg, err
	}

	r.LockNic()
	defer r.UnlockNic()

	if cur := r.Nic.State(); cur != relay.NicUninit {
		if conditional && !r.Nic.IsBond && r.Nic.PciAddr == pciAddr {
			return StatusOK, nil
		}
		return StatusAlreadyBound, statusErr(StatusAlreadyBound, "relay %d nic side is %s", id, cur)
	}

	owned, err := attachPort(ctx, e.port, pciAddr)
	if err != nil {
		return StatusBackendFail, statusErr(StatusBackendFail, "attaching %s: %v", pciAddr, err)
	}

	e.mu.Lock()
	core, err := e.pickCore(0, false, r.MempoolNode, true)
	e.mu.Unlock()
	if err != nil {
		owned.Release()
		return StatusBackendFail, statusErr(StatusBackendFail, "%v", err)
	}

	r.Nic.PciAddr = pciAddr
	r.Nic.Port = owned.Handle
	r.Nic.IsBond = false
	r.Nic.SetCpu(core)

	if r.Vm.State() == relay.VmReady {
		if err := e.startNic(r); err != nil {
			owned.Release()
			r.Nic.SetCpu(relay.NoCore)
			return StatusBackendFail, statusErr(StatusBackendFail, "starting port: %v", err)
		}
		r.Nic.SetState(relay.NicReady)
	} else {
		r.Nic.SetState(relay.NicAdded)
	}

	owned.Extract()
	e.touch(core)
	return StatusOK, nil
}

// AddBond attaches a bond of slaves as the nic side of relay id (spec.md
// §4.7).
func (e *Engine) AddBond(ctx context.Context, slaves []string, name string, mode int, id int) (Status, error) {
	r, err := e.table.Get(id)
	if err != nil {
		return StatusInvalidArg, err
	}

	r.LockNic()
	defer r.UnlockNic()

	if cur := r.Nic.State(); cur != relay.NicUninit {
		return StatusAlreadyBound, statusErr(StatusAlreadyBound, "relay %d nic side is %s", id, cur)
	}

	b, err := bond.Attach(ctx, e.port, name, mode, slaves)
	if err != nil {
		return StatusBackendFail, statusErr(StatusBackendFail, "%v", err)
	}

	e.mu.Lock()
	core, err := e.pickCore(0, false, r.MempoolNode, true)
	e.mu.Unlock()
	if err != nil {
		bond.Detach(e.port, b)
		return StatusBackendFail, statusErr(StatusBackendFail, "%v", err)
	}

	r.Nic.PciAddr = name
	r.Nic.Port = b.Handle
	r.Nic.IsBond = true
	r.Nic.SetCpu(core)

	e.mu.Lock()
	e.bonds[id] = b
	e.mu.Unlock()

	if r.Vm.State() == relay.VmReady {
		if err := e.startNic(r); err != nil {
			bond.Detach(e.port, b)
			e.mu.Lock()
			delete(e.bonds, id)
			e.mu.Unlock()
			r.Nic.SetCpu(relay.NoCore)
			return StatusBackendFail, statusErr(StatusBackendFail, "starting bond: %v", err)
		}
		r.Nic.SetState(relay.NicReady)
	} else {
		r.Nic.SetState(relay.NicAdded)
	}

	e.touch(core)
	return StatusOK, nil
}

// RemoveVf detaches the nic side of relay id, bond or single VF alike
// (spec.md §4.1, §4.7).
func (e *Engine) RemoveVf(id int, conditional bool) (Status, error) {
	r, err := e.table.Get(id)
	if err != nil {
		return StatusInvalidArg, err
	}

	r.LockNic()
	if r.Nic.State() == relay.NicUninit {
		r.UnlockNic()
		if conditional {
			return StatusOK, nil
		}
		return StatusNotBound, statusErr(StatusNotBound, "relay %d nic side is UNINIT", id)
	}

	wasBond := r.Nic.IsBond
	oldCore := r.Nic.Cpu()
	r.Nic.SetState(relay.NicRemoving1)
	r.UnlockNic()

	e.touch(oldCore, r.Vm.Cpu())

	if !pollUntil(func() bool { return r.Nic.State() == relay.NicUninit }) {
		minilog.WarnThrottled(fmt.Sprintf("nic-removal-timeout-%d", id), 1.0,
			"relay %d: nic-side removal timed out, tearing down anyway", id)
	}

	e.mu.Lock()
	var releaseErr error
	if wasBond {
		if b, ok := e.bonds[id]; ok {
			releaseErr = bond.Detach(e.port, b)
			delete(e.bonds, id)
		}
	} else {
		releaseErr = e.port.Detach(r.Nic.Port)
	}
	e.mu.Unlock()
	if releaseErr != nil {
		minilog.WarnThrottled(fmt.Sprintf("nic-backend-unavail-%d", id), 1.0,
			"relay %d: releasing nic backend resources: %v", id, releaseErr)
	}

	r.LockNic()
	r.Nic.Port = 0
	r.Nic.PciAddr = ""
	r.Nic.IsBond = false
	r.Nic.SetCpu(relay.NoCore)
	r.UnlockNic()

	return StatusOK, nil
}

// AddVirtio attaches a guest vhost-user device as the vm side of relay id
// (spec.md §4.1, §4.6).
func (e *Engine) AddVirtio(dev pmd.DevHandle, id int) (Status, error) {
	r, err := e.table.Get(id)
	if err != nil {
		return StatusInvalidArg, err
	}

	r.LockVm()
	defer r.UnlockVm()

	if cur := r.Vm.State(); cur != relay.VmUninit {
		return StatusAlreadyBound, statusErr(StatusAlreadyBound, "relay %d vm side is %s", id, cur)
	}

	maxQP := e.vhost.VringCount(dev) / 2
	if maxQP < 1 {
		maxQP = 1
	}

	e.mu.Lock()
	core, cerr := e.pickCore(0, false, 0, false)
	e.mu.Unlock()
	if cerr != nil {
		return StatusBackendFail, statusErr(StatusBackendFail, "%v", cerr)
	}

	guestNode, hasNode := e.vhost.NumaNode(dev)
	if err := e.ensureMempool(r, guestNode, hasNode, e.numa[core]); err != nil {
		return StatusBackendFail, statusErr(StatusBackendFail, "mempool: %v", err)
	}

	r.Vm.VioDev = dev
	r.Vm.MaxQP = maxQP
	// RxQBitmap/TxQBitmap stay zero here: a freshly attached vhost-user
	// device has no enabled queues until the guest driver brings one up,
	// which arrives as a VringStateChange callback.
	r.Vm.TxQRR = 0
	r.Vm.RecomputeRxQ()
	r.Vm.SetCpu(core)

	if r.Nic.State() == relay.NicAdded {
		r.LockNic()
		startErr := e.startNic(r)
		if startErr == nil {
			r.Nic.SetState(relay.NicReady)
		}
		r.UnlockNic()
		if startErr != nil {
			r.Vm.SetCpu(relay.NoCore)
			return StatusBackendFail, statusErr(StatusBackendFail, "starting port: %v", startErr)
		}
	}

	r.Vm.SetState(relay.VmReady)

	e.touch(core, r.Nic.Cpu())
	return StatusOK, nil
}

// RemoveVirtio detaches the vm side of relay id (spec.md §4.1).
func (e *Engine) RemoveVirtio(id int) (Status, error) {
	r, err := e.table.Get(id)
	if err != nil {
		return StatusInvalidArg, err
	}

	r.LockVm()
	if r.Vm.State() != relay.VmReady {
		state := r.Vm.State()
		r.UnlockVm()
		return StatusNotBound, statusErr(StatusNotBound, "relay %d vm side is %s", id, state)
	}
	oldCore := r.Vm.Cpu()
	r.Vm.SetState(relay.VmRemoving1)
	r.UnlockVm()

	e.touch(oldCore, r.Nic.Cpu())

	if !pollUntil(func() bool { return r.Vm.State() == relay.VmUninit }) {
		minilog.WarnThrottled(fmt.Sprintf("vm-removal-timeout-%d", id), 1.0,
			"relay %d: vm-side removal timed out, tearing down anyway", id)
	}

	r.LockVm()
	r.Vm.VioDev = 0
	r.Vm.SetCpu(relay.NoCore)
	r.Vm.RxQBitmap, r.Vm.TxQBitmap = 0, 0
	r.Vm.RecomputeRxQ()
	r.UnlockVm()

	return StatusOK, nil
}

// VringStateChange enables or disables one queue pair direction (spec.md
// §6). Even qID is the guest-rx (host-enqueue) direction, odd is
// guest-tx (host-dequeue), mirroring the 2·qp/2·qp+1 ring indexing used
// throughout.
func (e *Engine) VringStateChange(id, qID int, enable bool) error {
	r, err := e.table.Get(id)
	if err != nil {
		return err
	}

	r.LockVm()
	qp := qID / 2
	bit := uint32(1) << uint(qp)
	if qID%2 == 0 {
		if enable {
			r.Vm.RxQBitmap |= bit
		} else {
			r.Vm.RxQBitmap &^= bit
		}
		r.Vm.RecomputeRxQ()
	} else {
		if enable {
			r.Vm.TxQBitmap |= bit
		} else {
			r.Vm.TxQBitmap &^= bit
		}
	}
	r.Touch()
	r.UnlockVm()

	e.touch(r.Vm.Cpu(), r.Nic.Cpu())
	return nil
}

// MigrateCpus requests moving relay id's sides to new cores (spec.md
// §4.5). The move is non-blocking: workers drop/pick up the relay on
// their next update_needed observation.
func (e *Engine) MigrateCpus(id, vmCpu, nicCpu int) (Status, error) {
	r, err := e.table.Get(id)
	if err != nil {
		return StatusInvalidArg, err
	}

	cores := make([]sched.Core, len(e.cfg.Cores))
	copy(cores, e.cfg.Cores)
	if !sched.ValidatePin(cores, vmCpu) || !sched.ValidatePin(cores, nicCpu) {
		return StatusInvalidArg, statusErr(StatusInvalidArg, "core not in worker-core-bitmap")
	}

	r.LockVm()
	if r.Vm.State() != relay.VmReady {
		state := r.Vm.State()
		r.UnlockVm()
		return StatusInvalidArg, statusErr(StatusInvalidArg, "relay %d vm side is %s, not READY", id, state)
	}
	oldVm := r.Vm.Cpu()
	r.Vm.SetCpu(vmCpu)
	r.UnlockVm()

	r.LockNic()
	nicState := r.Nic.State()
	if nicState != relay.NicReady && nicState != relay.NicAdded {
		r.UnlockNic()
		r.LockVm()
		r.Vm.SetCpu(oldVm)
		r.UnlockVm()
		return StatusInvalidArg, statusErr(StatusInvalidArg, "relay %d nic side is %s", id, nicState)
	}
	oldNic := r.Nic.Cpu()
	r.Nic.SetCpu(nicCpu)
	r.UnlockNic()

	e.touch(oldVm, vmCpu, oldNic, nicCpu)
	return StatusOK, nil
}

// AddSockDevPair is the composite control call that binds a named
// vhost-user socket endpoint to a freshly-allocated relay: it picks an
// unused relay id, registers the endpoint, attaches the nic side (a
// single VF if len(slaves)==1, else a bond), and attaches the vm side.
// Any failure rolls back everything already done and returns the first
// error (spec.md §6, §7).
func (e *Engine) AddSockDevPair(ctx context.Context, path string, slaves []string, name string, mode int, dev pmd.DevHandle, conditional bool) (Status, error) {
	if existing, ok := e.endpoints.Lookup(path); ok {
		if conditional {
			return StatusOK, nil
		}
		return StatusAlreadyBound, statusErr(StatusAlreadyBound, "endpoint %q already bound to relay %d", path, existing)
	}

	id, ok := e.freeRelay()
	if !ok {
		return StatusBackendFail, statusErr(StatusBackendFail, "no free relay slots")
	}

	if err := e.endpoints.Register(path, id); err != nil {
		return StatusInvalidArg, err
	}

	var status Status
	var err error
	if len(slaves) > 1 {
		status, err = e.AddBond(ctx, slaves, name, mode, id)
	} else {
		status, err = e.AddVf(ctx, slaves[0], id, false)
	}
	if err != nil {
		e.endpoints.Deregister(path)
		return status, err
	}

	status, err = e.AddVirtio(dev, id)
	if err != nil {
		e.RemoveVf(id, true)
		e.endpoints.Deregister(path)
		return status, err
	}

	return StatusOK, nil
}

// RemoveSockDevPair is the inverse composite call.
func (e *Engine) RemoveSockDevPair(path string, conditional bool) (Status, error) {
	id, ok := e.endpoints.Lookup(path)
	if !ok {
		if conditional {
			return StatusOK, nil
		}
		return StatusNotBound, statusErr(StatusNotBound, "endpoint %q not registered", path)
	}

	if _, err := e.RemoveVirtio(id); err != nil {
		minilog.Warn("removing sock/dev pair %q: vm side: %v", path, err)
	}
	if _, err := e.RemoveVf(id, true); err != nil {
		minilog.Warn("removing sock/dev pair %q: nic side: %v", path, err)
	}
	if err := e.endpoints.Deregister(path); err != nil {
		return StatusNotBound, err
	}
	return StatusOK, nil
}

// freeRelay returns the id of a relay whose both sides are UNINIT, i.e.
// not currently bound to anything.
func (e *Engine) freeRelay() (int, bool) {
	for _, r := range e.table.All() {
		if r.Vm.State() == relay.VmUninit && r.Nic.State() == relay.NicUninit {
			return r.ID, true
		}
	}
	return 0, false
}

// Stats is the reporting shape for get_stats: raw monotonic counters plus
// the rate-since-last-query view spec.md §9 describes as side-effecting.
type Stats struct {
	Counters relay.Snapshot
	Rates    relay.Rates
}

// GetStats returns relay id's counters and instantaneous rates. Calling
// this resets the rate baseline (spec.md §9 design notes).
func (e *Engine) GetStats(id int) (Stats, error) {
	r, err := e.table.Get(id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Counters: r.Stats.Snapshot(),
		Rates:    r.Rates(time.Now()),
	}, nil
}

// ResetRateStats resets the rate-query baseline of every relay, after
// waiting delay. A zero delay resets immediately.
func (e *Engine) ResetRateStats(delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
	now := time.Now()
	for _, r := range e.table.All() {
		r.Rates(now)
	}
}

// Relays returns every relay slot, bound or not, for callers that need to
// walk the whole table (e.g. a periodic statistics exporter).
func (e *Engine) Relays() []*relay.Relay {
	return e.table.All()
}

// attachPort wraps PortDriver.Attach in an OwnedPort so a caller that
// bails out before Extract releases the half-attached port automatically
// (mirrors bridge.go's createTap rollback idiom).
func attachPort(ctx context.Context, port pmd.PortDriver, pciAddr string) (*pmd.OwnedPort, error) {
	h, err := port.Attach(ctx, pciAddr)
	if err != nil {
		return nil, err
	}
	return &pmd.OwnedPort{Driver: port, Handle: h}, nil
}
