// Package relay holds the data model from spec.md §3: the fixed-size relay
// table, the vm-side/nic-side attachment state machines from §4.1, and the
// monotonic packet counters from the statistics surface. It deliberately
// knows nothing about workers, scheduling or the pmd driver interface — it
// is the "arena" spec.md §9's design notes ask for: a plain, indexable
// struct array instead of the teacher-language's cyclic pointers.
package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Netronome/virtio-forwarder/internal/pmd"
)

// NRelays is the fixed relay-table size (spec.md §2: N_RELAYS <= 64).
const NRelays = 64

// MaxQP is the maximum number of virtio queue pairs per relay.
const MaxQP = 32

// BurstLen is the maximum number of packets moved in one forwarding burst.
const BurstLen = 32

// MaxSlaves is the maximum number of VFs in one bond (spec.md §4.7).
const MaxSlaves = 8

// NoCore means a side is not pinned to any core.
const NoCore = -1

type VmState int

const (
	VmUninit VmState = iota
	VmReady
	VmRemoving1
	VmRemoving2
)

func (s VmState) String() string {
	switch s {
	case VmUninit:
		return "UNINIT"
	case VmReady:
		return "READY"
	case VmRemoving1:
		return "REMOVING1"
	case VmRemoving2:
		return "REMOVING2"
	}
	return fmt.Sprintf("VmState(%d)", s)
}

type NicState int

const (
	NicUninit NicState = iota
	NicAdded
	NicReady
	NicRemoving1
	NicRemoving2
)

func (s NicState) String() string {
	switch s {
	case NicUninit:
		return "UNINIT"
	case NicAdded:
		return "ADDED"
	case NicReady:
		return "READY"
	case NicRemoving1:
		return "REMOVING1"
	case NicRemoving2:
		return "REMOVING2"
	}
	return fmt.Sprintf("NicState(%d)", s)
}

// Counters are the six monotonic per-direction counters from spec.md §3,
// doubled up for both directions. Each field is single-writer (one side
// owns one set), so a plain atomic.Uint64 is enough — there is never
// cross-core contention on a single field, only cross-core visibility.
type Counters struct {
	// vm -> nic
	VioRx         atomic.Uint64
	VioRxBytes    atomic.Uint64
	DpdkTx        atomic.Uint64
	DpdkTxBytes   atomic.Uint64
	DpdkDropFull  atomic.Uint64
	DpdkDropUnavail atomic.Uint64

	// nic -> vm
	DpdkRx        atomic.Uint64
	DpdkRxBytes   atomic.Uint64
	VioTx         atomic.Uint64
	VioTxBytes    atomic.Uint64
	VioDropFull   atomic.Uint64
	VioDropUnavail atomic.Uint64
}

// Snapshot is a point-in-time copy of Counters, used for rate computation.
type Snapshot struct {
	VioRx, VioRxBytes                 uint64
	DpdkTx, DpdkTxBytes                uint64
	DpdkDropFull, DpdkDropUnavail       uint64
	DpdkRx, DpdkRxBytes                uint64
	VioTx, VioTxBytes                  uint64
	VioDropFull, VioDropUnavail         uint64
}

// Snapshot copies every counter's current value.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		VioRx:           c.VioRx.Load(),
		VioRxBytes:      c.VioRxBytes.Load(),
		DpdkTx:          c.DpdkTx.Load(),
		DpdkTxBytes:     c.DpdkTxBytes.Load(),
		DpdkDropFull:    c.DpdkDropFull.Load(),
		DpdkDropUnavail: c.DpdkDropUnavail.Load(),
		DpdkRx:          c.DpdkRx.Load(),
		DpdkRxBytes:     c.DpdkRxBytes.Load(),
		VioTx:           c.VioTx.Load(),
		VioTxBytes:      c.VioTxBytes.Load(),
		VioDropFull:     c.VioDropFull.Load(),
		VioDropUnavail:  c.VioDropUnavail.Load(),
	}
}

// Rates holds counter deltas divided by elapsed seconds.
type Rates struct {
	VioRxRate, VioRxByteRate     float64
	DpdkTxRate, DpdkTxByteRate   float64
	DpdkRxRate, DpdkRxByteRate   float64
	VioTxRate, VioTxByteRate     float64
}

// VmSide is the virtio-ring-facing half of a relay (spec.md §3).
//
// state and cpu are read by the *other* side's worker tick without that
// worker holding vm.lock (e.g. nic_to_vm checks whether there is a vm->nic
// peer at all), so spec.md §5's release/acquire requirement applies to them
// specifically; they are atomics for that reason. The queue-bitmap/LUT
// fields are set by the control plane under vm.lock and read by the worker
// ticks (nic_to_vm the rx fields, vm_to_nic the tx bitmap) — spec.md's concurrency model tolerates a stale read of
// these the same way the original worker loop does, so they stay plain
// fields rather than paying for atomics nothing here contends on.
type VmSide struct {
	mu sync.Mutex // try-lock only; see Relay.TryLockVm

	state atomic.Int32
	cpu   atomic.Int32

	MaxQP      int
	RxQBitmap  uint32
	TxQBitmap  uint32
	RxQActive  int
	RxQLUT     [MaxQP]int
	Pow2Queues bool
	TxQRR      int

	VioDev pmd.DevHandle

	CachedPkts []*pmd.Packet

	LmPending bool
}

// State returns the current vm-side state (acquire load).
func (v *VmSide) State() VmState { return VmState(v.state.Load()) }

// SetState publishes a new vm-side state (release store).
func (v *VmSide) SetState(s VmState) { v.state.Store(int32(s)) }

// Cpu returns the core this side is pinned to, or NoCore.
func (v *VmSide) Cpu() int { return int(v.cpu.Load()) }

// SetCpu pins this side to core, or NoCore to unpin.
func (v *VmSide) SetCpu(core int) { v.cpu.Store(int32(core)) }

// NicSide is the NIC-port-facing half of a relay (spec.md §3). See VmSide's
// doc comment for which fields are atomics and why.
type NicSide struct {
	mu sync.Mutex

	state atomic.Int32
	cpu   atomic.Int32

	IsBond  bool
	Port    pmd.PortHandle
	PciAddr string

	CachedPkts []*pmd.Packet

	// CachedQueues holds, in parallel with CachedPkts, the vm rx queue each
	// cached packet was steered to by RSS. Computed once when the packets
	// are pulled off the wire (mirroring calc_mbuf_hash caching the hash on
	// the mbuf), so a partial send on a later tick doesn't need to re-hash.
	CachedQueues []int
}

// State returns the current nic-side state (acquire load).
func (n *NicSide) State() NicState { return NicState(n.state.Load()) }

// SetState publishes a new nic-side state (release store).
func (n *NicSide) SetState(s NicState) { n.state.Store(int32(s)) }

// Cpu returns the core this side is pinned to, or NoCore.
func (n *NicSide) Cpu() int { return int(n.cpu.Load()) }

// SetCpu pins this side to core, or NoCore to unpin.
func (n *NicSide) SetCpu(core int) { n.cpu.Store(int32(core)) }

// Relay pairs a VmSide and a NicSide with their shared counters, mempool
// and endpoint binding (spec.md §3's Relay row).
type Relay struct {
	ID int

	Vm  VmSide
	Nic NicSide

	Stats Counters

	rateMu       sync.Mutex
	rateSnapshot Snapshot
	rateAt       time.Time

	UseJumbo    bool
	Mempool     pmd.Mempool
	MempoolNode int

	// UpdateNeeded is raised by Touch when a field a worker consults (queue
	// bitmaps) changes. The worker loop neither reads nor clears it: workers
	// rebuild from their own update_needed flag, raised through
	// worker.Worker.Touch.
	UpdateNeeded atomic.Bool
}

// NewTable allocates the fixed-size relay table (spec.md §2, component 1).
func NewTable() *Table {
	t := &Table{}
	for i := range t.relays {
		r := &Relay{ID: i}
		r.Vm.SetCpu(NoCore)
		r.Nic.SetCpu(NoCore)
		r.rateAt = time.Now()
		t.relays[i] = r
	}
	return t
}

// Table is the fixed-size array of relay slots.
type Table struct {
	relays [NRelays]*Relay
}

// Get returns the relay at id, or an error if id is out of range.
func (t *Table) Get(id int) (*Relay, error) {
	if id < 0 || id >= NRelays {
		return nil, fmt.Errorf("relay id %d out of range [0,%d)", id, NRelays)
	}
	return t.relays[id], nil
}

// All returns every relay slot in ascending id order (spec.md §4.4's
// worker-loop ordering).
func (t *Table) All() []*Relay {
	return t.relays[:]
}

// TryLockVm attempts the vm-side spinlock; callers must Unlock on success.
func (r *Relay) TryLockVm() bool { return r.Vm.mu.TryLock() }
func (r *Relay) UnlockVm()       { r.Vm.mu.Unlock() }
func (r *Relay) LockVm()         { r.Vm.mu.Lock() }

// TryLockNic attempts the nic-side spinlock; callers must Unlock on success.
func (r *Relay) TryLockNic() bool { return r.Nic.mu.TryLock() }
func (r *Relay) UnlockNic()       { r.Nic.mu.Unlock() }
func (r *Relay) LockNic()         { r.Nic.mu.Lock() }

// Operational reports whether both sides are READY (spec.md §3 invariant).
func (r *Relay) Operational() bool {
	return r.Vm.State() == VmReady && r.Nic.State() == NicReady
}

// Touch raises UpdateNeeded with release semantics (spec.md §4.1: "published
// with release semantics after any prerequisite writes").
func (r *Relay) Touch() {
	r.UpdateNeeded.Store(true)
}

// RecomputeRxQ derives RxQActive/RxQLUT/Pow2Queues from RxQBitmap, keeping
// spec.md §3's invariant 1/2 true by construction instead of by convention.
func (v *VmSide) RecomputeRxQ() {
	v.RxQActive = 0
	for i := 0; i < MaxQP; i++ {
		if v.RxQBitmap&(1<<uint(i)) != 0 {
			v.RxQLUT[v.RxQActive] = i
			v.RxQActive++
		}
	}
	v.Pow2Queues = v.RxQActive&(v.RxQActive-1) == 0
}

// Rates computes (current-snapshot)/elapsed and resets the snapshot,
// matching the original implementation's side-effecting rate query
// (spec.md §9 design notes: "tests must account for this side effect").
func (r *Relay) Rates(now time.Time) Rates {
	r.rateMu.Lock()
	defer r.rateMu.Unlock()

	cur := r.Stats.Snapshot()
	elapsed := now.Sub(r.rateAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	rates := Rates{
		VioRxRate:      float64(cur.VioRx-r.rateSnapshot.VioRx) / elapsed,
		VioRxByteRate:  float64(cur.VioRxBytes-r.rateSnapshot.VioRxBytes) / elapsed,
		DpdkTxRate:     float64(cur.DpdkTx-r.rateSnapshot.DpdkTx) / elapsed,
		DpdkTxByteRate: float64(cur.DpdkTxBytes-r.rateSnapshot.DpdkTxBytes) / elapsed,
		DpdkRxRate:     float64(cur.DpdkRx-r.rateSnapshot.DpdkRx) / elapsed,
		DpdkRxByteRate: float64(cur.DpdkRxBytes-r.rateSnapshot.DpdkRxBytes) / elapsed,
		VioTxRate:      float64(cur.VioTx-r.rateSnapshot.VioTx) / elapsed,
		VioTxByteRate:  float64(cur.VioTxBytes-r.rateSnapshot.VioTxBytes) / elapsed,
	}

	r.rateSnapshot = cur
	r.rateAt = now

	return rates
}

// EndpointMap is the 1:1 mapping between a named vhost-user socket endpoint
// and a relay id (spec.md §4.8), grounded on bridge/trunk.go's single
// ownership map with add/remove rejecting on conflict.
type EndpointMap struct {
	mu    sync.Mutex
	paths [NRelays]string
}

func NewEndpointMap() *EndpointMap {
	return &EndpointMap{}
}

// Register binds path to id. It rejects if id already has a binding.
func (e *EndpointMap) Register(path string, id int) error {
	if id < 0 || id >= NRelays {
		return fmt.Errorf("relay id %d out of range", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paths[id] != "" {
		return fmt.Errorf("relay %d already has endpoint %q", id, e.paths[id])
	}
	for i, p := range e.paths {
		if p == path {
			return fmt.Errorf("endpoint %q already bound to relay %d", path, i)
		}
	}

	e.paths[id] = path
	return nil
}

// Deregister clears whichever relay path is bound to, if any.
func (e *EndpointMap) Deregister(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, p := range e.paths {
		if p == path {
			e.paths[i] = ""
			return nil
		}
	}
	return fmt.Errorf("endpoint %q not registered", path)
}

// Lookup returns the relay id bound to path.
func (e *EndpointMap) Lookup(path string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, p := range e.paths {
		if p == path {
			return i, true
		}
	}
	return 0, false
}

// PathFor returns the endpoint path bound to id, if any.
func (e *EndpointMap) PathFor(id int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id < 0 || id >= NRelays || e.paths[id] == "" {
		return "", false
	}
	return e.paths[id], true
}
