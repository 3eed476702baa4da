// Package simpmd is an in-process reference implementation of pmd.PortDriver,
// pmd.VhostDriver and pmd.MempoolAllocator. There is no pure-Go DPDK binding
// anywhere in the retrieval pack (or, to our knowledge, the wider ecosystem)
// so this ambient concern is implemented directly on mutex-guarded slice
// ring buffers instead of a third-party library — see DESIGN.md for the
// justification. It exists so the engine, worker pool and forwarding paths
// can be exercised and tested without real hugepages, vfio or a vhost-user
// socket: tests inject "wire" traffic into a port's rx ring and inspect what
// lands in its tx ring, and likewise for a guest's vrings.
package simpmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/Netronome/virtio-forwarder/internal/pmd"
)

const defaultRingSize = 256

// Pool is a free-list backed pmd.Mempool.
type Pool struct {
	mu       sync.Mutex
	free     [][]byte
	dataroom int
	node     int
	balance  int
}

func NewPool(size, dataroom, node int) *Pool {
	p := &Pool{dataroom: dataroom, node: node}
	for i := 0; i < size; i++ {
		p.free = append(p.free, make([]byte, dataroom))
	}
	return p
}

func (p *Pool) Alloc() (*pmd.Packet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, false
	}

	buf := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.balance++

	return &pmd.Packet{Data: buf[:cap(buf)], Len: 0}, true
}

func (p *Pool) Free(pkt *pmd.Packet) {
	if pkt == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, pkt.Data[:0:cap(pkt.Data)])
	p.balance--
}

func (p *Pool) Node() int    { return p.node }
func (p *Pool) Balance() int { p.mu.Lock(); defer p.mu.Unlock(); return p.balance }

// Allocator is a pmd.MempoolAllocator that creates Pools.
type Allocator struct{}

func (Allocator) Create(name string, size, cache, dataroom, socket int) (pmd.Mempool, error) {
	return NewPool(size, dataroom, socket), nil
}

// ring is a bounded FIFO of packets, used both as the "wire" side of a port
// queue and as a guest vring.
type ring struct {
	mu   sync.Mutex
	buf  []*pmd.Packet
	cap  int
	// reserved simulates slots occupied by entries not modeled in buf (used
	// only by tests to shrink the apparent avail-entries count, e.g. to
	// simulate a nearly-full guest vring without fabricating unreadable
	// packets).
	reserved int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

func (r *ring) push(pkts []*pmd.Packet) (accepted int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range pkts {
		if len(r.buf)+r.reserved >= r.cap {
			break
		}
		r.buf = append(r.buf, p)
		accepted++
	}
	return
}

func (r *ring) pop(n int) []*pmd.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.buf) {
		n = len(r.buf)
	}
	out := append([]*pmd.Packet(nil), r.buf[:n]...)
	r.buf = r.buf[n:]
	return out
}

func (r *ring) avail() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.cap - len(r.buf) - r.reserved
	if a < 0 {
		return 0
	}
	return a
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Port is the simulated NIC side of a relay: a physical/virtual function
// (or a bond of several), each with one rx/tx ring per queue.
type Port struct {
	mu       sync.Mutex
	pciAddr  string
	started  bool
	isBond   bool
	mode     int
	slaves   []pmd.PortHandle
	rx       []*ring // "wire" -> RxBurst source, test-injected
	tx       []*ring // TxBurst sink, test-inspected
}

// Device is the simulated vm-side of a relay: a vhost-user device with up
// to MAX_QP queue pairs. Queue 2*i is the rx ring (host enqueues, guest
// drains), queue 2*i+1 is the tx ring (guest enqueues, host drains) per
// spec.md's "odd indices are tx from the VM's viewpoint" convention.
type Device struct {
	mu       sync.Mutex
	ifName   string
	numaNode int
	hasNode  bool
	maxQP    int
	rings    []*ring
	notif    []bool
	cb       pmd.VringStateChangeFunc
}

// Backend implements pmd.PortDriver, pmd.VhostDriver and owns the registry
// of ports/devices that tests drive directly.
type Backend struct {
	mu       sync.Mutex
	nextPort pmd.PortHandle
	nextDev  pmd.DevHandle
	ports    map[pmd.PortHandle]*Port
	devices  map[pmd.DevHandle]*Device
	ringSize int

	// FailAttach, if set, makes the next Attach call fail, simulating a
	// BackendFail from the underlying library (spec.md §7).
	FailAttach bool
}

func NewBackend() *Backend {
	return &Backend{
		ports:    make(map[pmd.PortHandle]*Port),
		devices:  make(map[pmd.DevHandle]*Device),
		ringSize: defaultRingSize,
	}
}

func (b *Backend) Attach(ctx context.Context, pciAddr string) (pmd.PortHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailAttach {
		b.FailAttach = false
		return 0, fmt.Errorf("simulated backend failure attaching %s", pciAddr)
	}

	b.nextPort++
	h := b.nextPort
	b.ports[h] = &Port{pciAddr: pciAddr}
	return h, nil
}

// PortCount returns the number of ports currently attached, for leak
// assertions in tests (e.g. bond rollback must release every slave it
// attached before failing).
func (b *Backend) PortCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ports)
}

func (b *Backend) Detach(h pmd.PortHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ports[h]; !ok {
		return fmt.Errorf("unknown port %d", h)
	}
	delete(b.ports, h)
	return nil
}

func (b *Backend) Start(h pmd.PortHandle) error {
	p, err := b.port(h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (b *Backend) Stop(h pmd.PortHandle) error {
	p, err := b.port(h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return nil
}

func (b *Backend) ConfigureQueues(h pmd.PortHandle, rxQueues, txQueues int, pool pmd.Mempool) error {
	p, err := b.port(h)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.rx = make([]*ring, rxQueues)
	for i := range p.rx {
		p.rx[i] = newRing(b.ringSize)
	}
	p.tx = make([]*ring, txQueues)
	for i := range p.tx {
		p.tx[i] = newRing(b.ringSize)
	}
	return nil
}

func (b *Backend) RxBurst(h pmd.PortHandle, queue int, burst []*pmd.Packet) (int, error) {
	p, err := b.port(h)
	if err != nil {
		return 0, err
	}
	if queue >= len(p.rx) {
		return 0, nil
	}
	got := p.rx[queue].pop(len(burst))
	copy(burst, got)
	return len(got), nil
}

func (b *Backend) TxBurst(h pmd.PortHandle, queue int, burst []*pmd.Packet) (int, error) {
	p, err := b.port(h)
	if err != nil {
		return 0, err
	}
	if queue >= len(p.tx) {
		return 0, nil
	}
	return p.tx[queue].push(burst), nil
}

func (b *Backend) AttachBond(ctx context.Context, name string, mode int, slaves []pmd.PortHandle) (pmd.PortHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextPort++
	h := b.nextPort
	b.ports[h] = &Port{pciAddr: name, isBond: true, mode: mode, slaves: append([]pmd.PortHandle(nil), slaves...)}
	return h, nil
}

func (b *Backend) DetachBond(h pmd.PortHandle) error {
	return b.Detach(h)
}

func (b *Backend) port(h pmd.PortHandle) (*Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.ports[h]
	if !ok {
		return nil, fmt.Errorf("unknown port %d", h)
	}
	return p, nil
}

// --- vhost side ---

// NewDevice registers a guest device with maxQP queue pairs and returns its
// handle. Tests use this instead of a real vhost-user socket negotiation.
func (b *Backend) NewDevice(ifName string, maxQP int, numaNode int, hasNode bool) pmd.DevHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextDev++
	h := b.nextDev

	d := &Device{
		ifName:   ifName,
		maxQP:    maxQP,
		numaNode: numaNode,
		hasNode:  hasNode,
		rings:    make([]*ring, 2*maxQP),
		notif:    make([]bool, 2*maxQP),
	}
	for i := range d.rings {
		d.rings[i] = newRing(b.ringSize)
	}
	b.devices[h] = d
	return h
}

func (b *Backend) device(h pmd.DevHandle) (*Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[h]
	if !ok {
		return nil, fmt.Errorf("unknown device %d", h)
	}
	return d, nil
}

func (b *Backend) VringCount(h pmd.DevHandle) int {
	d, err := b.device(h)
	if err != nil {
		return 0
	}
	return len(d.rings)
}

func (b *Backend) IfName(h pmd.DevHandle) string {
	d, err := b.device(h)
	if err != nil {
		return ""
	}
	return d.ifName
}

func (b *Backend) EnableNotification(h pmd.DevHandle, queue int, enable bool) {
	d, err := b.device(h)
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if queue < len(d.notif) {
		d.notif[queue] = enable
	}
}

func (b *Backend) DequeueBurst(h pmd.DevHandle, queue int, pool pmd.Mempool, burst []*pmd.Packet) (int, error) {
	d, err := b.device(h)
	if err != nil {
		return 0, err
	}
	if queue >= len(d.rings) {
		return 0, nil
	}
	got := d.rings[queue].pop(len(burst))
	copy(burst, got)
	return len(got), nil
}

func (b *Backend) EnqueueBurst(h pmd.DevHandle, queue int, burst []*pmd.Packet) (int, error) {
	d, err := b.device(h)
	if err != nil {
		return 0, err
	}
	if queue >= len(d.rings) {
		return 0, nil
	}
	return d.rings[queue].push(burst), nil
}

func (b *Backend) AvailEntries(h pmd.DevHandle, queue int) int {
	d, err := b.device(h)
	if err != nil {
		return 0
	}
	if queue >= len(d.rings) {
		return 0
	}
	return d.rings[queue].avail()
}

func (b *Backend) NumaNode(h pmd.DevHandle) (int, bool) {
	d, err := b.device(h)
	if err != nil {
		return 0, false
	}
	return d.numaNode, d.hasNode
}

func (b *Backend) RegisterCallback(h pmd.DevHandle, fn pmd.VringStateChangeFunc) error {
	d, err := b.device(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.cb = fn
	d.mu.Unlock()
	return nil
}

// --- test-injection helpers (not part of pmd.PortDriver/VhostDriver) ---

// InjectRx places packets on a port's rx ring, simulating frames arriving
// from the wire.
func (b *Backend) InjectRx(h pmd.PortHandle, queue int, pkts []*pmd.Packet) int {
	p, err := b.port(h)
	if err != nil {
		return 0
	}
	return p.rx[queue].push(pkts)
}

// DrainTx removes up to n packets from a port's tx ring, returning what a
// real NIC would have transmitted.
func (b *Backend) DrainTx(h pmd.PortHandle, queue, n int) []*pmd.Packet {
	p, err := b.port(h)
	if err != nil {
		return nil
	}
	return p.tx[queue].pop(n)
}

// InjectGuestTx places packets on the guest's tx ring (queue 2*qp+1),
// simulating the guest sending traffic.
func (b *Backend) InjectGuestTx(h pmd.DevHandle, qp int, pkts []*pmd.Packet) int {
	d, err := b.device(h)
	if err != nil {
		return 0
	}
	return d.rings[2*qp+1].push(pkts)
}

// DrainGuestRx removes up to n packets the host enqueued for the guest on
// queue 2*qp, simulating the guest consuming its rx ring and freeing
// entries (so AvailEntries grows again).
func (b *Backend) DrainGuestRx(h pmd.DevHandle, qp, n int) []*pmd.Packet {
	d, err := b.device(h)
	if err != nil {
		return nil
	}
	return d.rings[2*qp].pop(n)
}

// LimitGuestRxAvail shrinks the free-slot count of a guest rx ring to
// simulate a nearly-full vring, for back-pressure testing (spec.md §8
// scenario 2). freeSlots is how many entries should remain available.
func (b *Backend) LimitGuestRxAvail(h pmd.DevHandle, qp int, freeSlots int) {
	d, err := b.device(h)
	if err != nil {
		return
	}
	r := d.rings[2*qp]
	r.mu.Lock()
	defer r.mu.Unlock()

	reserved := r.cap - len(r.buf) - freeSlots
	if reserved < 0 {
		reserved = 0
	}
	r.reserved = reserved
}
