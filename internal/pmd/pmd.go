// Package pmd defines the typed interface the packet-forwarding engine
// consumes from the underlying poll-mode-driver library: port attach/detach,
// rx/tx bursts, vhost-user primitives, and mempool allocation. The engine
// never talks to a real NIC or vhost-user socket directly; it only ever
// holds one of these interfaces, so any backend (a real DPDK binding, or the
// in-process reference backend in pmd/simpmd) can serve it.
//
// Handles are opaque integers wrapped in guard types (OwnedPort, OwnedDev);
// OwnedPort detaches a half-finished attach unless it is extracted, the way bridge.createTap in the teacher repo defers destroyTap unless the
// tap is handed off successfully.
package pmd

import "context"

// PortHandle identifies a port (a single VF, or a bond) attached through a
// PortDriver.
type PortHandle int

// DevHandle identifies a guest vhost-user device attached through a
// VhostDriver.
type DevHandle int

// Packet is a pool-allocated packet buffer. The forwarder only ever looks at
// the first few dozen bytes (L2/L3/L4 headers for RSS); the rest is payload
// copied verbatim between rings.
type Packet struct {
	Data []byte // Data[:Len] is the valid frame
	Len  int
}

// Mempool sizing constants from original_source/virtio_worker.h, carried
// over so mempool geometry stays reproducible against existing
// deployments' memory footprint.
const (
	l2Overhead   = 22
	vfRxOffset   = 32
	defaultIPMTU = 2100
	jumboIPMTU   = 9000

	// DefaultMbufSize and JumboMbufSize are the two dataroom sizes a
	// relay's mempool is created with, selected by Relay.UseJumbo.
	DefaultMbufSize = defaultIPMTU + l2Overhead + vfRxOffset
	JumboMbufSize   = jumboIPMTU + l2Overhead + vfRxOffset
)

// MbufSize returns the mempool dataroom size for a relay, per use_jumbo.
func MbufSize(useJumbo bool) int {
	if useJumbo {
		return JumboMbufSize
	}
	return DefaultMbufSize
}

// Mempool allocates and frees packet buffers on a fixed NUMA node.
type Mempool interface {
	Alloc() (*Packet, bool)
	Free(*Packet)
	Node() int
	// Balance returns the number of buffers currently allocated and not yet
	// freed. Used by the no-leak/no-double-free property tests.
	Balance() int
}

// MempoolAllocator creates mempools of a given geometry on a NUMA node.
type MempoolAllocator interface {
	Create(name string, size, cache, dataroom, socket int) (Mempool, error)
}

// VringStateChangeFunc is invoked by a VhostDriver when the guest enables or
// disables a vring.
type VringStateChangeFunc func(dev DevHandle, queue int, enabled bool)

// PortDriver is the subset of the poll-mode-driver library the engine needs
// to manage a physical/virtual NIC function.
type PortDriver interface {
	Attach(ctx context.Context, pciAddr string) (PortHandle, error)
	Detach(PortHandle) error
	Start(PortHandle) error
	Stop(PortHandle) error
	ConfigureQueues(port PortHandle, rxQueues, txQueues int, pool Mempool) error
	RxBurst(port PortHandle, queue int, burst []*Packet) (n int, err error)
	TxBurst(port PortHandle, queue int, burst []*Packet) (n int, err error)

	// AttachBond creates a logical bond of mode over slaves (already
	// attached PortHandles) and returns its PortHandle. DetachBond tears
	// down the logical port only; slaves must be detached individually.
	AttachBond(ctx context.Context, name string, mode int, slaves []PortHandle) (PortHandle, error)
	DetachBond(PortHandle) error
}

// VhostDriver is the subset of the poll-mode-driver library the engine needs
// to manage a guest-facing vhost-user device.
type VhostDriver interface {
	VringCount(DevHandle) int
	IfName(DevHandle) string
	EnableNotification(dev DevHandle, queue int, enable bool)
	DequeueBurst(dev DevHandle, queue int, pool Mempool, burst []*Packet) (n int, err error)
	EnqueueBurst(dev DevHandle, queue int, burst []*Packet) (n int, err error)
	AvailEntries(dev DevHandle, queue int) int
	NumaNode(dev DevHandle) (node int, ok bool)
	RegisterCallback(dev DevHandle, fn VringStateChangeFunc) error
}

// OwnedPort releases its port via Driver.Detach unless Extract is called.
// Mirrors bridge.go's "clean up the tap we just created, if it didn't
// already exist" deferred-rollback idiom.
type OwnedPort struct {
	Driver   PortDriver
	Handle   PortHandle
	released bool
}

// Release detaches the port unless it has already been extracted.
func (o *OwnedPort) Release() {
	if o == nil || o.released {
		return
	}
	o.released = true
	_ = o.Driver.Detach(o.Handle)
}

// Extract marks the port as handed off, so Release becomes a no-op.
func (o *OwnedPort) Extract() PortHandle {
	o.released = true
	return o.Handle
}

// OwnedDev is the vhost-side analogue of OwnedPort. The reference backend
// has no "detach" primitive for a guest device (removal is driven entirely
// by the vm-side state machine), so OwnedDev has only Extract and no
// Release; it never tears the device down.
type OwnedDev struct {
	Handle   DevHandle
	released bool
}

func (o *OwnedDev) Extract() DevHandle {
	o.released = true
	return o.Handle
}
