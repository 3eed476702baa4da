// Package bond attaches and tears down a logical bond of up to
// relay.MaxSlaves VFs behind one port handle (spec.md §4.7). Rollback on
// partial failure follows the same reject-or-unwind shape as
// bridge/trunk.go's AddTrunk/RemoveTrunk: each step either fully succeeds
// or undoes everything it already did, returning the first error.
package bond

import (
	"context"
	"fmt"

	"github.com/Netronome/virtio-forwarder/internal/minilog"
	"github.com/Netronome/virtio-forwarder/internal/pmd"
	"github.com/Netronome/virtio-forwarder/internal/relay"
)

// DefaultMode is the active-backup bonding mode spec.md §4.7 names as the
// default.
const DefaultMode = 1

// Bond is an attached logical port over one or more independently-attached
// slave VFs. Slave handles are not individually addressable by packet
// counters (spec.md §4.7) — only Handle is ever passed to ConfigureQueues
// /RxBurst/TxBurst.
type Bond struct {
	Handle pmd.PortHandle
	Name   string
	Mode   int
	Slaves []pmd.PortHandle
}

// Attach attaches every slave PCI address as an independent port, then
// attaches a bond over all of them. Any failure unwinds everything
// attached so far and returns the first error (spec.md §7's
// BackendFail rollback policy).
func Attach(ctx context.Context, port pmd.PortDriver, name string, mode int, slaveAddrs []string) (*Bond, error) {
	if len(slaveAddrs) == 0 {
		return nil, fmt.Errorf("bond %s: no slaves given", name)
	}
	if len(slaveAddrs) > relay.MaxSlaves {
		return nil, fmt.Errorf("bond %s: %d slaves exceeds max %d", name, len(slaveAddrs), relay.MaxSlaves)
	}

	var owned []*pmd.OwnedPort
	rollback := func() {
		for i := len(owned) - 1; i >= 0; i-- {
			owned[i].Release()
		}
	}

	for _, addr := range slaveAddrs {
		h, err := port.Attach(ctx, addr)
		if err != nil {
			minilog.Warn("bond %s: attaching slave %s: %v", name, addr, err)
			rollback()
			return nil, fmt.Errorf("bond %s: attaching slave %s: %w", name, addr, err)
		}
		owned = append(owned, &pmd.OwnedPort{Driver: port, Handle: h})
	}

	slaves := make([]pmd.PortHandle, len(owned))
	for i, o := range owned {
		slaves[i] = o.Handle
	}

	bondHandle, err := port.AttachBond(ctx, name, mode, slaves)
	if err != nil {
		minilog.Warn("bond %s: attaching bond port: %v", name, err)
		rollback()
		return nil, fmt.Errorf("bond %s: attaching bond port: %w", name, err)
	}

	for _, o := range owned {
		o.Extract()
	}

	return &Bond{Handle: bondHandle, Name: name, Mode: mode, Slaves: slaves}, nil
}

// Detach tears down every slave first, then the bond itself, per spec.md
// §4.7 ("On remove_vf of a bond, detach every slave first, then free the
// bond"). It attempts every detach and returns the first error, but never
// stops early — a failure on one slave must not leak the rest.
func Detach(port pmd.PortDriver, b *Bond) error {
	var firstErr error
	for _, s := range b.Slaves {
		if err := port.Detach(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := port.DetachBond(b.Handle); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
