// Package forward implements the two per-relay worker ticks, vm->nic and
// nic->vm, that move packets between a guest's vhost-user rings and a NIC
// port. Each tick is a straight Go port of the matching function pair in
// original_source/virtio_worker.c (virtio_rx/dpdk_tx/relay_vm2vf_traffic and
// dpdk_rx/virtio_tx/relay_vf2vm_traffic), kept side by side with the
// teardown bookkeeping they share responsibility for (see DESIGN.md's
// "Which worker tick drives which side's REMOVING1→REMOVING2→UNINIT step").
package forward

import (
	"github.com/Netronome/virtio-forwarder/internal/pmd"
	"github.com/Netronome/virtio-forwarder/internal/relay"
	"github.com/Netronome/virtio-forwarder/internal/rss"
)

// VirtioRxQ is the single-queue vhost rx queue index (spec.md §4.3 step 3).
const VirtioRxQ = 0

// Deps bundles the driver handles a tick needs. Both fields are shared
// across every relay a worker owns; only the relay argument changes per
// call.
type Deps struct {
	Port  pmd.PortDriver
	Vhost pmd.VhostDriver
}

// VmToNic is the vm->nic worker tick (spec.md §4.2). Callers must already
// hold relay.TryLockVm for the duration of the call. It reports whether any
// packet moved or any state advanced, so the worker loop knows not to back
// off.
func VmToNic(d Deps, r *relay.Relay) bool {
	progressed := false

	if len(r.Vm.CachedPkts) == 0 {
		rcvd := virtioRx(d, r)
		if rcvd > 0 {
			progressed = true
		}
	}

	if len(r.Vm.CachedPkts) > 0 {
		if r.Nic.State() == relay.NicReady {
			sent := dpdkTx(d, r)
			if sent > 0 {
				progressed = true
			}
		} else {
			dropped := len(r.Vm.CachedPkts)
			r.Stats.DpdkDropUnavail.Add(uint64(dropped))
			for _, pkt := range r.Vm.CachedPkts {
				r.Mempool.Free(pkt)
			}
			r.Vm.CachedPkts = r.Vm.CachedPkts[:0]
			progressed = true
		}
	}

	if r.Vm.State() == relay.VmRemoving1 {
		if r.Nic.Cpu() == relay.NoCore {
			r.Vm.SetState(relay.VmUninit)
		} else {
			r.Vm.SetState(relay.VmRemoving2)
		}
		progressed = true
	}

	if r.Nic.State() == relay.NicRemoving2 {
		removeVf(r)
		progressed = true
	}

	return progressed
}

// virtioRx dequeues up to BurstLen packets from the guest's next
// non-empty tx queue (spec.md §4.2 step 1 / virtio_rx).
func virtioRx(d Deps, r *relay.Relay) int {
	if r.Vm.State() != relay.VmReady {
		return 0
	}
	if r.Vm.TxQBitmap == 0 {
		return 0
	}

	q := r.Vm.TxQRR

	var rcvd int
	if (uint32(1)<<uint(q))&r.Vm.TxQBitmap != 0 {
		burst := make([]*pmd.Packet, relay.BurstLen)
		n, err := d.Vhost.DequeueBurst(r.Vm.VioDev, q*2+1, r.Mempool, burst)
		if err == nil && n > 0 {
			rcvd = n
			r.Vm.CachedPkts = append(r.Vm.CachedPkts, burst[:rcvd]...)

			bytes := uint64(0)
			for _, pkt := range burst[:rcvd] {
				bytes += uint64(pkt.Len)
			}
			r.Stats.VioRx.Add(uint64(rcvd))
			r.Stats.VioRxBytes.Add(bytes)
		}
	}

	r.Vm.TxQRR = nextSetBit(q, r.Vm.MaxQP, r.Vm.TxQBitmap)

	return rcvd
}

// dpdkTx transmits the vm-side cache to the NIC port (spec.md §4.2 step 2 /
// dpdk_tx). Successfully transmitted packets are not freed here: the
// port takes ownership of them, exactly as the original's rte_eth_tx_burst
// does not free the mbufs it consumes — they are reclaimed by the port's
// own completion path, which is out of this relay's scope.
func dpdkTx(d Deps, r *relay.Relay) int {
	before := len(r.Vm.CachedPkts)

	sent, err := d.Port.TxBurst(r.Nic.Port, 0, r.Vm.CachedPkts)
	if err != nil {
		sent = 0
	}

	if sent > 0 {
		bytes := uint64(0)
		for _, pkt := range r.Vm.CachedPkts[:sent] {
			bytes += uint64(pkt.Len)
		}
		r.Stats.DpdkTx.Add(uint64(sent))
		r.Stats.DpdkTxBytes.Add(bytes)
		r.Vm.CachedPkts = append(r.Vm.CachedPkts[:0], r.Vm.CachedPkts[sent:]...)
	}

	if remaining := before - sent; remaining > 0 {
		// Short transmit: the unsent remainder stays cached for the next
		// tick. dpdk_drop_full is an approximation of "queue full", not an
		// actual drop — these packets are retried, never freed here.
		r.Stats.DpdkDropFull.Add(uint64(remaining))
	}

	return sent
}

// drainCaches frees every packet cached on either side and counts them as
// drops, shared by both final-teardown paths below (worker_remove_vf and
// worker_remove_virtio in the original free exactly the same two caches;
// they only differ in which side's state they set afterwards).
func drainCaches(r *relay.Relay) {
	if n := len(r.Nic.CachedPkts); n > 0 {
		r.Stats.VioDropUnavail.Add(uint64(n))
		for _, pkt := range r.Nic.CachedPkts {
			r.Mempool.Free(pkt)
		}
		r.Nic.CachedPkts = r.Nic.CachedPkts[:0]
		r.Nic.CachedQueues = r.Nic.CachedQueues[:0]
	}
	if n := len(r.Vm.CachedPkts); n > 0 {
		r.Stats.DpdkDropUnavail.Add(uint64(n))
		for _, pkt := range r.Vm.CachedPkts {
			r.Mempool.Free(pkt)
		}
		r.Vm.CachedPkts = r.Vm.CachedPkts[:0]
	}
}

// removeVf performs the final nic-side teardown (spec.md §4.1,
// worker_remove_vf in the original).
func removeVf(r *relay.Relay) {
	drainCaches(r)
	r.Nic.SetState(relay.NicUninit)
}

// NicToVm is the nic->vm worker tick (spec.md §4.3). Callers must already
// hold relay.TryLockNic for the duration of the call.
func NicToVm(d Deps, r *relay.Relay, hasher *rss.Hasher) bool {
	progressed := false

	if len(r.Nic.CachedPkts) == 0 {
		rcvd := dpdkRx(d, r, hasher)
		if rcvd > 0 {
			progressed = true
		}
	}

	if len(r.Nic.CachedPkts) > 0 {
		if r.Vm.State() == relay.VmReady {
			sent := virtioTx(d, r)
			if sent > 0 {
				progressed = true
			}
		} else {
			dropped := len(r.Nic.CachedPkts)
			r.Stats.VioDropUnavail.Add(uint64(dropped))
			for _, pkt := range r.Nic.CachedPkts {
				r.Mempool.Free(pkt)
			}
			r.Nic.CachedPkts = r.Nic.CachedPkts[:0]
			r.Nic.CachedQueues = r.Nic.CachedQueues[:0]
			progressed = true
		}
	}

	if r.Nic.State() == relay.NicRemoving1 {
		if r.Vm.Cpu() == relay.NoCore {
			r.Nic.SetState(relay.NicUninit)
		} else {
			r.Nic.SetState(relay.NicRemoving2)
		}
		progressed = true
	}

	if r.Vm.State() == relay.VmRemoving2 {
		removeVirtio(r)
		progressed = true
	}

	return progressed
}

// dpdkRx receives a burst from the NIC port, bounded by the guest's
// available rx ring entries, and pre-computes each packet's target vm
// queue when multi-queue RSS is active (spec.md §4.3 steps 1-2 /
// dpdk_rx + calc_mbuf_hash).
func dpdkRx(d Deps, r *relay.Relay, hasher *rss.Hasher) int {
	if r.Nic.State() != relay.NicReady {
		return 0
	}

	avail := d.Vhost.AvailEntries(r.Vm.VioDev, VirtioRxQ)
	try := relay.BurstLen
	if avail < try {
		try = avail
	}
	if try <= 0 {
		return 0
	}

	burst := make([]*pmd.Packet, try)
	rcvd, err := d.Port.RxBurst(r.Nic.Port, 0, burst)
	if err != nil {
		rcvd = 0
	}
	if rcvd == 0 {
		return 0
	}

	burst = burst[:rcvd]
	queues := make([]int, rcvd)
	if r.Vm.RxQActive > 1 {
		for i, pkt := range burst {
			h := hasher.Hash(pkt.Data[:pkt.Len])
			q := rss.QueueIndex(h, r.Vm.RxQActive, r.Vm.Pow2Queues)
			queues[i] = r.Vm.RxQLUT[q]
		}
	}

	r.Nic.CachedPkts = append(r.Nic.CachedPkts, burst...)
	r.Nic.CachedQueues = append(r.Nic.CachedQueues, queues...)

	bytes := uint64(0)
	for _, pkt := range burst {
		bytes += uint64(pkt.Len)
	}
	r.Stats.DpdkRx.Add(uint64(rcvd))
	r.Stats.DpdkRxBytes.Add(bytes)

	return rcvd
}

// virtioTx enqueues the nic-side cache into the guest's vring(s) (spec.md
// §4.3 steps 2-4 / virtio_tx). With multiple active rx queues it batches
// contiguous runs of identical target queue into single vhost-enqueue
// bursts, aborting a run on a short enqueue so the remainder is retried
// whole on the next tick.
func virtioTx(d Deps, r *relay.Relay) int {
	multiqueue := r.Vm.RxQActive > 1
	pkts := r.Nic.CachedPkts
	queues := r.Nic.CachedQueues
	before := len(pkts)

	sent := 0
	if !multiqueue {
		n, err := d.Vhost.EnqueueBurst(r.Vm.VioDev, VirtioRxQ, pkts)
		if err == nil {
			sent = n
		}
	} else {
		i := 0
		for i < len(pkts) {
			curQ := queues[i]
			j := i + 1
			for j < len(pkts) && queues[j] == curQ {
				j++
			}
			runlen := j - i
			n, err := d.Vhost.EnqueueBurst(r.Vm.VioDev, curQ*2, pkts[i:j])
			if err != nil {
				n = 0
			}
			sent += n
			if n != runlen {
				// Stop immediately on a short enqueue; what's left
				// (including the rest of this run) is retried next tick.
				break
			}
			i = j
		}
	}

	if sent > 0 {
		bytes := uint64(0)
		for _, pkt := range pkts[:sent] {
			bytes += uint64(pkt.Len)
		}
		r.Stats.VioTx.Add(uint64(sent))
		r.Stats.VioTxBytes.Add(bytes)
		for _, pkt := range pkts[:sent] {
			r.Mempool.Free(pkt)
		}
		r.Nic.CachedPkts = append(pkts[:0], pkts[sent:]...)
		r.Nic.CachedQueues = append(queues[:0], queues[sent:]...)
	}

	if remaining := before - sent; remaining > 0 {
		// Symmetric to dpdk_drop_full: counts, does not free, a short
		// enqueue's remainder.
		r.Stats.VioDropFull.Add(uint64(remaining))
	}

	return sent
}

// removeVirtio performs the final vm-side teardown (spec.md §4.1,
// worker_remove_virtio in the original): identical cache drain to
// removeVf, invoked from the opposite tick.
func removeVirtio(r *relay.Relay) {
	drainCaches(r)
	r.Vm.SetState(relay.VmUninit)
}

// nextSetBit returns the next set bit strictly after from in bitmap,
// wrapping modulo max, matching the original's do/while advance-then-test
// loop. bitmap must be non-zero.
func nextSetBit(from, max int, bitmap uint32) int {
	q := from
	for {
		q++
		if q >= max {
			q = 0
		}
		if (uint32(1)<<uint(q))&bitmap != 0 {
			return q
		}
	}
}
