package forward

import (
	"context"
	"testing"

	"github.com/Netronome/virtio-forwarder/internal/pmd"
	"github.com/Netronome/virtio-forwarder/internal/pmd/simpmd"
	"github.com/Netronome/virtio-forwarder/internal/relay"
	"github.com/Netronome/virtio-forwarder/internal/rss"
)

// setup builds a relay with both sides READY, a single queue pair, wired to
// a fresh simpmd backend.
func setup(t *testing.T) (*relay.Relay, Deps, *simpmd.Backend) {
	t.Helper()

	backend := simpmd.NewBackend()
	pool := simpmd.NewPool(64, 256, 0)

	port, err := backend.Attach(context.Background(), "0000:01:00.0")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := backend.ConfigureQueues(port, 1, 1, pool); err != nil {
		t.Fatalf("ConfigureQueues: %v", err)
	}
	if err := backend.Start(port); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev := backend.NewDevice("vhost0", 1, 0, true)

	r := &relay.Relay{ID: 0, Mempool: pool}
	r.Vm.SetState(relay.VmReady)
	r.Vm.VioDev = dev
	r.Vm.MaxQP = 1
	r.Vm.TxQBitmap = 1
	r.Vm.RxQBitmap = 1
	r.Vm.RecomputeRxQ()
	r.Vm.SetCpu(0)

	r.Nic.SetState(relay.NicReady)
	r.Nic.Port = port
	r.Nic.SetCpu(1)

	return r, Deps{Port: backend, Vhost: backend}, backend
}

func pkts(n int) []*pmd.Packet {
	out := make([]*pmd.Packet, n)
	for i := range out {
		out[i] = &pmd.Packet{Data: []byte{byte(i), 0xAA, 0xBB}, Len: 3}
	}
	return out
}

func TestVmToNicForwardsGuestTrafficToPort(t *testing.T) {
	r, d, backend := setup(t)

	if n := backend.InjectGuestTx(r.Vm.VioDev, 0, pkts(4)); n != 4 {
		t.Fatalf("InjectGuestTx accepted %d, want 4", n)
	}

	if !VmToNic(d, r) {
		t.Fatal("VmToNic should report progress")
	}

	out := backend.DrainTx(r.Nic.Port, 0, 8)
	if len(out) != 4 {
		t.Fatalf("port tx ring has %d packets, want 4", len(out))
	}
	if r.Stats.VioRx.Load() != 4 {
		t.Fatalf("VioRx = %d, want 4", r.Stats.VioRx.Load())
	}
	if r.Stats.DpdkTx.Load() != 4 {
		t.Fatalf("DpdkTx = %d, want 4", r.Stats.DpdkTx.Load())
	}
	if len(r.Vm.CachedPkts) != 0 {
		t.Fatalf("cache should be drained after a full send, got %d", len(r.Vm.CachedPkts))
	}
}

func TestNicToVmForwardsWireTrafficToGuest(t *testing.T) {
	r, d, backend := setup(t)
	hasher := rss.NewHasher()

	if n := backend.InjectRx(r.Nic.Port, 0, pkts(3)); n != 3 {
		t.Fatalf("InjectRx accepted %d, want 3", n)
	}

	if !NicToVm(d, r, hasher) {
		t.Fatal("NicToVm should report progress")
	}

	out := backend.DrainGuestRx(r.Vm.VioDev, 0, 8)
	if len(out) != 3 {
		t.Fatalf("guest rx ring has %d packets, want 3", len(out))
	}
	if r.Stats.DpdkRx.Load() != 3 {
		t.Fatalf("DpdkRx = %d, want 3", r.Stats.DpdkRx.Load())
	}
	if r.Stats.VioTx.Load() != 3 {
		t.Fatalf("VioTx = %d, want 3", r.Stats.VioTx.Load())
	}
}

func TestNicToVmBoundedByGuestRxAvailability(t *testing.T) {
	r, d, backend := setup(t)
	hasher := rss.NewHasher()

	backend.LimitGuestRxAvail(r.Vm.VioDev, 0, 2)
	backend.InjectRx(r.Nic.Port, 0, pkts(10))

	NicToVm(d, r, hasher)

	if r.Stats.DpdkRx.Load() != 2 {
		t.Fatalf("DpdkRx = %d, want 2 (bounded by guest rx availability)", r.Stats.DpdkRx.Load())
	}
}

func TestVmToNicDropsWhenNicNotReady(t *testing.T) {
	r, d, backend := setup(t)
	r.Nic.SetState(relay.NicAdded)

	pool := r.Mempool.(*simpmd.Pool)
	var allocated []*pmd.Packet
	for i := 0; i < 5; i++ {
		pkt, ok := pool.Alloc()
		if !ok {
			t.Fatal("pool.Alloc failed")
		}
		pkt.Len = 3
		allocated = append(allocated, pkt)
	}
	if got := pool.Balance(); got != 5 {
		t.Fatalf("balance after allocating = %d, want 5", got)
	}

	backend.InjectGuestTx(r.Vm.VioDev, 0, allocated)
	VmToNic(d, r)

	if r.Stats.DpdkDropUnavail.Load() != 5 {
		t.Fatalf("DpdkDropUnavail = %d, want 5", r.Stats.DpdkDropUnavail.Load())
	}
	if len(r.Vm.CachedPkts) != 0 {
		t.Fatalf("cache should be emptied after an unavail drop, got %d", len(r.Vm.CachedPkts))
	}
	if got := pool.Balance(); got != 0 {
		t.Fatalf("dropped packets should be freed back to the pool, balance = %d, want 0", got)
	}
}

func TestNicToVmDropsWhenVmNotReady(t *testing.T) {
	r, d, backend := setup(t)
	r.Vm.SetState(relay.VmUninit)

	backend.InjectRx(r.Nic.Port, 0, pkts(5))
	hasher := rss.NewHasher()
	NicToVm(d, r, hasher)

	if r.Stats.VioDropUnavail.Load() != 5 {
		t.Fatalf("VioDropUnavail = %d, want 5", r.Stats.VioDropUnavail.Load())
	}
}

func TestVmRemovalTornDownByNicToVmTick(t *testing.T) {
	// VmToNic advances vm's own REMOVING1->REMOVING2; NicToVm performs vm's
	// final teardown once it observes REMOVING2. See DESIGN.md's resolution
	// of which tick owns which side's last step.
	r, d, backend := setup(t)
	hasher := rss.NewHasher()

	backend.InjectGuestTx(r.Vm.VioDev, 0, pkts(2))
	r.Vm.SetState(relay.VmRemoving1)

	if !VmToNic(d, r) {
		t.Fatal("VmToNic should report progress (vm state advance)")
	}
	if r.Vm.State() != relay.VmRemoving2 {
		t.Fatalf("vm state after VmToNic = %v, want REMOVING2 (nic peer still pinned)", r.Vm.State())
	}

	if !NicToVm(d, r, hasher) {
		t.Fatal("NicToVm should report progress (final vm teardown)")
	}
	if r.Vm.State() != relay.VmUninit {
		t.Fatalf("vm state after NicToVm = %v, want UNINIT", r.Vm.State())
	}
	if len(r.Vm.CachedPkts) != 0 || len(r.Nic.CachedPkts) != 0 {
		t.Fatal("both caches should be drained by final teardown")
	}
}

func TestNicRemovalTornDownByVmToNicTick(t *testing.T) {
	r, d, _ := setup(t)
	hasher := rss.NewHasher()

	r.Nic.SetState(relay.NicRemoving1)

	if !NicToVm(d, r, hasher) {
		t.Fatal("NicToVm should report progress (nic state advance)")
	}
	if r.Nic.State() != relay.NicRemoving2 {
		t.Fatalf("nic state after NicToVm = %v, want REMOVING2 (vm peer still pinned)", r.Nic.State())
	}

	if !VmToNic(d, r) {
		t.Fatal("VmToNic should report progress (final nic teardown)")
	}
	if r.Nic.State() != relay.NicUninit {
		t.Fatalf("nic state after VmToNic = %v, want UNINIT", r.Nic.State())
	}
}

func TestRemovalWithNoPeerWorkerGoesStraightToUninit(t *testing.T) {
	r, d, _ := setup(t)
	r.Nic.SetCpu(relay.NoCore) // no nic->vm worker exists for this relay

	r.Vm.SetState(relay.VmRemoving1)
	VmToNic(d, r)

	if r.Vm.State() != relay.VmUninit {
		t.Fatalf("vm state = %v, want UNINIT (no peer worker to hand off REMOVING2 to)", r.Vm.State())
	}
}
