package simpmd

import (
	"context"
	"testing"

	"github.com/Netronome/virtio-forwarder/internal/pmd"
)

func TestPoolAllocFreeBalance(t *testing.T) {
	p := NewPool(2, 64, 0)

	a, ok := p.Alloc()
	if !ok {
		t.Fatal("first Alloc should succeed")
	}
	b, ok := p.Alloc()
	if !ok {
		t.Fatal("second Alloc should succeed")
	}
	if _, ok := p.Alloc(); ok {
		t.Fatal("third Alloc should fail, pool has only 2 buffers")
	}
	if p.Balance() != 2 {
		t.Fatalf("balance = %d, want 2", p.Balance())
	}

	p.Free(a)
	if p.Balance() != 1 {
		t.Fatalf("balance after one free = %d, want 1", p.Balance())
	}
	if _, ok := p.Alloc(); !ok {
		t.Fatal("Alloc after Free should succeed")
	}
	p.Free(b)
}

func TestPortAttachDetach(t *testing.T) {
	b := NewBackend()
	h, err := b.Attach(context.Background(), "0000:01:00.0")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := b.Start(h); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Detach(h); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := b.Detach(h); err == nil {
		t.Fatal("detaching an already-detached port should error")
	}
}

func TestAttachFailureInjection(t *testing.T) {
	b := NewBackend()
	b.FailAttach = true
	if _, err := b.Attach(context.Background(), "0000:01:00.0"); err == nil {
		t.Fatal("Attach should fail when FailAttach is set")
	}
	// FailAttach is one-shot.
	if _, err := b.Attach(context.Background(), "0000:01:00.0"); err != nil {
		t.Fatalf("second Attach should succeed: %v", err)
	}
}

func TestPortRxTxBurst(t *testing.T) {
	b := NewBackend()
	h, _ := b.Attach(context.Background(), "0000:01:00.0")
	pool := NewPool(8, 64, 0)
	if err := b.ConfigureQueues(h, 1, 1, pool); err != nil {
		t.Fatalf("ConfigureQueues: %v", err)
	}

	pkts := []*pmd.Packet{{Data: []byte("a"), Len: 1}, {Data: []byte("b"), Len: 1}}
	n := b.InjectRx(h, 0, pkts)
	if n != 2 {
		t.Fatalf("InjectRx accepted %d, want 2", n)
	}

	burst := make([]*pmd.Packet, 8)
	got, err := b.RxBurst(h, 0, burst)
	if err != nil {
		t.Fatalf("RxBurst: %v", err)
	}
	if got != 2 {
		t.Fatalf("RxBurst returned %d, want 2", got)
	}

	sent, err := b.TxBurst(h, 0, burst[:got])
	if err != nil {
		t.Fatalf("TxBurst: %v", err)
	}
	if sent != 2 {
		t.Fatalf("TxBurst sent %d, want 2", sent)
	}

	drained := b.DrainTx(h, 0, 8)
	if len(drained) != 2 {
		t.Fatalf("DrainTx returned %d packets, want 2", len(drained))
	}
}

func TestTxBurstFullRing(t *testing.T) {
	b := NewBackend()
	h, _ := b.Attach(context.Background(), "0000:01:00.0")
	pool := NewPool(8, 64, 0)
	b.ConfigureQueues(h, 1, 1, pool)

	var burst []*pmd.Packet
	for i := 0; i < defaultRingSize+5; i++ {
		burst = append(burst, &pmd.Packet{Data: []byte{byte(i)}, Len: 1})
	}

	sent, err := b.TxBurst(h, 0, burst)
	if err != nil {
		t.Fatalf("TxBurst: %v", err)
	}
	if sent != defaultRingSize {
		t.Fatalf("TxBurst sent %d, want %d (ring capacity)", sent, defaultRingSize)
	}
}

func TestGuestDeviceEnqueueDequeue(t *testing.T) {
	b := NewBackend()
	dev := b.NewDevice("vhost0", 1, 0, true)
	pool := NewPool(8, 64, 0)

	if n := b.VringCount(dev); n != 2 {
		t.Fatalf("VringCount = %d, want 2 (1 qp)", n)
	}
	if node, ok := b.NumaNode(dev); !ok || node != 0 {
		t.Fatalf("NumaNode = (%d, %v), want (0, true)", node, ok)
	}

	pkts := []*pmd.Packet{{Data: []byte("x"), Len: 1}}
	if n := b.InjectGuestTx(dev, 0, pkts); n != 1 {
		t.Fatalf("InjectGuestTx accepted %d, want 1", n)
	}

	burst := make([]*pmd.Packet, 4)
	n, err := b.DequeueBurst(dev, 1, pool, burst)
	if err != nil {
		t.Fatalf("DequeueBurst: %v", err)
	}
	if n != 1 {
		t.Fatalf("DequeueBurst got %d, want 1", n)
	}

	if av := b.AvailEntries(dev, 0); av != defaultRingSize {
		t.Fatalf("AvailEntries on fresh rx ring = %d, want %d", av, defaultRingSize)
	}

	sent, err := b.EnqueueBurst(dev, 0, pkts)
	if err != nil {
		t.Fatalf("EnqueueBurst: %v", err)
	}
	if sent != 1 {
		t.Fatalf("EnqueueBurst sent %d, want 1", sent)
	}

	got := b.DrainGuestRx(dev, 0, 4)
	if len(got) != 1 {
		t.Fatalf("DrainGuestRx returned %d, want 1", len(got))
	}
}

func TestLimitGuestRxAvail(t *testing.T) {
	b := NewBackend()
	dev := b.NewDevice("vhost0", 1, 0, true)

	b.LimitGuestRxAvail(dev, 0, 2)
	if av := b.AvailEntries(dev, 0); av != 2 {
		t.Fatalf("AvailEntries after limiting = %d, want 2", av)
	}
}

func TestBondAttachDetach(t *testing.T) {
	b := NewBackend()
	s1, _ := b.Attach(context.Background(), "0000:01:00.0")
	s2, _ := b.Attach(context.Background(), "0000:01:00.1")

	bond, err := b.AttachBond(context.Background(), "bond0", 1, []pmd.PortHandle{s1, s2})
	if err != nil {
		t.Fatalf("AttachBond: %v", err)
	}
	if err := b.DetachBond(bond); err != nil {
		t.Fatalf("DetachBond: %v", err)
	}
	// Slaves are independent ports and must still be attached.
	if err := b.Detach(s1); err != nil {
		t.Fatalf("slave %v should still be attached: %v", s1, err)
	}
	if err := b.Detach(s2); err != nil {
		t.Fatalf("slave %v should still be attached: %v", s2, err)
	}
}

var _ pmd.PortDriver = (*Backend)(nil)
var _ pmd.VhostDriver = (*Backend)(nil)
var _ pmd.MempoolAllocator = Allocator{}
