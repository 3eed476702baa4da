package relay

import (
	"testing"
	"time"
)

func TestNewTableSlotsStartUninit(t *testing.T) {
	tbl := NewTable()
	for i, r := range tbl.All() {
		if r.ID != i {
			t.Fatalf("relay %d has ID %d", i, r.ID)
		}
		if r.Vm.State() != VmUninit {
			t.Errorf("relay %d vm state = %v, want UNINIT", i, r.Vm.State())
		}
		if r.Nic.State() != NicUninit {
			t.Errorf("relay %d nic state = %v, want UNINIT", i, r.Nic.State())
		}
		if r.Vm.Cpu() != NoCore || r.Nic.Cpu() != NoCore {
			t.Errorf("relay %d should start unpinned", i)
		}
	}
}

func TestGetOutOfRange(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Get(-1); err == nil {
		t.Error("Get(-1) should error")
	}
	if _, err := tbl.Get(NRelays); err == nil {
		t.Errorf("Get(%d) should error", NRelays)
	}
	if _, err := tbl.Get(0); err != nil {
		t.Errorf("Get(0) should not error: %v", err)
	}
}

func TestOperationalRequiresBothReady(t *testing.T) {
	tbl := NewTable()
	r, _ := tbl.Get(0)

	if r.Operational() {
		t.Fatal("fresh relay should not be operational")
	}

	r.Vm.SetState(VmReady)
	if r.Operational() {
		t.Fatal("relay with only vm READY should not be operational")
	}

	r.Nic.SetState(NicReady)
	if !r.Operational() {
		t.Fatal("relay with both sides READY should be operational")
	}
}

func TestRecomputeRxQ(t *testing.T) {
	var v VmSide
	v.RxQBitmap = 0b1010 // queues 1 and 3 active
	v.RecomputeRxQ()

	if v.RxQActive != 2 {
		t.Fatalf("RxQActive = %d, want 2", v.RxQActive)
	}
	if v.RxQLUT[0] != 1 || v.RxQLUT[1] != 3 {
		t.Fatalf("RxQLUT = %v, want [1 3 ...]", v.RxQLUT[:2])
	}
	if !v.Pow2Queues {
		t.Fatal("2 active queues is a power of two, expected true")
	}
}

func TestRecomputeRxQPow2(t *testing.T) {
	var v VmSide
	v.RxQBitmap = 0b1111 // 4 active queues
	v.RecomputeRxQ()
	if !v.Pow2Queues {
		t.Fatal("4 active queues should be flagged power-of-two")
	}
}

func TestTryLockVmExclusive(t *testing.T) {
	tbl := NewTable()
	r, _ := tbl.Get(0)

	if !r.TryLockVm() {
		t.Fatal("first TryLockVm should succeed")
	}
	if r.TryLockVm() {
		t.Fatal("second TryLockVm should fail while held")
	}
	r.UnlockVm()
	if !r.TryLockVm() {
		t.Fatal("TryLockVm should succeed again after unlock")
	}
	r.UnlockVm()
}

func TestRatesSideEffectResetsBaseline(t *testing.T) {
	tbl := NewTable()
	r, _ := tbl.Get(0)

	start := time.Now()
	r.Rates(start) // pin the rate baseline to start; counters are still zero
	r.Stats.VioRx.Store(100)
	rates := r.Rates(start.Add(time.Second))
	if rates.VioRxRate != 100 {
		t.Fatalf("first rate = %v, want 100", rates.VioRxRate)
	}

	// Counter doesn't move; a second call one second later should report 0,
	// proving the snapshot baseline was reset by the first call.
	rates2 := r.Rates(start.Add(2 * time.Second))
	if rates2.VioRxRate != 0 {
		t.Fatalf("second rate = %v, want 0 (baseline should have reset)", rates2.VioRxRate)
	}
}

func TestCountersSnapshot(t *testing.T) {
	var c Counters
	c.VioRx.Store(5)
	c.DpdkTxBytes.Store(9000)

	snap := c.Snapshot()
	if snap.VioRx != 5 || snap.DpdkTxBytes != 9000 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestEndpointMapRegisterRejectsConflict(t *testing.T) {
	e := NewEndpointMap()

	if err := e.Register("/tmp/sock0", 0); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := e.Register("/tmp/sock0", 1); err == nil {
		t.Fatal("registering the same path to a different id should fail")
	}
	if err := e.Register("/tmp/sock1", 0); err == nil {
		t.Fatal("registering a second path to an already-bound id should fail")
	}

	id, ok := e.Lookup("/tmp/sock0")
	if !ok || id != 0 {
		t.Fatalf("Lookup(/tmp/sock0) = (%d, %v), want (0, true)", id, ok)
	}

	if err := e.Deregister("/tmp/sock0"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, ok := e.Lookup("/tmp/sock0"); ok {
		t.Fatal("path should no longer be registered")
	}
	if err := e.Register("/tmp/sock1", 0); err != nil {
		t.Fatalf("re-register after deregister should succeed: %v", err)
	}
}

func TestEndpointMapDeregisterUnknown(t *testing.T) {
	e := NewEndpointMap()
	if err := e.Deregister("/does/not/exist"); err == nil {
		t.Fatal("deregistering an unknown path should error")
	}
}

func TestEndpointMapPathFor(t *testing.T) {
	e := NewEndpointMap()
	e.Register("/tmp/sock2", 3)

	path, ok := e.PathFor(3)
	if !ok || path != "/tmp/sock2" {
		t.Fatalf("PathFor(3) = (%q, %v), want (/tmp/sock2, true)", path, ok)
	}

	if _, ok := e.PathFor(4); ok {
		t.Fatal("PathFor(4) should report not found")
	}
}
