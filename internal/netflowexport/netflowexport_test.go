package netflowexport

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/Netronome/virtio-forwarder/internal/relay"
)

func listenUDP(t *testing.T) (*net.UDPConn, string) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().String()
}

func TestExportSkipsFullyUninitRelays(t *testing.T) {
	conn, addr := listenUDP(t)
	exp, err := NewExporter(addr)
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}
	t.Cleanup(func() { exp.Close() })

	tbl := relay.NewTable()
	r, _ := tbl.Get(0)

	if err := exp.Export([]*relay.Relay{r}, time.Now()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1500)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("Export should send nothing for a relay with both sides UNINIT")
	}
}

func TestExportEncodesCountAndVersion(t *testing.T) {
	conn, addr := listenUDP(t)
	exp, err := NewExporter(addr)
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}
	t.Cleanup(func() { exp.Close() })

	tbl := relay.NewTable()
	r, _ := tbl.Get(3)
	r.Vm.SetState(relay.VmReady)
	r.Nic.SetState(relay.NicReady)
	r.Stats.VioRx.Store(10)
	r.Stats.DpdkTxBytes.Store(1000)
	r.Stats.DpdkRx.Store(5)
	r.Stats.VioTxBytes.Store(500)

	if err := exp.Export([]*relay.Relay{r}, time.Now()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	wantLen := headerLen + 2*recordLen // one record per direction
	if n != wantLen {
		t.Fatalf("datagram is %d bytes, want %d (header + 2 records)", n, wantLen)
	}

	gotVersion := binary.BigEndian.Uint16(buf[0:2])
	if gotVersion != version {
		t.Fatalf("version field = %d, want %d", gotVersion, version)
	}
	gotCount := binary.BigEndian.Uint16(buf[2:4])
	if gotCount != 2 {
		t.Fatalf("count field = %d, want 2", gotCount)
	}

	// Input field of the first record (vm->nic) carries the relay id.
	firstInput := binary.BigEndian.Uint16(buf[headerLen+12 : headerLen+14])
	if firstInput != uint16(r.ID) {
		t.Fatalf("first record's input field = %d, want relay id %d", firstInput, r.ID)
	}
}

func TestExportReportsDeltaNotLifetimeTotal(t *testing.T) {
	conn, addr := listenUDP(t)
	exp, err := NewExporter(addr)
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}
	t.Cleanup(func() { exp.Close() })

	tbl := relay.NewTable()
	r, _ := tbl.Get(0)
	r.Vm.SetState(relay.VmReady)
	r.Nic.SetState(relay.NicReady)
	r.Stats.VioRx.Store(100)
	r.Stats.DpdkTxBytes.Store(9000)

	if err := exp.Export([]*relay.Relay{r}, time.Now()); err != nil {
		t.Fatalf("first Export: %v", err)
	}
	drain(t, conn)

	// Counter doesn't move; a second export should carry zero packets for
	// the vm->nic direction, proving the delta baseline was updated.
	r.Stats.DpdkRx.Store(1) // force a nonzero nic->vm record so something is sent
	if err := exp.Export([]*relay.Relay{r}, time.Now()); err != nil {
		t.Fatalf("second Export: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	// Only the nic->vm record should be present this round (vm->nic delta
	// is zero and DpdkTxBytes unchanged).
	if n != headerLen+recordLen {
		t.Fatalf("second datagram is %d bytes, want %d (one record)", n, headerLen+recordLen)
	}
}

func drain(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("drain Read: %v", err)
	}
}
