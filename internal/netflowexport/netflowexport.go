// Package netflowexport periodically emits relay packet/byte counters as
// NetFlow v5 UDP records, reusing the wire layout gonetflow.go already
// knows how to parse (NETFLOW_HEADER_LEN=24, NETFLOW_RECORD_LEN=48,
// version-5 field order) but as an encoder rather than a receiver: this
// daemon is the flow exporter NetFlow collectors expect to listen for,
// not (as in the teacher) the collector itself.
//
// Each relay that is not fully UNINIT contributes up to two synthetic flow
// records per export, one per direction; a direction's record is sent only
// when its packet or byte counter moved since the previous export.
// Input/Output hold the relay id so a collector can tell which relay a
// record came from, and NumOctets/NumPackets hold the counter delta since
// the previous export.
package netflowexport

import (
	"bytes"
	"encoding/binary"
	"net"
	"time"

	"github.com/Netronome/virtio-forwarder/internal/minilog"
	"github.com/Netronome/virtio-forwarder/internal/relay"
)

const (
	headerLen    = 24
	recordLen    = 48
	version      = 5
	maxRecords   = 30 // keeps one UDP datagram under ~1.5KB
	protoUnknown = 0
)

// Header mirrors gonetflow.Header's field set.
type Header struct {
	Count     int
	Uptime    uint32
	EpochSec  uint32
	EpochNsec uint32
	Sequence  int32
}

// Record mirrors gonetflow.Record's field set, repurposed so Input/Output
// carry a relay id instead of a router interface index.
type Record struct {
	RelayID    int
	Direction  Direction
	NumPackets uint32
	NumOctets  uint32
	First      uint32
	Last       uint32
}

// Direction distinguishes the two synthetic flows an Exporter emits per
// relay each interval.
type Direction int

const (
	VmToNic Direction = iota
	NicToVm
)

// Exporter holds the UDP socket and sequencing state for one collector.
type Exporter struct {
	conn     *net.UDPConn
	start    time.Time
	sequence int32
	prior    map[int]relay.Snapshot
}

// NewExporter dials the given collector address (host:port, UDP).
func NewExporter(addr string) (*Exporter, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &Exporter{
		conn:  conn,
		start: time.Now(),
		prior: make(map[int]relay.Snapshot),
	}, nil
}

// Close releases the underlying socket.
func (e *Exporter) Close() error { return e.conn.Close() }

// Export builds and sends NetFlow v5 packets for every relay in relays,
// batching up to maxRecords per datagram. Delta counters are computed
// against the previous call's snapshot for that relay id; a relay seen
// for the first time is measured against a zero baseline, so its first
// records carry the counters' totals so far.
func (e *Exporter) Export(relays []*relay.Relay, now time.Time) error {
	var records []Record

	for _, r := range relays {
		if r.Vm.State() == relay.VmUninit && r.Nic.State() == relay.NicUninit {
			continue
		}

		cur := r.Stats.Snapshot()
		prev := e.prior[r.ID]
		e.prior[r.ID] = cur

		uptime := uint32(now.Sub(e.start) / time.Millisecond)

		if d := cur.VioRx - prev.VioRx; d > 0 || cur.DpdkTxBytes != prev.DpdkTxBytes {
			records = append(records, Record{
				RelayID:    r.ID,
				Direction:  VmToNic,
				NumPackets: uint32(cur.VioRx - prev.VioRx),
				NumOctets:  uint32(cur.DpdkTxBytes - prev.DpdkTxBytes),
				First:      uptime,
				Last:       uptime,
			})
		}
		if d := cur.DpdkRx - prev.DpdkRx; d > 0 || cur.VioTxBytes != prev.VioTxBytes {
			records = append(records, Record{
				RelayID:    r.ID,
				Direction:  NicToVm,
				NumPackets: uint32(cur.DpdkRx - prev.DpdkRx),
				NumOctets:  uint32(cur.VioTxBytes - prev.VioTxBytes),
				First:      uptime,
				Last:       uptime,
			})
		}
	}

	for len(records) > 0 {
		n := len(records)
		if n > maxRecords {
			n = maxRecords
		}
		if err := e.sendBatch(records[:n], now); err != nil {
			return err
		}
		records = records[n:]
	}

	return nil
}

func (e *Exporter) sendBatch(records []Record, now time.Time) error {
	e.sequence++

	var buf bytes.Buffer
	hdr := Header{
		Count:     len(records),
		Uptime:    uint32(now.Sub(e.start) / time.Millisecond),
		EpochSec:  uint32(now.Unix()),
		EpochNsec: uint32(now.Nanosecond()),
		Sequence:  e.sequence,
	}
	if err := encodeHeader(&buf, hdr); err != nil {
		return err
	}
	for _, rec := range records {
		if err := encodeRecord(&buf, rec); err != nil {
			return err
		}
	}

	_, err := e.conn.Write(buf.Bytes())
	if err != nil {
		minilog.Warn("netflowexport: sending to %v: %v", e.conn.RemoteAddr(), err)
	}
	return err
}

func encodeHeader(buf *bytes.Buffer, h Header) error {
	fields := []interface{}{
		uint16(version),
		uint16(h.Count),
		h.Uptime,
		h.EpochSec,
		h.EpochNsec,
		uint32(h.Sequence),
		uint8(0), // engine type, unused
		uint8(0), // engine id, unused
		uint16(0),
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func encodeRecord(buf *bytes.Buffer, r Record) error {
	var input, output uint16
	switch r.Direction {
	case VmToNic:
		input, output = uint16(r.RelayID), 0
	case NicToVm:
		input, output = 0, uint16(r.RelayID)
	}

	fields := []interface{}{
		[4]byte{}, // src addr, unused at this layer
		[4]byte{}, // dst addr, unused
		[4]byte{}, // nexthop, unused
		input,
		output,
		r.NumPackets,
		r.NumOctets,
		r.First,
		r.Last,
		uint16(0),         // src port
		uint16(0),         // dst port
		uint8(0),          // padding
		uint8(0),          // tcp flags
		uint8(protoUnknown),
		uint8(0), // tos
		uint16(0), uint16(0), // src/dst AS
		uint8(0), uint8(0), // src/dst mask
		uint16(0), // padding
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}
