// Package rss computes the nic->vm receive-side-steering queue index for a
// packet, per spec.md §4.3: a 32-bit Jenkins hash (internal/jhash) over a
// small word vector chosen by Ethertype, reduced modulo (or, for a
// power-of-two queue count, masked against) the number of active rx queues.
//
// Parsing is grounded on bridge/ipmac.go's snooper(), which builds a
// gopacket.NewDecodingLayerParser over Ethernet/Dot1Q/IPv4/IPv6/ARP and
// walks the returned decoded-layer list; this package adds TCP/UDP/SCTP so
// it can pull the port pair the way
// _examples/original_source/virtio_worker.c's calc_eth_header_hash does.
package rss

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/Netronome/virtio-forwarder/internal/jhash"
)

// Hasher computes RSS hashes for a stream of packets. It owns its decoding
// layers so it must not be shared across goroutines; each worker keeps one.
type Hasher struct {
	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	sctp    layers.SCTP
	decoded []gopacket.LayerType
}

func NewHasher() *Hasher {
	h := &Hasher{}
	h.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&h.eth, &h.dot1q, &h.ip4, &h.ip6, &h.tcp, &h.udp, &h.sctp)
	// Packets with layers this parser doesn't recognize (ARP, ICMP, ...)
	// still decode the layers that came before the unsupported one; we only
	// need Ethernet/IPv4/IPv6/TCP/UDP/SCTP, so ignore the resulting error.
	h.parser.IgnoreUnsupported = true
	return h
}

// Hash returns the RSS hash for the frame in data (starting at the Ethernet
// header). It never errors: an unparseable or truncated frame falls back to
// hashing whatever prefix of the L2 header is present, the same fallback
// the "Other" branch of calc_eth_header_hash takes for non-IP traffic.
func (h *Hasher) Hash(data []byte) uint32 {
	var words []uint32

	if err := h.parser.DecodeLayers(data, &h.decoded); err != nil {
		// fall through to the L2-only fallback below using raw bytes,
		// matching the C code's behavior for any header it doesn't handle.
	}

	sawIP4, sawIP6 := false, false
	var l4proto layers.IPProtocol

	for _, lt := range h.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			sawIP4 = true
			l4proto = h.ip4.Protocol
		case layers.LayerTypeIPv6:
			sawIP6 = true
			l4proto = h.ip6.NextHeader
		}
	}

	switch {
	case sawIP4:
		words = append(words,
			binary.BigEndian.Uint32(pad4(h.ip4.SrcIP)),
			binary.BigEndian.Uint32(pad4(h.ip4.DstIP)),
			uint32(l4proto),
		)
		if portWord, ok := h.portWord(l4proto); ok {
			words = append(words, portWord)
		}
	case sawIP6:
		// calc_eth_header_hash reads a 32-byte span starting at src_addr;
		// src_addr and dst_addr are contiguous in the header, so that span
		// covers both addresses. Hash both, then next_header, to match.
		src := pad16(h.ip6.SrcIP)
		for i := 0; i < 16; i += 4 {
			words = append(words, binary.BigEndian.Uint32(src[i:i+4]))
		}
		dst := pad16(h.ip6.DstIP)
		for i := 0; i < 16; i += 4 {
			words = append(words, binary.BigEndian.Uint32(dst[i:i+4]))
		}
		words = append(words, uint32(h.ip6.NextHeader))
	default:
		words = l2Fallback(data)
	}

	return jhash.HashWords32(words, jhash.Seed)
}

func (h *Hasher) portWord(proto layers.IPProtocol) (uint32, bool) {
	switch proto {
	case layers.IPProtocolTCP:
		return (uint32(h.tcp.DstPort) << 16) | uint32(h.tcp.SrcPort), true
	case layers.IPProtocolUDP:
		return (uint32(h.udp.DstPort) << 16) | uint32(h.udp.SrcPort), true
	case layers.IPProtocolSCTP:
		return (uint32(h.sctp.DstPort) << 16) | uint32(h.sctp.SrcPort), true
	}
	return 0, false
}

// l2Fallback hashes the first 12 bytes of the L2 header (dst+src MAC) plus
// the Ethertype, for anything that isn't IPv4/IPv6.
func l2Fallback(data []byte) []uint32 {
	var buf [14]byte
	copy(buf[:], data)

	return []uint32{
		binary.BigEndian.Uint32(buf[0:4]),
		binary.BigEndian.Uint32(buf[4:8]),
		binary.BigEndian.Uint32(buf[8:12]),
		uint32(binary.BigEndian.Uint16(buf[12:14])),
	}
}

func pad4(ip []byte) []byte {
	var out [4]byte
	if v4 := toV4(ip); v4 != nil {
		copy(out[:], v4)
	}
	return out[:]
}

func pad16(ip []byte) []byte {
	var out [16]byte
	copy(out[:], ip)
	return out[:]
}

func toV4(ip []byte) []byte {
	if len(ip) == 4 {
		return ip
	}
	if len(ip) == 16 {
		return ip[12:16]
	}
	return nil
}

// QueueIndex reduces a hash to a queue index in [0, active), using a mask
// instead of a modulo when active is a power of two, per spec.md §4.3.
func QueueIndex(hash uint32, active int, pow2 bool) int {
	if active <= 0 {
		return 0
	}
	if pow2 {
		return int(hash) & (active - 1)
	}
	return int(hash % uint32(active))
}
