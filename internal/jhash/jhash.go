// Package jhash implements Bob Jenkins' lookup3 hashword function, the same
// 32-bit hash DPDK exposes as rte_jhash_32b. The RSS path needs to produce
// the same queue assignment for a given 5-tuple that existing deployments of
// the original C forwarder already compute, so the algorithm (rotate/mix/
// final constants) is reproduced exactly rather than substituted with any of
// the stdlib hash/* hashes.
package jhash

func rot(x uint32, k uint) uint32 {
	return (x << k) | (x >> (32 - k))
}

// HashWords32 hashes a slice of 32-bit words with the given seed, matching
// DPDK's rte_jhash_32b / Jenkins' lookup3.c hashword().
func HashWords32(k []uint32, initval uint32) uint32 {
	length := uint32(len(k))
	a := uint32(0xdeadbeef) + (length << 2) + initval
	b := a
	c := a

	i := 0
	for length > 3 {
		a += k[i]
		b += k[i+1]
		c += k[i+2]

		a -= c
		a ^= rot(c, 4)
		c += b
		b -= a
		b ^= rot(a, 6)
		a += c
		c -= b
		c ^= rot(b, 8)
		b += a
		a -= c
		a ^= rot(c, 16)
		c += b
		b -= a
		b ^= rot(a, 19)
		a += c
		c -= b
		c ^= rot(b, 4)
		b += a

		length -= 3
		i += 3
	}

	switch length {
	case 3:
		c += k[i+2]
		fallthrough
	case 2:
		b += k[i+1]
		fallthrough
	case 1:
		a += k[i]

		c ^= b
		c -= rot(b, 14)
		a ^= c
		a -= rot(c, 11)
		b ^= a
		b -= rot(a, 25)
		c ^= b
		c -= rot(b, 16)
		a ^= c
		a -= rot(c, 4)
		b ^= a
		b -= rot(a, 14)
		c ^= b
		c -= rot(b, 24)
	}

	return c
}

// Seed is the fixed seed the forwarder uses for RSS, chosen to keep the
// queue distribution wire-compatible with existing deployments.
const Seed = uint32(0xdeadbee5)
