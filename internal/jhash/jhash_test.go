package jhash

import "testing"

func TestHashWords32Deterministic(t *testing.T) {
	k := []uint32{1, 2, 3, 4, 5}
	a := HashWords32(k, Seed)
	b := HashWords32(k, Seed)
	if a != b {
		t.Fatalf("same input hashed differently: %#x != %#x", a, b)
	}
}

func TestHashWords32SensitiveToInput(t *testing.T) {
	a := HashWords32([]uint32{1, 2, 3}, Seed)
	b := HashWords32([]uint32{1, 2, 4}, Seed)
	if a == b {
		t.Fatalf("distinct inputs produced the same hash: %#x", a)
	}
}

func TestHashWords32SensitiveToSeed(t *testing.T) {
	k := []uint32{10, 20, 30, 40}
	a := HashWords32(k, 0)
	b := HashWords32(k, Seed)
	if a == b {
		t.Fatalf("distinct seeds produced the same hash: %#x", a)
	}
}

func TestHashWords32Empty(t *testing.T) {
	// Must not panic or index out of range on a zero-length input.
	_ = HashWords32(nil, Seed)
}

func TestHashWords32AllLengths(t *testing.T) {
	// Exercise every branch of the tail handling (1,2,3 words
	// left over after the main 3-word loop) plus an exact multiple of 3.
	seen := make(map[uint32]bool)
	for n := 1; n <= 8; n++ {
		k := make([]uint32, n)
		for i := range k {
			k[i] = uint32(i + 1)
		}
		h := HashWords32(k, Seed)
		if seen[h] {
			t.Fatalf("length %d collided with a previous length's hash: %#x", n, h)
		}
		seen[h] = true
	}
}
