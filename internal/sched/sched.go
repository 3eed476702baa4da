// Package sched picks the least-loaded worker core for a new vm-side or
// nic-side attachment (spec.md §4.5). The sort itself — a Floyd-method
// heap built with siftDown — is carried over from the teacher's
// src/minimega/scheduler.go hostSortBy/siftDown pair, retargeted from
// host commit-ratio to the per-core weighted side count spec.md §4.5
// defines.
package sched

// Core describes one entry in the worker-core-bitmap: its id and, if
// known, the NUMA node it belongs to.
type Core struct {
	ID   int
	Numa int
}

// Load is a core's current weighted packet-forwarding load, per spec.md
// §4.5: 10 per vm-side pinned there, 12 per nic-side pinned there.
type Load struct {
	Core     int
	VmSides  int
	NicSides int
}

// Weight is the Σ(10·vm_sides + 12·nic_sides) metric spec.md §4.5
// minimizes over.
func (l Load) Weight() int { return 10*l.VmSides + 12*l.NicSides }

// loadSorter is the teacher's hostSorter, renamed and retargeted: Less
// compares by Weight instead of by commit ratio.
type loadSorter struct {
	loads []Load
}

func (s *loadSorter) Len() int      { return len(s.loads) }
func (s *loadSorter) Swap(i, j int) { s.loads[i], s.loads[j] = s.loads[j], s.loads[i] }
func (s *loadSorter) Less(i, j int) bool {
	return s.loads[i].Weight() < s.loads[j].Weight()
}

// siftDown is the teacher's sort.siftDown, unmodified in shape.
func (s *loadSorter) siftDown(root int) {
	for {
		child := 2*root + 1
		if child >= s.Len() {
			return
		}
		if child+1 < s.Len() && !s.Less(child, child+1) {
			child++
		}
		if s.Less(root, child) {
			return
		}
		s.Swap(root, child)
		root = child
	}
}

// sortByWeight heapifies loads in place so loads[0] is the minimum-weight
// entry (Floyd method: start at the lowest internal node and siftDown
// each subtree), matching hostSortBy.Sort in the teacher.
func sortByWeight(loads []Load) {
	s := &loadSorter{loads: loads}
	for i := (s.Len() - 1) / 2; i >= 0; i-- {
		s.siftDown(i)
	}
}

// Select picks the core spec.md §4.5 prescribes: prefer a core on
// preferredNuma if any candidate is there, then minimize the weighted
// load among whichever set that leaves. cores must be non-empty load
// snapshots for every core in the worker-core-bitmap; hasNuma false means
// no NUMA preference is known (e.g. the guest reported none), in which
// case every core is a candidate.
func Select(cores []Load, numa map[int]int, preferredNuma int, hasNuma bool) (int, bool) {
	if len(cores) == 0 {
		return 0, false
	}

	candidates := cores
	if hasNuma {
		var onNode []Load
		for _, c := range cores {
			if numa[c.Core] == preferredNuma {
				onNode = append(onNode, c)
			}
		}
		if len(onNode) > 0 {
			candidates = onNode
		}
	}

	// Copy before sorting in place: callers may hold this slice elsewhere.
	cp := append([]Load(nil), candidates...)
	sortByWeight(cp)
	return cp[0].Core, true
}

// ValidatePin reports whether core is a member of the worker-core-bitmap,
// for manual-pin validation (spec.md §4.5's "validating it is in the
// worker-core-bitmap").
func ValidatePin(cores []Core, core int) bool {
	for _, c := range cores {
		if c.ID == core {
			return true
		}
	}
	return false
}
