package watcher

import "testing"

func TestAllocGrowsAndAssignsGeneration(t *testing.T) {
	s := newSlab()
	i0 := s.alloc()
	i1 := s.alloc()
	if i0 == i1 {
		t.Fatalf("alloc returned duplicate index %d", i0)
	}
	if s.dirs[i0].generation != 1 || s.dirs[i1].generation != 1 {
		t.Errorf("fresh slots should start at generation 1, got %d and %d", s.dirs[i0].generation, s.dirs[i1].generation)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestReleaseThenAllocReusesIndexWithBumpedGeneration(t *testing.T) {
	s := newSlab()
	idx := s.alloc()
	s.dirs[idx].active = true
	gen := s.dirs[idx].generation

	s.release(idx)
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after release, want 0", s.Len())
	}

	reused := s.alloc()
	if reused != idx {
		t.Fatalf("alloc() = %d after release, want reused index %d", reused, idx)
	}
	if s.dirs[reused].generation != gen+1 {
		t.Errorf("generation = %d, want %d (bumped on reuse)", s.dirs[reused].generation, gen+1)
	}
}

func TestGetRejectsStaleGeneration(t *testing.T) {
	s := newSlab()
	idx := s.alloc()
	s.dirs[idx].active = true
	staleGen := s.dirs[idx].generation

	s.release(idx)
	reused := s.alloc()
	s.dirs[reused].active = true

	if _, ok := s.get(idx, staleGen); ok {
		t.Error("get() succeeded with a stale generation after reuse")
	}
	if _, ok := s.get(reused, s.dirs[reused].generation); !ok {
		t.Error("get() failed for the current generation")
	}
}

func TestGetRejectsInactiveSlot(t *testing.T) {
	s := newSlab()
	idx := s.alloc()
	if _, ok := s.get(idx, s.dirs[idx].generation); ok {
		t.Error("get() succeeded on a slot that was never marked active")
	}
}

func TestGetRejectsOutOfRangeIndex(t *testing.T) {
	s := newSlab()
	if _, ok := s.get(99, 1); ok {
		t.Error("get() succeeded on an out-of-range index")
	}
}
