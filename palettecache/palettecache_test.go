package palettecache

import "testing"

func TestFindMissThenAddThenFindHit(t *testing.T) {
	c := New(100)
	if c.Find(5) {
		t.Fatal("expected miss on empty cache")
	}
	if !c.Add(5, 10) {
		t.Fatal("expected add to succeed")
	}
	if !c.Find(5) {
		t.Fatal("expected hit after add")
	}
}

func TestAddRefusesDuplicateID(t *testing.T) {
	c := New(100)
	c.Add(5, 10)
	if c.Add(5, 10) {
		t.Fatal("expected duplicate add to be refused")
	}
}

func TestAddEvictsLRUUntilFits(t *testing.T) {
	c := New(20)
	c.Add(1, 10)
	c.Add(2, 10)
	// cache full; adding id 3 (size 15) must evict id 1 (LRU tail).
	if !c.Add(3, 15) {
		t.Fatal("expected add to succeed after eviction")
	}
	if c.Find(1) {
		t.Fatal("expected id 1 to have been evicted")
	}
	if !c.Find(2) || !c.Find(3) {
		t.Fatal("expected ids 2 and 3 to remain cached")
	}
}

func TestAddRefusesEntryLargerThanCapacity(t *testing.T) {
	c := New(10)
	if c.Add(1, 11) {
		t.Fatal("expected oversized add to be refused outright")
	}
}

func TestPaletteFlags(t *testing.T) {
	c := New(100)
	if flags := c.PaletteFlags(0, 10); flags != 0 {
		t.Fatalf("expected no flags for unique id 0, got %x", flags)
	}
	if flags := c.PaletteFlags(7, 10); flags != FlagCacheMe {
		t.Fatalf("expected CACHE_ME on first sight, got %x", flags)
	}
	if flags := c.PaletteFlags(7, 10); flags != FlagFromCache {
		t.Fatalf("expected FROM_CACHE on second sight, got %x", flags)
	}
}

func TestResetEmptiesCache(t *testing.T) {
	c := New(100)
	c.Add(1, 10)
	c.Reset(50)
	if c.Find(1) {
		t.Fatal("expected reset to drop all entries")
	}
	if got := c.Available(); got != 50 {
		t.Fatalf("available = %d, want 50", got)
	}
}
