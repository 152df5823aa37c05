package cache

import (
	"testing"

	"tsengine/internal/tsfile"
)

func sampleMetadata(measurement string) []tsfile.ChunkMetadata {
	return []tsfile.ChunkMetadata{
		{Measurement: measurement, Stats: tsfile.Statistics{Count: 10, StartTime: 0, EndTime: 100}},
	}
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	c, err := New(0)
	if err != nil {
		t.Fatalf("New(0) error = %v", err)
	}
	if c.Enabled() {
		t.Fatal("Enabled() = true for a zero-budget cache, want false")
	}
	key := Key{FilePath: "a.tsfile", Device: "d1", Measurement: "temp"}
	c.Put(key, sampleMetadata("temp"))
	if _, ok := c.Get(key); ok {
		t.Fatal("disabled cache returned a hit, want miss")
	}
}

func TestEnabledCachePutThenGet(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := Key{FilePath: "a.tsfile", Device: "d1", Measurement: "temp"}
	value := sampleMetadata("temp")
	c.Put(key, value)

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("Get() miss after Put(), want hit")
	}
	if len(got) != 1 || got[0].Measurement != "temp" {
		t.Fatalf("Get() = %+v, want a single temp entry", got)
	}
}

func TestCacheGetMissForUnknownKey(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := c.Get(Key{FilePath: "missing.tsfile", Device: "d1", Measurement: "x"}); ok {
		t.Fatal("Get() hit for a key never Put(), want miss")
	}
}

func TestCacheRemoveEvictsAllEntriesForFile(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	k1 := Key{FilePath: "a.tsfile", Device: "d1", Measurement: "temp"}
	k2 := Key{FilePath: "a.tsfile", Device: "d2", Measurement: "humidity"}
	k3 := Key{FilePath: "b.tsfile", Device: "d1", Measurement: "temp"}
	c.Put(k1, sampleMetadata("temp"))
	c.Put(k2, sampleMetadata("humidity"))
	c.Put(k3, sampleMetadata("temp"))

	c.Remove("a.tsfile")

	if _, ok := c.Get(k1); ok {
		t.Error("Get(k1) hit after Remove(a.tsfile), want miss")
	}
	if _, ok := c.Get(k2); ok {
		t.Error("Get(k2) hit after Remove(a.tsfile), want miss")
	}
	if _, ok := c.Get(k3); !ok {
		t.Error("Get(k3) miss after Remove(a.tsfile), want hit — different file")
	}
}

func TestCacheClearEmptiesEverything(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := Key{FilePath: "a.tsfile", Device: "d1", Measurement: "temp"}
	c.Put(key, sampleMetadata("temp"))
	c.Clear()
	if _, ok := c.Get(key); ok {
		t.Fatal("Get() hit after Clear(), want miss")
	}
}

func TestCacheEvictsUnderByteBudget(t *testing.T) {
	// A tiny budget should force eviction of the oldest entry once a new
	// one is added and the running total exceeds it.
	c, err := New(1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	k1 := Key{FilePath: "a.tsfile", Device: "d1", Measurement: "temp"}
	k2 := Key{FilePath: "b.tsfile", Device: "d1", Measurement: "temp"}
	c.Put(k1, sampleMetadata("temp"))
	c.Put(k2, sampleMetadata("temp"))

	if _, ok := c.Get(k1); ok {
		t.Error("Get(k1) hit under a 1-byte budget after a second Put(), want eviction")
	}
}

func TestKeyStringIsStable(t *testing.T) {
	k := Key{FilePath: "a.tsfile", Device: "d1", Measurement: "temp"}
	if k.String() != k.String() {
		t.Fatal("Key.String() not stable across calls")
	}
}
