package voxel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyEditVersionMonotonic(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	var last uint64
	for i := 0; i < 100; i++ {
		v := c.ApplyEdit(i%ChunkSize, 0, 0, BlockID(i%9))
		if v != last+1 {
			t.Fatalf("edit %d: version went %d -> %d, want +1", i, last, v)
		}
		last = v
	}
}

func TestApplyEditNoOpStillBumpsVersion(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	v1 := c.ApplyEdit(1, 1, 1, Stone)
	v2 := c.ApplyEdit(1, 1, 1, Stone) // same id, still a version bump
	if v2 != v1+1 {
		t.Fatalf("no-op edit did not bump version: %d -> %d", v1, v2)
	}
}

func TestApplyEditOutOfBoundsIsNoOp(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	before := c.Version()
	after := c.ApplyEdit(-1, 0, 0, Stone)
	if after != before {
		t.Fatalf("out-of-bounds edit changed version: %d -> %d", before, after)
	}
	after = c.ApplyEdit(16, 0, 0, Stone)
	if after != before {
		t.Fatalf("out-of-bounds edit changed version: %d -> %d", before, after)
	}
}

func TestGetOutOfBoundsIsAir(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	c.ApplyEdit(0, 0, 0, Stone)
	if got := c.Get(-1, 0, 0); got != Air {
		t.Fatalf("out-of-bounds get = %d, want Air", got)
	}
}

func TestNonAirCountTracksEdits(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	if c.NonAirCount() != 0 || !c.IsCompletelyAir() {
		t.Fatal("new chunk should be all-air")
	}
	c.ApplyEdit(0, 0, 0, Stone)
	c.ApplyEdit(1, 0, 0, Grass)
	if c.NonAirCount() != 2 {
		t.Fatalf("non-air count = %d, want 2", c.NonAirCount())
	}
	c.ApplyEdit(0, 0, 0, Air)
	if c.NonAirCount() != 1 {
		t.Fatalf("non-air count after clearing = %d, want 1", c.NonAirCount())
	}
	if c.IsCompletelyAir() {
		t.Fatal("chunk has a non-air block but reports all-air")
	}
}

func TestEditLogBoundedAndOrdered(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	for i := 0; i < MaxEditLog+100; i++ {
		c.ApplyEdit(i%ChunkSize, (i/ChunkSize)%ChunkSize, (i/(ChunkSize*ChunkSize))%ChunkSize, Stone)
	}
	if len(c.editLog) > MaxEditLog {
		t.Fatalf("edit log length %d exceeds bound %d", len(c.editLog), MaxEditLog)
	}
	for i := 1; i < len(c.editLog); i++ {
		if c.editLog[i].ResultingVersion <= c.editLog[i-1].ResultingVersion {
			t.Fatalf("edit log not strictly increasing at %d", i)
		}
	}
}

func TestDiffSinceCurrentIsEmptyNotResync(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	c.ApplyEdit(0, 0, 0, Stone)
	ops, ok := c.DiffSince(c.Version(), 10)
	if !ok {
		t.Fatal("DiffSince at current version should not require resync")
	}
	if len(ops) != 0 {
		t.Fatalf("DiffSince at current version returned %d ops, want 0", len(ops))
	}
}

func TestDiffSinceReturnsNewerOps(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	c.ApplyEdit(0, 0, 0, Stone)
	v2 := c.ApplyEdit(1, 0, 0, Grass)
	v3 := c.ApplyEdit(2, 0, 0, Dirt)
	ops, ok := c.DiffSince(v2-1, 10)
	if !ok {
		t.Fatal("expected ok diff")
	}
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}
	if ops[0].ResultingVersion != v2 || ops[1].ResultingVersion != v3 {
		t.Fatalf("ops out of order: %+v", ops)
	}
}

func TestDiffSinceRespectsMaxOps(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	// One edit first, so the oldest logged edit is not newer than base.
	c.ApplyEdit(15, 0, 0, Stone)
	base := c.Version()
	for i := 0; i < 10; i++ {
		c.ApplyEdit(i, 0, 0, Stone)
	}
	ops, ok := c.DiffSince(base, 3)
	if !ok || len(ops) != 3 {
		t.Fatalf("DiffSince(maxOps=3) = %d ops, ok=%v", len(ops), ok)
	}
}

func TestDiffSinceRequiresResyncWhenBehindLog(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	for i := 0; i < MaxEditLog+10; i++ {
		c.ApplyEdit(i%ChunkSize, (i/ChunkSize)%ChunkSize, 0, Stone)
	}
	_, ok := c.DiffSince(0, 10)
	if ok {
		t.Fatal("DiffSince(0) should require resync once the log has evicted version 0's neighborhood")
	}
}

func TestSerializeDeserializeCompressedRoundTrip(t *testing.T) {
	c := NewChunk(ChunkCoord{CX: 3, CY: -2, CZ: 7})
	c.ApplyEdit(0, 0, 0, Stone)
	c.ApplyEdit(15, 15, 15, Water)
	c.ApplyEdit(5, 5, 5, Log)

	data := c.SerializeCompressed()

	restored := NewChunk(ChunkCoord{})
	if !restored.DeserializeCompressed(data) {
		t.Fatal("DeserializeCompressed rejected valid payload")
	}
	if restored.Coord != c.Coord {
		t.Fatalf("coord mismatch: got %+v want %+v", restored.Coord, c.Coord)
	}
	if restored.Version() != c.Version() {
		t.Fatalf("version mismatch: got %d want %d", restored.Version(), c.Version())
	}
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			for z := 0; z < ChunkSize; z++ {
				if restored.Get(x, y, z) != c.Get(x, y, z) {
					t.Fatalf("block mismatch at (%d,%d,%d)", x, y, z)
				}
			}
		}
	}
	if len(restored.editLog) != 0 {
		t.Fatal("deserialized chunk should start with an empty edit log")
	}
	if restored.IsDirty() {
		t.Fatal("deserialized chunk should not be dirty")
	}
}

func TestDeserializeCompressedRejectsCorrupt(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	if c.DeserializeCompressed([]byte{1, 2, 3}) {
		t.Fatal("expected rejection of too-short payload")
	}
	if c.Version() != 0 {
		t.Fatal("rejected payload must not mutate chunk state")
	}
}

func TestSaveLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	c := NewChunk(ChunkCoord{CX: 1, CY: 2, CZ: 3})
	c.ApplyEdit(4, 5, 6, Sand)
	path := filepath.Join(dir, ChunkFileName(c.Coord))
	if err := c.SaveToDisk(path); err != nil {
		t.Fatalf("SaveToDisk: %v", err)
	}

	loaded := NewChunk(ChunkCoord{})
	if err := loaded.LoadFromDisk(path); err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	if loaded.Get(4, 5, 6) != Sand {
		t.Fatalf("loaded chunk missing edit, got %d", loaded.Get(4, 5, 6))
	}
}

func TestLoadFromDiskFailsWithoutMutatingOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk_0_0_0.bin")
	if err := os.WriteFile(path, []byte("not a chunk"), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	c := NewChunk(ChunkCoord{})
	c.ApplyEdit(0, 0, 0, Stone)
	before := c.Version()
	if err := c.LoadFromDisk(path); err == nil {
		t.Fatal("expected error loading corrupt file")
	}
	if c.Version() != before {
		t.Fatal("failed load must not mutate chunk state")
	}
}

func TestSubscribers(t *testing.T) {
	c := NewChunk(ChunkCoord{})
	c.AddSubscriber(1)
	c.AddSubscriber(2)
	subs := c.GetSubscribers()
	if len(subs) != 2 {
		t.Fatalf("got %d subscribers, want 2", len(subs))
	}
	c.RemoveSubscriber(1)
	subs = c.GetSubscribers()
	if len(subs) != 1 || subs[0] != 2 {
		t.Fatalf("unexpected subscribers after remove: %v", subs)
	}
}
