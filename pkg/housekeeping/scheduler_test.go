package housekeeping

import (
	"testing"
	"time"

	"github.com/blockrealm/voxeld/pkg/voxel"
)

func TestStartRegistersBothJobs(t *testing.T) {
	store := voxel.NewChunkStore(1, t.TempDir())
	s := New(store, time.Minute, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if len(s.cron.Entries()) != 2 {
		t.Fatalf("expected 2 scheduled entries, got %d", len(s.cron.Entries()))
	}
}

func TestRunUnloadUnusedUsesConfiguredMaxIdle(t *testing.T) {
	store := voxel.NewChunkStore(1, t.TempDir())
	coord := voxel.ChunkCoord{CX: 0, CY: 0, CZ: 0}
	if _, err := store.LoadOrGenerate(coord); err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	s := New(store, time.Nanosecond, nil) // tiny window: every chunk counts as idle
	time.Sleep(time.Millisecond)
	s.runUnloadUnused()

	if _, ok := store.TryGet(coord); ok {
		t.Fatal("expected the chunk to be unloaded with a 1ns max idle window")
	}
}

func TestNewDefaultsMaxIdleWhenNonPositive(t *testing.T) {
	store := voxel.NewChunkStore(1, t.TempDir())
	s := New(store, 0, nil)
	if s.maxIdle != DefaultMaxIdle {
		t.Fatalf("maxIdle = %v, want default %v", s.maxIdle, DefaultMaxIdle)
	}
}
