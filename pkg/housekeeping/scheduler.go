// Package housekeeping schedules the world store's periodic disk
// maintenance: saving dirty chunks and evicting idle ones, on a fixed
// cadence independent of the network tick loop.
package housekeeping

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blockrealm/voxeld/pkg/voxel"
)

// SaveDirtySchedule and UnloadUnusedSchedule are the two fixed cron
// entries: save dirty chunks every 30s, evict idle ones every 60s.
const (
	SaveDirtySchedule    = "@every 30s"
	UnloadUnusedSchedule = "@every 60s"
	DefaultMaxIdle       = 5 * time.Minute
)

// Scheduler runs the store's save-dirty and unload-unused sweeps on a
// fixed cadence.
type Scheduler struct {
	cron    *cron.Cron
	store   *voxel.ChunkStore
	maxIdle time.Duration
	logger  *slog.Logger
}

// New builds a Scheduler bound to store. maxIdle is the idle window
// UnloadUnused uses to decide which chunks to evict.
func New(store *voxel.ChunkStore, maxIdle time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Scheduler{
		cron:    cron.New(),
		store:   store,
		maxIdle: maxIdle,
		logger:  logger,
	}
}

// Start registers and starts the two jobs. An error here only comes
// from a malformed schedule string, which are both constants above,
// so a failure indicates a programming error rather than a runtime
// condition callers need to branch on.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(SaveDirtySchedule, s.runSaveDirty); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(UnloadUnusedSchedule, s.runUnloadUnused); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop waits for any in-flight job to finish, then halts the
// scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runSaveDirty() {
	if err := s.store.SaveDirty(); err != nil {
		s.logger.Error("save_dirty failed", "error", err)
	}
}

func (s *Scheduler) runUnloadUnused() {
	s.store.UnloadUnused(s.maxIdle)
}
