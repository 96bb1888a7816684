package voxel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrInvalidCoord is returned by any store operation given a chunk
// coordinate outside the world box.
var ErrInvalidCoord = errors.New("voxel: chunk coordinate out of bounds")

// ChunkStore owns the coordinate-indexed map of every materialized
// chunk plus the generator that fills new ones. The map lock is held
// only long enough to look up or insert a pointer — chunk content
// mutation always happens through the chunk's own lock, never this
// one.
type ChunkStore struct {
	mu        sync.RWMutex
	chunks    map[ChunkCoord]*Chunk
	decorated map[ChunkCoord]struct{}

	gen     *Generator
	saveDir string
}

// NewChunkStore builds an empty store backed by a generator seeded
// with worldSeed. saveDir is where SaveDirty and UnloadUnused write
// chunk files; it is created on first save if missing. The store does
// not read chunk files back.
func NewChunkStore(worldSeed int64, saveDir string) *ChunkStore {
	return &ChunkStore{
		chunks:    make(map[ChunkCoord]*Chunk),
		decorated: make(map[ChunkCoord]struct{}),
		gen:       NewGenerator(worldSeed),
		saveDir:   saveDir,
	}
}

// TryGet returns the chunk at coord if it is already materialized,
// without generating it.
func (s *ChunkStore) TryGet(coord ChunkCoord) (*Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[coord]
	return c, ok
}

// LoadOrGenerate returns the chunk at coord, generating terrain-only
// content for it if it does not exist yet. Concurrent callers racing
// to generate the same coordinate converge on a single winner; the
// loser's work is discarded.
func (s *ChunkStore) LoadOrGenerate(coord ChunkCoord) (*Chunk, error) {
	if !InBounds(coord) {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidCoord, coord)
	}

	s.mu.RLock()
	if c, ok := s.chunks[coord]; ok {
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	fresh := NewChunk(coord)
	s.gen.fillTerrain(fresh)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.chunks[coord]; ok {
		return existing, nil
	}
	s.chunks[coord] = fresh
	return fresh, nil
}

// EnsureDecorated materializes coord (via LoadOrGenerate) and, the
// first time this coordinate is decorated, runs tree and boulder
// placement over it using params. Later calls are no-ops on the
// decoration step — decorating twice would place trees twice and
// break determinism.
func (s *ChunkStore) EnsureDecorated(coord ChunkCoord, params treeParams) (*Chunk, error) {
	c, err := s.LoadOrGenerate(coord)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, done := s.decorated[coord]; done {
		s.mu.Unlock()
		return c, nil
	}
	s.decorated[coord] = struct{}{}
	s.mu.Unlock()

	access := blockAccess{get: s.GetBlockGlobal, set: s.setBlockGlobalUnconditional}
	s.gen.decorate(c, access, params)
	s.gen.decorateBoulders(c)
	return c, nil
}

// GenerateDecoratedAt runs single-pass generation: terrain, then an
// immediate decoration pass with the single-pass tree probability and
// height range. This is what an on-demand ChunkRequest for a
// coordinate the initial world sweep never covered triggers.
func (s *ChunkStore) GenerateDecoratedAt(coord ChunkCoord) (*Chunk, error) {
	return s.EnsureDecorated(coord, singlePassTreeParams)
}

// SpawnAreaRadius is the chunk radius around the origin that the
// server two-pass-generates at boot, so the area every new player
// spawns into already has the denser two-pass tree placement instead
// of falling back to single-pass generation on the first ChunkRequest.
const SpawnAreaRadius = 4

// GenerateInitialTwoPass fills every chunk in the rectangular prism
// described by radius chunks from the origin (all valid cy) with
// terrain, then decorates every one of them with the two-pass tree
// probability and height range.
func (s *ChunkStore) GenerateInitialTwoPass(radius int32) error {
	var coords []ChunkCoord
	for cx := -radius; cx <= radius; cx++ {
		for cz := -radius; cz <= radius; cz++ {
			for cy := int32(WorldMinChunkY); cy <= WorldMaxChunkY; cy++ {
				coord := ChunkCoord{CX: cx, CY: cy, CZ: cz}
				if !InBounds(coord) {
					continue
				}
				if _, err := s.LoadOrGenerate(coord); err != nil {
					return err
				}
				coords = append(coords, coord)
			}
		}
	}
	for _, coord := range coords {
		if _, err := s.EnsureDecorated(coord, twoPassTreeParams); err != nil {
			return err
		}
	}
	return nil
}

// resolveOwner maps a world block coordinate to its owning chunk
// coordinate and local offsets.
func resolveOwner(worldX, worldY, worldZ int32) (coord ChunkCoord, lx, ly, lz int) {
	coord = ChunkCoord{CX: floorDiv(worldX, ChunkSize), CY: floorDiv(worldY, ChunkSize), CZ: floorDiv(worldZ, ChunkSize)}
	lx = int(worldX - coord.CX*ChunkSize)
	ly = int(worldY - coord.CY*ChunkSize)
	lz = int(worldZ - coord.CZ*ChunkSize)
	return
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// GetBlockGlobal reads one block by world coordinate. A chunk that
// does not exist yet is generated (terrain-only) on read, matching
// the streaming pipeline's expectation that a prepped neighborhood is
// always readable.
func (s *ChunkStore) GetBlockGlobal(worldX, worldY, worldZ int32) BlockID {
	coord, lx, ly, lz := resolveOwner(worldX, worldY, worldZ)
	if !InBounds(coord) {
		return Air
	}
	c, err := s.LoadOrGenerate(coord)
	if err != nil {
		return Air
	}
	return c.Get(lx, ly, lz)
}

// SetBlockGlobal resolves the owning chunk and applies the edit if it
// actually changes state, marking face-neighboring chunks dirty when
// the edit lands on a chunk boundary.
func (s *ChunkStore) SetBlockGlobal(worldX, worldY, worldZ int32, id BlockID) {
	coord, lx, ly, lz := resolveOwner(worldX, worldY, worldZ)
	if !InBounds(coord) {
		return
	}
	c, err := s.LoadOrGenerate(coord)
	if err != nil {
		return
	}
	if c.Get(lx, ly, lz) == id {
		return
	}
	c.ApplyEdit(lx, ly, lz, id)
	s.markFaceNeighborsDirty(coord, lx, ly, lz)
}

// setBlockGlobalUnconditional is the cross-chunk setter decoration
// uses: it always writes (trunk logs must win over whatever the
// neighbor already has), then marks face neighbors dirty.
func (s *ChunkStore) setBlockGlobalUnconditional(worldX, worldY, worldZ int32, id BlockID) {
	coord, lx, ly, lz := resolveOwner(worldX, worldY, worldZ)
	if !InBounds(coord) {
		return
	}
	c, err := s.LoadOrGenerate(coord)
	if err != nil {
		return
	}
	c.ApplyEdit(lx, ly, lz, id)
	s.markFaceNeighborsDirty(coord, lx, ly, lz)
}

func (s *ChunkStore) markFaceNeighborsDirty(coord ChunkCoord, lx, ly, lz int) {
	type delta struct{ dx, dy, dz int32 }
	var deltas []delta
	if lx == 0 {
		deltas = append(deltas, delta{-1, 0, 0})
	}
	if lx == ChunkSize-1 {
		deltas = append(deltas, delta{1, 0, 0})
	}
	if ly == 0 {
		deltas = append(deltas, delta{0, -1, 0})
	}
	if ly == ChunkSize-1 {
		deltas = append(deltas, delta{0, 1, 0})
	}
	if lz == 0 {
		deltas = append(deltas, delta{0, 0, -1})
	}
	if lz == ChunkSize-1 {
		deltas = append(deltas, delta{0, 0, 1})
	}
	for _, d := range deltas {
		n := ChunkCoord{CX: coord.CX + d.dx, CY: coord.CY + d.dy, CZ: coord.CZ + d.dz}
		if !InBounds(n) {
			continue
		}
		s.mu.RLock()
		nc, ok := s.chunks[n]
		s.mu.RUnlock()
		if ok {
			nc.mu.Lock()
			nc.dirty = true
			nc.mu.Unlock()
		}
	}
}

// ForEachChunk calls fn for every currently materialized chunk. fn
// must not call back into the store.
func (s *ChunkStore) ForEachChunk(fn func(*Chunk)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chunks {
		fn(c)
	}
}

// Snapshot returns every currently materialized chunk.
func (s *ChunkStore) Snapshot() []*Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	return out
}

// SaveDirty collects every dirty chunk under the store lock, then
// saves each outside the lock, clearing its dirty flag only on a
// successful write.
func (s *ChunkStore) SaveDirty() error {
	s.mu.RLock()
	var dirty []*Chunk
	for _, c := range s.chunks {
		if c.IsDirty() {
			dirty = append(dirty, c)
		}
	}
	s.mu.RUnlock()

	if len(dirty) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.saveDir, 0o755); err != nil {
		return fmt.Errorf("voxel: create save dir: %w", err)
	}

	var firstErr error
	for _, c := range dirty {
		path := filepath.Join(s.saveDir, ChunkFileName(c.Coord))
		if err := c.SaveToDisk(path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.ClearDirty()
	}
	return firstErr
}

// UnloadUnused removes, and best-effort saves, every chunk whose last
// access predates maxIdle. The store lock is held only to
// select and remove candidates; disk I/O happens after release.
func (s *ChunkStore) UnloadUnused(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	var victims []*Chunk
	for coord, c := range s.chunks {
		if c.LastAccess().Before(cutoff) {
			victims = append(victims, c)
			delete(s.chunks, coord)
			delete(s.decorated, coord)
		}
	}
	s.mu.Unlock()

	if len(victims) == 0 {
		return
	}
	if err := os.MkdirAll(s.saveDir, 0o755); err != nil {
		return
	}
	for _, c := range victims {
		path := filepath.Join(s.saveDir, ChunkFileName(c.Coord))
		_ = c.SaveToDisk(path) // best-effort; an unload is not rolled back on save failure
	}
}
