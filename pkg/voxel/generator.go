package voxel

import (
	"math"
	"math/rand"
)

// BlockWorldMinY and BlockWorldMaxY are the block-level vertical
// extents the terrain height formula operates over; they are
// 16x the chunk-grid vertical bounds so that a chunk anywhere in
// [WorldMinChunkY, WorldMaxChunkY] sits inside a column that actually
// has a defined height.
const (
	BlockWorldMinY = WorldMinChunkY * ChunkSize
	BlockWorldMaxY = WorldMaxChunkY * ChunkSize
)

const (
	terrainOctaves     = 6
	terrainBaseFreq    = 0.009
	terrainLacunarity  = 2.0
	terrainPersistence = 0.5
)

// Generator produces deterministic terrain and decoration for a
// single world seed. It owns no chunk state; ChunkStore calls into it
// to fill chunks it has already allocated.
type Generator struct {
	seed  int64
	noise *perlin
}

// NewGenerator seeds a noise generator from the low 31 bits of
// worldSeed.
func NewGenerator(worldSeed int64) *Generator {
	return &Generator{
		seed:  worldSeed,
		noise: newPerlin(worldSeed & 0x7FFFFFFF),
	}
}

// heightAt returns the terrain surface height, in world (block) Y, for
// a column. The 1.9 starting amplitude cancels out under
// octave normalization (the ratio of weighted noise to total weight is
// invariant to a constant amplitude scale), so octaveNoise2D starts
// from an amplitude of 1 and the 1.9 does not appear in the code.
func (g *Generator) heightAt(worldX, worldZ int32) int32 {
	n := g.noise.octaveNoise2D(
		float64(worldX)*terrainBaseFreq,
		float64(worldZ)*terrainBaseFreq,
		terrainOctaves, terrainLacunarity, terrainPersistence,
	)
	yrange := float64(BlockWorldMaxY - BlockWorldMinY)
	h := float64(BlockWorldMinY) + (n+1)/2*yrange
	return int32(math.Floor(h))
}

// terrainBlockAt returns the block a bare terrain pass assigns to
// world coordinates (worldX, worldY, worldZ), given the column's
// precomputed surface height.
func terrainBlockAt(worldY, height int32) BlockID {
	switch {
	case worldY == BlockWorldMinY:
		return Bedrock
	case worldY < height-2:
		return Stone
	case worldY < height-1:
		return Dirt
	case worldY < height:
		return Grass
	default:
		return Air
	}
}

// fillTerrain writes the terrain-only pass into an already-allocated
// chunk: one height sample per column, then a vertical block-kind
// assignment.
func (g *Generator) fillTerrain(c *Chunk) {
	for lz := 0; lz < ChunkSize; lz++ {
		for lx := 0; lx < ChunkSize; lx++ {
			worldX := c.Coord.CX*ChunkSize + int32(lx)
			worldZ := c.Coord.CZ*ChunkSize + int32(lz)
			height := g.heightAt(worldX, worldZ)
			for ly := 0; ly < ChunkSize; ly++ {
				worldY := c.Coord.CY*ChunkSize + int32(ly)
				id := terrainBlockAt(worldY, height)
				if id != Air {
					c.blocks[index(lx, ly, lz)] = id
					c.nonAirCount++
				}
			}
		}
	}
}

// chunkDecorationSeed mixes the chunk coordinate and world seed into a
// 32-bit value using three mixing primes. It is the seed for this
// chunk's deterministic tree/boulder RNG, so decorating the same
// chunk twice with the same world seed always produces the same
// result.
func chunkDecorationSeed(coord ChunkCoord, worldSeed int64) uint32 {
	h := uint32(coord.CX)*73856093 ^ uint32(coord.CY)*19349663 ^ uint32(coord.CZ)*83492791
	h ^= uint32(worldSeed)
	return h
}

// blockAccess lets decoration reach across chunk boundaries without
// this package depending on the store's locking for every single
// block touch inside placeTree's loops. ChunkStore supplies both
// callbacks bound to itself.
type blockAccess struct {
	get func(worldX, worldY, worldZ int32) BlockID
	set func(worldX, worldY, worldZ int32, id BlockID)
}

// treeParams captures the two-pass/single-pass probability and height
// distinction — the only place this system
// deviates from the original game's single fixed 0.02/[10,14] rule.
type treeParams struct {
	chance         float64
	trunkHeightMin int
	trunkHeightMax int
}

var twoPassTreeParams = treeParams{chance: 0.02, trunkHeightMin: 10, trunkHeightMax: 14}
var singlePassTreeParams = treeParams{chance: 0.003, trunkHeightMin: 6, trunkHeightMax: 10}

// decorate runs the tree-placement sweep over one already-terrain-filled
// chunk, using the access functions for block I/O so that a tree whose
// crown crosses the chunk boundary can write into neighbors.
func (g *Generator) decorate(c *Chunk, access blockAccess, params treeParams) {
	seed := chunkDecorationSeed(c.Coord, g.seed)
	rng := rand.New(rand.NewSource(int64(seed)))

	c.mu.RLock()
	blocksSnapshot := c.blocks
	c.mu.RUnlock()

	for lz := 0; lz < ChunkSize; lz++ {
		for lx := 0; lx < ChunkSize; lx++ {
			topLY := -1
			for ly := ChunkSize - 1; ly >= 0; ly-- {
				if blocksSnapshot[index(lx, ly, lz)] == Grass {
					topLY = ly
					break
				}
			}
			if topLY == -1 {
				continue
			}
			if rng.Float64() >= params.chance {
				continue
			}
			baseWorldX := c.Coord.CX*ChunkSize + int32(lx)
			baseWorldY := c.Coord.CY*ChunkSize + int32(topLY) + 1
			baseWorldZ := c.Coord.CZ*ChunkSize + int32(lz)
			placeTree(access, rng, baseWorldX, baseWorldY, baseWorldZ, params)
		}
	}
}

// placeTree grows one tree rooted at (baseWorldX, baseWorldY, baseWorldZ):
// a 2x2 log trunk, a two-layer crown of radius 4 with a smoothstep hole
// probability along its edge, and a radius-2 taper cap. Leaves only
// overwrite air; trunk logs always overwrite whatever is there.
func placeTree(access blockAccess, rng *rand.Rand, baseWorldX, baseWorldY, baseWorldZ int32, params treeParams) {
	trunkHeight := params.trunkHeightMin + rng.Intn(params.trunkHeightMax-params.trunkHeightMin+1)

	trunkOffsets := [4][2]int32{{0, 0}, {1, 0}, {0, 1}, {1, 1}}

	for i := int32(0); i < int32(trunkHeight); i++ {
		y := baseWorldY + i
		for _, off := range trunkOffsets {
			access.set(baseWorldX+off[0], y, baseWorldZ+off[1], Log)
		}
	}

	topY := baseWorldY + int32(trunkHeight) - 1
	const crownThickness = 2
	const crownRadius = 4

	for dy := int32(0); dy < crownThickness; dy++ {
		layerY := topY + dy
		for dx := -crownRadius; dx <= crownRadius; dx++ {
			for dz := -crownRadius; dz <= crownRadius; dz++ {
				dist := math.Sqrt(float64(dx*dx + dz*dz))
				if dist > crownRadius+0.25 {
					continue
				}
				edgeFactor := dist / crownRadius
				skipProb := smoothstep(0.7, 1.0, edgeFactor) * 0.65
				if dy == 0 {
					skipProb *= 0.55
				}
				if rng.Float64() < skipProb {
					continue
				}
				x, z := baseWorldX+int32(dx), baseWorldZ+int32(dz)
				if access.get(x, layerY, z) == Air {
					access.set(x, layerY, z, Leaves)
				}
			}
		}
	}

	taperRadius := crownRadius - 2
	if taperRadius < 1 {
		taperRadius = 1
	}
	taperY := topY + crownThickness
	for dx := -taperRadius; dx <= taperRadius; dx++ {
		for dz := -taperRadius; dz <= taperRadius; dz++ {
			dist := math.Sqrt(float64(dx*dx + dz*dz))
			if dist > float64(taperRadius)+0.25 {
				continue
			}
			x, z := baseWorldX+int32(dx), baseWorldZ+int32(dz)
			if access.get(x, taperY, z) != Air {
				continue
			}
			if dist > float64(taperRadius)-0.5 && rng.Float64() < 0.25 {
				continue
			}
			access.set(x, taperY, z, Leaves)
		}
	}

	// Re-stamp the trunk so every trunk cell ends up a log. The crown
	// and taper passes above only write into air cells, so they never
	// overwrite a log themselves.
	for i := int32(0); i < int32(trunkHeight); i++ {
		y := baseWorldY + i
		for _, off := range trunkOffsets {
			x, z := baseWorldX+off[0], baseWorldZ+off[1]
			if access.get(x, y, z) != Log {
				access.set(x, y, z, Log)
			}
		}
	}
}

func smoothstep(edge0, edge1, x float64) float64 {
	t := (x - edge0) / (edge1 - edge0)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return t * t * (3 - 2*t)
}

// boulderDensity is the base per-column probability of a boulder
// cluster attempt, modulated by the low-frequency cluster noise below.
// This decoration supplement has no effect on tree placement and never
// writes outside the chunk it is applied to.
const boulderDensity = 0.01
const boulderClusterScale = 0.02
const boulderRadius = 2

// decorateBoulders scatters small surface rock clusters as a
// supplement to the tree pass, gated by simple per-column noise
// instead of a biome table (this world has none).
func (g *Generator) decorateBoulders(c *Chunk) {
	c.mu.RLock()
	blocksSnapshot := c.blocks
	c.mu.RUnlock()

	for lz := boulderRadius; lz < ChunkSize-boulderRadius; lz++ {
		for lx := boulderRadius; lx < ChunkSize-boulderRadius; lx++ {
			worldX := c.Coord.CX*ChunkSize + int32(lx)
			worldZ := c.Coord.CZ*ChunkSize + int32(lz)

			cluster := (g.noise.noise2D(float64(worldX)*boulderClusterScale, float64(worldZ)*boulderClusterScale) + 1) / 2
			hash := pointHash(worldX, worldZ, g.seed)
			roll := float64(hash) / float64(^uint32(0))
			if roll > boulderDensity*cluster*2 {
				continue
			}

			topLY := -1
			for ly := ChunkSize - 1; ly >= 0; ly-- {
				b := blocksSnapshot[index(lx, ly, lz)]
				if b == Grass || b == Dirt {
					topLY = ly
					break
				}
			}
			if topLY < 0 || topLY+1 >= ChunkSize {
				continue
			}
			for dx := -boulderRadius; dx <= boulderRadius; dx++ {
				for dz := -boulderRadius; dz <= boulderRadius; dz++ {
					if dx*dx+dz*dz > boulderRadius*boulderRadius {
						continue
					}
					x, z := lx+dx, lz+dz
					if x < 0 || x >= ChunkSize || z < 0 || z >= ChunkSize {
						continue
					}
					if c.Get(x, topLY+1, z) == Air {
						c.ApplyEdit(x, topLY+1, z, Stone)
					}
				}
			}
		}
	}
}

func pointHash(x, z int32, seed int64) uint32 {
	h := uint32(x)*142071 ^ uint32(z)*650021 ^ uint32(seed+42)
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
