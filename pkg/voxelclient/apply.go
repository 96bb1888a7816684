// Package voxelclient implements the receiving half of the chunk
// streaming protocol: the client-side state a viewer keeps to validate
// and apply ChunkData/ChunkDelta/ChunkUnload packets and to build the
// acks the server's streaming pipeline reconciles against. It is built
// directly from the wire formats pkg/wire and pkg/voxel already
// define, reusing voxel.Chunk as the client's own mirror of a chunk
// rather than inventing a second block-storage type.
package voxelclient

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/blockrealm/voxeld/pkg/voxel"
	"github.com/blockrealm/voxeld/pkg/wire"
)

// NoOpSlack is the allowance in the ChunkDelta version-gap check: a
// delta is accepted as long as resultingVersion does not exceed
// knownVersion + editCount + NoOpSlack.
const NoOpSlack = 64

var (
	ErrMalformedPayload = errors.New("voxelclient: malformed chunk payload")
	ErrCoordMismatch    = errors.New("voxelclient: payload header disagrees with outer coord")
	ErrReservedFlags    = errors.New("voxelclient: inner payload has reserved flag bits set")
	ErrDataSizeMismatch = errors.New("voxelclient: inner payload dataSize does not match chunk volume")
	ErrVersionMismatch  = errors.New("voxelclient: outer packet version disagrees with inner payload version")
	ErrMissingBaseChunk = errors.New("voxelclient: delta references a chunk with no local base")
	ErrVersionGap       = errors.New("voxelclient: delta version gap exceeds the no-op slack")
)

// ClientState is one viewer's mirror of the chunks it has been sent.
// The zero value is not usable; construct with NewClientState.
type ClientState struct {
	mu     sync.Mutex
	chunks map[voxel.ChunkCoord]*voxel.Chunk
	known  map[voxel.ChunkCoord]uint64
}

// NewClientState builds an empty client mirror.
func NewClientState() *ClientState {
	return &ClientState{
		chunks: make(map[voxel.ChunkCoord]*voxel.Chunk),
		known:  make(map[voxel.ChunkCoord]uint64),
	}
}

// Chunk returns the locally held chunk for coord, if any.
func (s *ClientState) Chunk(coord voxel.ChunkCoord) (*voxel.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[coord]
	return c, ok
}

// KnownVersion returns the last version this state recorded for
// coord, or 0 if it has never seen one.
func (s *ClientState) KnownVersion(coord voxel.ChunkCoord) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[coord]
}

func fnv1a32(data []byte) uint32 {
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32()
}

// innerHeader is the fixed-size prefix of a chunk payload, ahead of
// the raw block array.
type innerHeader struct {
	coord      voxel.ChunkCoord
	version    uint64
	innerFlags byte
	rawDataLen int32
}

const innerHeaderSize = 4*3 + 8 + 1 + 4

func parseInnerHeader(data []byte) (innerHeader, error) {
	if len(data) < innerHeaderSize {
		return innerHeader{}, ErrMalformedPayload
	}
	o := 0
	cx := int32(binary.LittleEndian.Uint32(data[o:]))
	o += 4
	cy := int32(binary.LittleEndian.Uint32(data[o:]))
	o += 4
	cz := int32(binary.LittleEndian.Uint32(data[o:]))
	o += 4
	version := binary.LittleEndian.Uint64(data[o:])
	o += 8
	flags := data[o]
	o++
	rawLen := int32(binary.LittleEndian.Uint32(data[o:]))
	return innerHeader{
		coord:      voxel.ChunkCoord{CX: cx, CY: cy, CZ: cz},
		version:    version,
		innerFlags: flags,
		rawDataLen: rawLen,
	}, nil
}

// ApplyChunkData validates and applies an inbound ChunkData packet.
// On success it replaces local state for the chunk, records its
// version, and returns the ack to send back with applied=true. A
// stale packet (version already known) is not an error: applied is
// false and err is nil — the server is expected to resend in order,
// and a stale packet just means this one lost a race.
func (s *ClientState) ApplyChunkData(pkt wire.ChunkData) (ack wire.ChunkAck, applied bool, err error) {
	raw, err := voxel.DecompressFromWire(pkt.Payload, pkt.Flags&wire.FlagCompressed != 0)
	if err != nil {
		return wire.ChunkAck{}, false, err
	}

	hdr, err := parseInnerHeader(raw)
	if err != nil {
		return wire.ChunkAck{}, false, err
	}
	outerCoord := voxel.ChunkCoord{CX: pkt.CX, CY: pkt.CY, CZ: pkt.CZ}
	if hdr.coord != outerCoord {
		return wire.ChunkAck{}, false, ErrCoordMismatch
	}
	if hdr.innerFlags != 0 {
		return wire.ChunkAck{}, false, ErrReservedFlags
	}
	if hdr.rawDataLen != voxel.BlocksPerChunk {
		return wire.ChunkAck{}, false, ErrDataSizeMismatch
	}
	if hdr.version != pkt.Version {
		return wire.ChunkAck{}, false, ErrVersionMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if hdr.version <= s.known[outerCoord] {
		return wire.ChunkAck{}, false, nil
	}

	chunk := voxel.NewChunk(outerCoord)
	if !chunk.DeserializeCompressed(raw) {
		return wire.ChunkAck{}, false, ErrMalformedPayload
	}
	s.chunks[outerCoord] = chunk
	s.known[outerCoord] = hdr.version

	encoded, err := wire.Encode(pkt)
	if err != nil {
		return wire.ChunkAck{}, false, err
	}

	return wire.ChunkAck{
		AckedType: wire.TagChunkData,
		Sequence:  fnv1a32(encoded),
		CX:        pkt.CX, CY: pkt.CY, CZ: pkt.CZ,
		Version: hdr.version,
	}, true, nil
}

// ApplyChunkDelta validates and applies an inbound ChunkDelta. The
// chunk's own version counter is left to drift from resultingVersion —
// this mirror tracks authoritative version itself in s.known rather
// than trusting voxel.Chunk's per-edit counter, since a delta's
// editCount and its resultingVersion gap are allowed to disagree by up
// to NoOpSlack.
func (s *ClientState) ApplyChunkDelta(pkt wire.ChunkDelta) (ack wire.ChunkAck, applied bool, err error) {
	coord := voxel.ChunkCoord{CX: pkt.CX, CY: pkt.CY, CZ: pkt.CZ}

	s.mu.Lock()
	defer s.mu.Unlock()

	chunk, ok := s.chunks[coord]
	if !ok {
		return wire.ChunkAck{}, false, ErrMissingBaseChunk
	}

	known := s.known[coord]
	if pkt.ResultingVersion <= known {
		return wire.ChunkAck{}, false, nil
	}
	if pkt.ResultingVersion > known+uint64(len(pkt.Edits))+NoOpSlack {
		return wire.ChunkAck{}, false, ErrVersionGap
	}

	for _, e := range pkt.Edits {
		lx, ly, lz := int(e.LX), int(e.LY), int(e.LZ)
		if lx < 0 || lx >= voxel.ChunkSize || ly < 0 || ly >= voxel.ChunkSize || lz < 0 || lz >= voxel.ChunkSize {
			continue
		}
		chunk.ApplyEdit(lx, ly, lz, e.BlockID)
	}
	s.known[coord] = pkt.ResultingVersion

	return wire.ChunkAck{
		AckedType: wire.TagChunkDelta,
		Sequence:  0,
		CX:        pkt.CX, CY: pkt.CY, CZ: pkt.CZ,
		Version: pkt.ResultingVersion,
	}, true, nil
}

// ApplyChunkUnload drops local state for the chunk and returns the ack
// to send back.
func (s *ClientState) ApplyChunkUnload(pkt wire.ChunkUnload) wire.ChunkAck {
	coord := voxel.ChunkCoord{CX: pkt.CX, CY: pkt.CY, CZ: pkt.CZ}

	s.mu.Lock()
	delete(s.chunks, coord)
	delete(s.known, coord)
	s.mu.Unlock()

	return wire.ChunkAck{
		AckedType: wire.TagChunkUnload,
		CX:        pkt.CX, CY: pkt.CY, CZ: pkt.CZ,
	}
}
