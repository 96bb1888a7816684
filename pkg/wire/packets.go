package wire

import "io"

// --- Message ---

type Message struct {
	Text string
}

func (Message) Tag() Tag { return TagMessage }

func (p Message) encodeBody(w io.Writer) error { return writeString(w, p.Text) }

func decodeMessage(r io.Reader) (Packet, error) {
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	return Message{Text: s}, nil
}

// --- ConnectRequest ---

// ConnectRequest carries a client-requested username. The server
// ignores this value and always allocates a player#### name instead —
// the field is still decoded so the wire format round-trips.
type ConnectRequest struct {
	Username string
}

func (ConnectRequest) Tag() Tag { return TagConnectRequest }

func (p ConnectRequest) encodeBody(w io.Writer) error { return writeString(w, p.Username) }

func decodeConnectRequest(r io.Reader) (Packet, error) {
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	return ConnectRequest{Username: s}, nil
}

// --- ConnectResponse ---

type ConnectResponse struct {
	OK bool
}

func (ConnectResponse) Tag() Tag { return TagConnectResponse }

func (p ConnectResponse) encodeBody(w io.Writer) error { return writeBool(w, p.OK) }

func decodeConnectResponse(r io.Reader) (Packet, error) {
	ok, err := readBool(r)
	if err != nil {
		return nil, err
	}
	return ConnectResponse{OK: ok}, nil
}

// --- ClientConnect ---

type ClientConnect struct {
	Username string
}

func (ClientConnect) Tag() Tag { return TagClientConnect }

func (p ClientConnect) encodeBody(w io.Writer) error { return writeString(w, p.Username) }

func decodeClientConnect(r io.Reader) (Packet, error) {
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	return ClientConnect{Username: s}, nil
}

// --- ClientDisconnect ---

type ClientDisconnect struct {
	Username string
}

func (ClientDisconnect) Tag() Tag { return TagClientDisconnect }

func (p ClientDisconnect) encodeBody(w io.Writer) error { return writeString(w, p.Username) }

func decodeClientDisconnect(r io.Reader) (Packet, error) {
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	return ClientDisconnect{Username: s}, nil
}

// --- PlayerSnapshot ---

// PlayerSnapshotEntry is one player's record inside a PlayerSnapshot.
type PlayerSnapshotEntry struct {
	ID                 uint64
	PX, PY, PZ         float32
	VX, VY, VZ         float32
	Yaw, Pitch         float32
	OnGround           bool
}

type PlayerSnapshot struct {
	Players []PlayerSnapshotEntry
}

func (PlayerSnapshot) Tag() Tag { return TagPlayerSnapshot }

func (p PlayerSnapshot) encodeBody(w io.Writer) error {
	if err := writeUint32(w, uint32(len(p.Players))); err != nil {
		return err
	}
	for _, e := range p.Players {
		if err := writeUint64(w, e.ID); err != nil {
			return err
		}
		for _, f := range []float32{e.PX, e.PY, e.PZ, e.VX, e.VY, e.VZ, e.Yaw, e.Pitch} {
			if err := writeFloat32(w, f); err != nil {
				return err
			}
		}
		if err := writeBool(w, e.OnGround); err != nil {
			return err
		}
	}
	return nil
}

func decodePlayerSnapshot(r io.Reader) (Packet, error) {
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	const maxPlayers = 1 << 20 // sanity ceiling against a corrupt/hostile count field
	if count > maxPlayers {
		return nil, ErrMalformed
	}
	var entries []PlayerSnapshotEntry
	if count > 0 {
		entries = make([]PlayerSnapshotEntry, 0, count)
	}
	for i := uint32(0); i < count; i++ {
		id, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		var fs [8]float32
		for j := range fs {
			fs[j], err = readFloat32(r)
			if err != nil {
				return nil, err
			}
		}
		onGround, err := readBool(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, PlayerSnapshotEntry{
			ID: id,
			PX: fs[0], PY: fs[1], PZ: fs[2],
			VX: fs[3], VY: fs[4], VZ: fs[5],
			Yaw: fs[6], Pitch: fs[7],
			OnGround: onGround,
		})
	}
	return PlayerSnapshot{Players: entries}, nil
}

// --- PlayerPosition ---

// PlayerPosition is the client's authoritative self-report of position
// and velocity. It intentionally carries no view-interest fields —
// that's ChunkRequest's job — streaming interest is never driven from
// a position update.
type PlayerPosition struct {
	Seq        uint32
	X, Y, Z    float32
	VX, VY, VZ float32
}

func (PlayerPosition) Tag() Tag { return TagPlayerPosition }

func (p PlayerPosition) encodeBody(w io.Writer) error {
	if err := writeUint32(w, p.Seq); err != nil {
		return err
	}
	for _, f := range []float32{p.X, p.Y, p.Z, p.VX, p.VY, p.VZ} {
		if err := writeFloat32(w, f); err != nil {
			return err
		}
	}
	return nil
}

func decodePlayerPosition(r io.Reader) (Packet, error) {
	seq, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	var fs [6]float32
	for i := range fs {
		fs[i], err = readFloat32(r)
		if err != nil {
			return nil, err
		}
	}
	return PlayerPosition{Seq: seq, X: fs[0], Y: fs[1], Z: fs[2], VX: fs[3], VY: fs[4], VZ: fs[5]}, nil
}

// --- ShootRequest ---

type ShootRequest struct {
	ShotID   uint32
	Tick     uint32
	Weapon   uint16
	PosX, PosY, PosZ float32
	DirX, DirY, DirZ float32
	Seed  uint32
	Flags byte
}

func (ShootRequest) Tag() Tag { return TagShootRequest }

func (p ShootRequest) encodeBody(w io.Writer) error {
	if err := writeUint32(w, p.ShotID); err != nil {
		return err
	}
	if err := writeUint32(w, p.Tick); err != nil {
		return err
	}
	if err := writeUint16(w, p.Weapon); err != nil {
		return err
	}
	for _, f := range []float32{p.PosX, p.PosY, p.PosZ, p.DirX, p.DirY, p.DirZ} {
		if err := writeFloat32(w, f); err != nil {
			return err
		}
	}
	if err := writeUint32(w, p.Seed); err != nil {
		return err
	}
	return writeUint8(w, p.Flags)
}

func decodeShootRequest(r io.Reader) (Packet, error) {
	shotID, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	tick, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	weapon, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	var fs [6]float32
	for i := range fs {
		fs[i], err = readFloat32(r)
		if err != nil {
			return nil, err
		}
	}
	seed, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	flags, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	return ShootRequest{
		ShotID: shotID, Tick: tick, Weapon: weapon,
		PosX: fs[0], PosY: fs[1], PosZ: fs[2],
		DirX: fs[3], DirY: fs[4], DirZ: fs[5],
		Seed: seed, Flags: flags,
	}, nil
}

// --- ShootResult ---

type ShootResult struct {
	ShotID      uint32
	Tick        uint32
	Accepted    bool
	DidHit      bool
	HitEntity   int32
	HitX, HitY, HitZ       float32
	NormalX, NormalY, NormalZ float32
	Damage      float32
	Ammo        uint16
	ServerSeed  uint32
}

func (ShootResult) Tag() Tag { return TagShootResult }

func (p ShootResult) encodeBody(w io.Writer) error {
	if err := writeUint32(w, p.ShotID); err != nil {
		return err
	}
	if err := writeUint32(w, p.Tick); err != nil {
		return err
	}
	if err := writeBool(w, p.Accepted); err != nil {
		return err
	}
	if err := writeBool(w, p.DidHit); err != nil {
		return err
	}
	if err := writeInt32(w, p.HitEntity); err != nil {
		return err
	}
	for _, f := range []float32{p.HitX, p.HitY, p.HitZ, p.NormalX, p.NormalY, p.NormalZ, p.Damage} {
		if err := writeFloat32(w, f); err != nil {
			return err
		}
	}
	if err := writeUint16(w, p.Ammo); err != nil {
		return err
	}
	return writeUint32(w, p.ServerSeed)
}

func decodeShootResult(r io.Reader) (Packet, error) {
	shotID, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	tick, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	accepted, err := readBool(r)
	if err != nil {
		return nil, err
	}
	didHit, err := readBool(r)
	if err != nil {
		return nil, err
	}
	hitEntity, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	var fs [7]float32
	for i := range fs {
		fs[i], err = readFloat32(r)
		if err != nil {
			return nil, err
		}
	}
	ammo, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	serverSeed, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	return ShootResult{
		ShotID: shotID, Tick: tick, Accepted: accepted, DidHit: didHit, HitEntity: hitEntity,
		HitX: fs[0], HitY: fs[1], HitZ: fs[2],
		NormalX: fs[3], NormalY: fs[4], NormalZ: fs[5],
		Damage: fs[6], Ammo: ammo, ServerSeed: serverSeed,
	}, nil
}

// --- ChunkRequest ---

type ChunkRequest struct {
	CX, CY, CZ int32
	ViewDist   uint16
}

func (ChunkRequest) Tag() Tag { return TagChunkRequest }

func (p ChunkRequest) encodeBody(w io.Writer) error {
	if err := writeInt32(w, p.CX); err != nil {
		return err
	}
	if err := writeInt32(w, p.CY); err != nil {
		return err
	}
	if err := writeInt32(w, p.CZ); err != nil {
		return err
	}
	return writeUint16(w, p.ViewDist)
}

func decodeChunkRequest(r io.Reader) (Packet, error) {
	cx, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cy, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cz, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	vd, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	return ChunkRequest{CX: cx, CY: cy, CZ: cz, ViewDist: vd}, nil
}

// --- ChunkData ---

// ChunkData flag bits. All bits beyond FlagCompressed are
// reserved and must be zero.
const (
	FlagCompressed byte = 1 << 0
	reservedFlagsMask byte = ^FlagCompressed
)

type ChunkData struct {
	CX, CY, CZ int32
	Version    uint64
	Flags      byte
	Payload    []byte
}

func (ChunkData) Tag() Tag { return TagChunkData }

func (p ChunkData) encodeBody(w io.Writer) error {
	if err := writeInt32(w, p.CX); err != nil {
		return err
	}
	if err := writeInt32(w, p.CY); err != nil {
		return err
	}
	if err := writeInt32(w, p.CZ); err != nil {
		return err
	}
	if err := writeUint64(w, p.Version); err != nil {
		return err
	}
	if err := writeUint8(w, p.Flags); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(p.Payload))); err != nil {
		return err
	}
	_, err := w.Write(p.Payload)
	return err
}

func decodeChunkData(r io.Reader) (Packet, error) {
	cx, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cy, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cz, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	version, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	flags, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	const maxPayload = 64 << 20
	if n > maxPayload {
		return nil, ErrMalformed
	}
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := readFull(r, payload); err != nil {
			return nil, err
		}
	}
	return ChunkData{CX: cx, CY: cy, CZ: cz, Version: version, Flags: flags, Payload: payload}, nil
}

func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return n, ErrMalformed
	}
	return n, nil
}

// --- ChunkDelta ---

type ChunkEdit struct {
	LX, LY, LZ byte
	BlockID    byte
}

type ChunkDelta struct {
	CX, CY, CZ       int32
	ResultingVersion uint64
	Edits            []ChunkEdit
}

func (ChunkDelta) Tag() Tag { return TagChunkDelta }

func (p ChunkDelta) encodeBody(w io.Writer) error {
	if err := writeInt32(w, p.CX); err != nil {
		return err
	}
	if err := writeInt32(w, p.CY); err != nil {
		return err
	}
	if err := writeInt32(w, p.CZ); err != nil {
		return err
	}
	if err := writeUint64(w, p.ResultingVersion); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(p.Edits))); err != nil {
		return err
	}
	for _, e := range p.Edits {
		if _, err := w.Write([]byte{e.LX, e.LY, e.LZ, e.BlockID}); err != nil {
			return err
		}
	}
	return nil
}

func decodeChunkDelta(r io.Reader) (Packet, error) {
	cx, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cy, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cz, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	rv, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	const maxEdits = 1 << 20
	if n > maxEdits {
		return nil, ErrMalformed
	}
	edits := make([]ChunkEdit, n)
	for i := range edits {
		var b [4]byte
		if _, err := readFull(r, b[:]); err != nil {
			return nil, err
		}
		edits[i] = ChunkEdit{LX: b[0], LY: b[1], LZ: b[2], BlockID: b[3]}
	}
	return ChunkDelta{CX: cx, CY: cy, CZ: cz, ResultingVersion: rv, Edits: edits}, nil
}

// --- ChunkUnload ---

type ChunkUnload struct {
	CX, CY, CZ int32
}

func (ChunkUnload) Tag() Tag { return TagChunkUnload }

func (p ChunkUnload) encodeBody(w io.Writer) error {
	if err := writeInt32(w, p.CX); err != nil {
		return err
	}
	if err := writeInt32(w, p.CY); err != nil {
		return err
	}
	return writeInt32(w, p.CZ)
}

func decodeChunkUnload(r io.Reader) (Packet, error) {
	cx, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cy, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cz, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	return ChunkUnload{CX: cx, CY: cy, CZ: cz}, nil
}

// --- ChunkAck ---

type ChunkAck struct {
	AckedType  Tag
	Sequence   uint32
	CX, CY, CZ int32
	Version    uint64
}

func (ChunkAck) Tag() Tag { return TagChunkAck }

func (p ChunkAck) encodeBody(w io.Writer) error {
	if err := writeUint8(w, byte(p.AckedType)); err != nil {
		return err
	}
	if err := writeUint32(w, p.Sequence); err != nil {
		return err
	}
	if err := writeInt32(w, p.CX); err != nil {
		return err
	}
	if err := writeInt32(w, p.CY); err != nil {
		return err
	}
	if err := writeInt32(w, p.CZ); err != nil {
		return err
	}
	return writeUint64(w, p.Version)
}

func decodeChunkAck(r io.Reader) (Packet, error) {
	ackedType, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	seq, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	cx, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cy, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cz, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	version, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	return ChunkAck{AckedType: Tag(ackedType), Sequence: seq, CX: cx, CY: cy, CZ: cz, Version: version}, nil
}
