package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

const (
	// maxList bounds every decoded list or map length.
	maxList = 1 << 16
	// maxVolume bounds the block count of one chunk (edge 64).
	maxVolume = 1 << 18
	maxString = 1 << 12

	// MaxMessageBlocks bounds the blocks of all chunk records in one message.
	MaxMessageBlocks = 1 << 24
)

// Encode writes the type tag followed by the message fields.
func Encode(m Message) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.buf = append(e.buf, byte(m.Type()))
	switch v := m.(type) {
	case ClientIdentification:
		e.uvarint(uint64(v.ProtocolVersion))
		e.str(v.Name)
	case ServerConfig:
		e.bytes(v.AssetsHash)
		e.uvarint(uint64(len(v.Blocks)))
		for _, s := range v.Blocks {
			e.str(s)
		}
		e.idMap(v.Models)
		e.idMap(v.Items)
	case Disconnect:
		e.str(v.Reason)
		e.str(v.Message)
	case ChunkRequest:
		e.coords(v.Chunks)
	case UnsubscribeFromChunks:
		e.coords(v.Chunks)
	case ChunkResponse:
		e.uvarint(uint64(len(v.Chunks)))
		for _, r := range v.Chunks {
			e.vec3i(r.Coord)
			e.uvarint(uint64(len(r.Blocks)))
			e.buf = chunk.AppendRLE(e.buf, r.Blocks)
			e.buf = chunk.AppendStates(e.buf, r.States)
		}
	case BlockUpdates:
		e.vec3i(v.Chunk)
		e.uvarint(uint64(len(v.Blocks)))
		for _, b := range v.Blocks {
			e.uvarint(uint64(b.Index))
			e.uvarint(uint64(b.Block))
			e.uvarint(uint64(b.State))
		}
	case BlockEditRequest:
		e.vec3i(v.Pos)
		e.uvarint(uint64(v.Block))
		e.uvarint(uint64(v.State))
	case NewModel:
		e.uvarint(uint64(v.ID))
		e.opt(v.ParentID)
		e.dvec3(v.Position)
		e.quat(v.Rotation)
		e.vec3(v.Scale)
		e.uvarint(uint64(v.Asset))
		e.opt(v.IdleAnimation)
		e.opt(v.MovingAnimation)
	case DeleteModel:
		e.uvarint(uint64(v.ID))
	case ModelUpdateAsset:
		e.uvarint(uint64(v.ID))
		e.uvarint(uint64(v.Asset))
		e.opt(v.IdleAnimation)
		e.opt(v.MovingAnimation)
	case ModelUpdateTransform:
		e.uvarint(uint64(v.ID))
		e.dvec3(v.Position)
		e.quat(v.Rotation)
		e.vec3(v.Scale)
	case PlayerPosition:
		e.dvec3(v.Position)
		e.quat(v.Rotation)
	default:
		return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownMessage)
	}
	return e.buf, nil
}

// Decode parses one message produced by Encode. Trailing bytes are an error.
func Decode(raw []byte) (Message, error) { return DecodeVolume(raw, 0) }

// DecodeVolume is Decode with every chunk record required to hold exactly
// volume blocks. Zero accepts any volume up to the codec maximum.
func DecodeVolume(raw []byte, volume int) (Message, error) {
	if len(raw) == 0 {
		return nil, ErrTruncated
	}
	d := &decoder{buf: raw, off: 1, volume: volume, budget: MaxMessageBlocks}
	var m Message
	switch t := Type(raw[0]); t {
	case TypeClientIdentification:
		m = ClientIdentification{ProtocolVersion: d.u32(), Name: d.str()}
	case TypeServerConfig:
		var v ServerConfig
		v.AssetsHash = d.bytes()
		n := d.count(maxList)
		for i := 0; i < n && d.err == nil; i++ {
			v.Blocks = append(v.Blocks, d.str())
		}
		v.Models = d.idMap()
		v.Items = d.idMap()
		m = v
	case TypeDisconnect:
		m = Disconnect{Reason: d.str(), Message: d.str()}
	case TypeChunkRequest:
		m = ChunkRequest{Chunks: d.coords()}
	case TypeUnsubscribeFromChunks:
		m = UnsubscribeFromChunks{Chunks: d.coords()}
	case TypeChunkResponse:
		var v ChunkResponse
		n := d.count(maxList)
		for i := 0; i < n && d.err == nil; i++ {
			v.Chunks = append(v.Chunks, d.record())
		}
		m = v
	case TypeBlockUpdates:
		v := BlockUpdates{Chunk: d.vec3i()}
		n := d.count(maxVolume)
		for i := 0; i < n && d.err == nil; i++ {
			v.Blocks = append(v.Blocks, BlockUpdate{
				Index: voxel.BlockIndex(d.u32()),
				Block: chunk.BlockID(d.u16()),
				State: chunk.State(d.u16()),
			})
		}
		m = v
	case TypeBlockEditRequest:
		m = BlockEditRequest{Pos: d.vec3i(), Block: chunk.BlockID(d.u16()), State: chunk.State(d.u16())}
	case TypeNewModel:
		m = NewModel{
			ID:              d.u32(),
			ParentID:        d.opt(),
			Position:        d.dvec3(),
			Rotation:        d.quat(),
			Scale:           d.vec3(),
			Asset:           d.u32(),
			IdleAnimation:   d.opt(),
			MovingAnimation: d.opt(),
		}
	case TypeDeleteModel:
		m = DeleteModel{ID: d.u32()}
	case TypeModelUpdateAsset:
		m = ModelUpdateAsset{ID: d.u32(), Asset: d.u32(), IdleAnimation: d.opt(), MovingAnimation: d.opt()}
	case TypeModelUpdateTransform:
		m = ModelUpdateTransform{ID: d.u32(), Position: d.dvec3(), Rotation: d.quat(), Scale: d.vec3()}
	case TypePlayerPosition:
		m = PlayerPosition{Position: d.dvec3(), Rotation: d.quat()}
	default:
		return nil, fmt.Errorf("type %d: %w", t, ErrUnknownMessage)
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode %s: %w", Type(raw[0]), d.err)
	}
	if d.off != len(raw) {
		return nil, fmt.Errorf("decode %s: %d trailing bytes", Type(raw[0]), len(raw)-d.off)
	}
	return m, nil
}

type encoder struct{ buf []byte }

func (e *encoder) uvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }
func (e *encoder) varint(v int64)   { e.buf = binary.AppendVarint(e.buf, v) }

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) str(s string) {
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) vec3i(v voxel.Vec3i) {
	e.varint(int64(v.X))
	e.varint(int64(v.Y))
	e.varint(int64(v.Z))
}

func (e *encoder) coords(cs []voxel.Vec3i) {
	e.uvarint(uint64(len(cs)))
	for _, c := range cs {
		e.vec3i(c)
	}
}

// idMap writes entries sorted by name so encoding is deterministic.
func (e *encoder) idMap(m map[string]uint32) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.uvarint(uint64(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.uvarint(uint64(m[k]))
	}
}

func (e *encoder) opt(o OptionalID) {
	if !o.Set {
		e.buf = append(e.buf, 0)
		return
	}
	e.buf = append(e.buf, 1)
	e.uvarint(uint64(o.Value))
}

func (e *encoder) f32(v float32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(v)) }
func (e *encoder) f64(v float64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v)) }

func (e *encoder) dvec3(v mgl64.Vec3) {
	e.f64(v[0])
	e.f64(v[1])
	e.f64(v[2])
}

func (e *encoder) vec3(v mgl32.Vec3) {
	e.f32(v[0])
	e.f32(v[1])
	e.f32(v[2])
}

func (e *encoder) quat(q mgl32.Quat) {
	e.f32(q.W)
	e.vec3(q.V)
}

// decoder keeps the first error; later reads return zero values.
type decoder struct {
	buf []byte
	off int
	err error

	volume int
	budget int
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.buf) {
		d.fail(ErrTruncated)
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.off:])
	if n == 0 {
		d.fail(ErrTruncated)
		return 0
	}
	if n < 0 {
		d.fail(fmt.Errorf("varint overflow at %d", d.off))
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.buf) {
		d.fail(ErrTruncated)
		return 0
	}
	v, n := binary.Varint(d.buf[d.off:])
	if n == 0 {
		d.fail(ErrTruncated)
		return 0
	}
	if n < 0 {
		d.fail(fmt.Errorf("varint overflow at %d", d.off))
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) bounded(limit uint64) uint64 {
	v := d.uvarint()
	if v > limit {
		d.fail(fmt.Errorf("value %d exceeds %d", v, limit))
		return 0
	}
	return v
}

func (d *decoder) u16() uint16 { return uint16(d.bounded(math.MaxUint16)) }
func (d *decoder) u32() uint32 { return uint32(d.bounded(math.MaxUint32)) }

func (d *decoder) count(limit int) int { return int(d.bounded(uint64(limit))) }

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.off < n {
		d.fail(ErrTruncated)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) bytes() []byte {
	n := d.count(maxString)
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) str() string {
	n := d.count(maxString)
	return string(d.take(n))
}

func (d *decoder) vec3i() voxel.Vec3i {
	return voxel.Vec3i{X: int(d.varint()), Y: int(d.varint()), Z: int(d.varint())}
}

func (d *decoder) coords() []voxel.Vec3i {
	n := d.count(maxList)
	out := make([]voxel.Vec3i, 0, min(n, 256))
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.vec3i())
	}
	return out
}

func (d *decoder) idMap() map[string]uint32 {
	n := d.count(maxList)
	out := make(map[string]uint32, min(n, 256))
	for i := 0; i < n && d.err == nil; i++ {
		k := d.str()
		out[k] = d.u32()
	}
	return out
}

func (d *decoder) opt() OptionalID {
	flag := d.take(1)
	if flag == nil {
		return OptionalID{}
	}
	switch flag[0] {
	case 0:
		return OptionalID{}
	case 1:
		return Some(d.u32())
	default:
		d.fail(fmt.Errorf("bad option flag %d", flag[0]))
		return OptionalID{}
	}
}

func (d *decoder) f32() float32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func (d *decoder) f64() float64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (d *decoder) dvec3() mgl64.Vec3 { return mgl64.Vec3{d.f64(), d.f64(), d.f64()} }
func (d *decoder) vec3() mgl32.Vec3  { return mgl32.Vec3{d.f32(), d.f32(), d.f32()} }

func (d *decoder) quat() mgl32.Quat {
	w := d.f32()
	return mgl32.Quat{W: w, V: d.vec3()}
}

func (d *decoder) record() chunk.Record {
	coord := d.vec3i()
	limit := maxVolume
	if d.volume > 0 {
		limit = d.volume
	}
	volume := d.count(limit)
	if d.err != nil {
		return chunk.Record{}
	}
	if d.volume > 0 && volume != d.volume {
		d.fail(fmt.Errorf("chunk %s: volume %d, want %d", coord, volume, d.volume))
		return chunk.Record{}
	}
	if volume > d.budget {
		d.fail(fmt.Errorf("chunk %s: message exceeds %d blocks", coord, MaxMessageBlocks))
		return chunk.Record{}
	}
	d.budget -= volume
	blocks, n, err := chunk.ReadRLE(d.buf[d.off:], volume)
	if err != nil {
		d.fail(err)
		return chunk.Record{}
	}
	d.off += n
	states, n, err := chunk.ReadStates(d.buf[d.off:], volume)
	if err != nil {
		d.fail(err)
		return chunk.Record{}
	}
	d.off += n
	return chunk.Record{Coord: coord, Blocks: blocks, States: states}
}
