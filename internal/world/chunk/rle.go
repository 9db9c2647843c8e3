package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"voxelsync.dev/internal/voxel"
)

var errShortBuffer = errors.New("short buffer")

// AppendRLE appends ids as uvarint(run count) followed by (id, run) uvarint
// pairs.
func AppendRLE(dst []byte, ids []BlockID) []byte {
	var runs int
	for i := 0; i < len(ids); {
		j := i + 1
		for j < len(ids) && ids[j] == ids[i] {
			j++
		}
		runs++
		i = j
	}
	dst = binary.AppendUvarint(dst, uint64(runs))
	for i := 0; i < len(ids); {
		j := i + 1
		for j < len(ids) && ids[j] == ids[i] {
			j++
		}
		dst = binary.AppendUvarint(dst, uint64(ids[i]))
		dst = binary.AppendUvarint(dst, uint64(j-i))
		i = j
	}
	return dst
}

// ReadRLE decodes exactly volume ids and returns the bytes consumed.
func ReadRLE(src []byte, volume int) ([]BlockID, int, error) {
	runs, off, err := uvarint(src, 0)
	if err != nil {
		return nil, 0, err
	}
	if runs > uint64(volume) {
		return nil, 0, fmt.Errorf("rle: %d runs exceed volume %d", runs, volume)
	}
	out := make([]BlockID, 0, volume)
	for r := uint64(0); r < runs; r++ {
		var id, n uint64
		if id, off, err = uvarint(src, off); err != nil {
			return nil, 0, err
		}
		if n, off, err = uvarint(src, off); err != nil {
			return nil, 0, err
		}
		if id > 0xFFFF {
			return nil, 0, fmt.Errorf("rle: block id too large: %d", id)
		}
		if n == 0 || n > uint64(volume-len(out)) {
			return nil, 0, fmt.Errorf("rle: run of %d overflows volume %d", n, volume)
		}
		for k := uint64(0); k < n; k++ {
			out = append(out, BlockID(id))
		}
	}
	if len(out) != volume {
		return nil, 0, fmt.Errorf("rle: decoded %d ids, want %d", len(out), volume)
	}
	return out, off, nil
}

// AppendStates appends uvarint(count) followed by (index, state) pairs.
func AppendStates(dst []byte, states []StateEntry) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(states)))
	for _, e := range states {
		dst = binary.AppendUvarint(dst, uint64(e.Index))
		dst = binary.AppendUvarint(dst, uint64(e.State))
	}
	return dst
}

func ReadStates(src []byte, volume int) ([]StateEntry, int, error) {
	count, off, err := uvarint(src, 0)
	if err != nil {
		return nil, 0, err
	}
	if count > uint64(volume) {
		return nil, 0, fmt.Errorf("states: %d entries exceed volume %d", count, volume)
	}
	out := make([]StateEntry, 0, count)
	for k := uint64(0); k < count; k++ {
		var idx, st uint64
		if idx, off, err = uvarint(src, off); err != nil {
			return nil, 0, err
		}
		if st, off, err = uvarint(src, off); err != nil {
			return nil, 0, err
		}
		if idx >= uint64(volume) || st > 0xFFFF {
			return nil, 0, fmt.Errorf("states: entry (%d, %d) out of range", idx, st)
		}
		out = append(out, StateEntry{Index: voxel.BlockIndex(idx), State: State(st)})
	}
	return out, off, nil
}

// MarshalBinary encodes blocks and states; the coordinate is stored by the caller.
func (r Record) MarshalBinary() ([]byte, error) {
	buf := AppendRLE(nil, r.Blocks)
	return AppendStates(buf, r.States), nil
}

// UnmarshalRecord is the inverse of Record.MarshalBinary.
func UnmarshalRecord(coord voxel.Vec3i, raw []byte, volume int) (Record, error) {
	blocks, n, err := ReadRLE(raw, volume)
	if err != nil {
		return Record{}, fmt.Errorf("chunk %s: %w", coord, err)
	}
	states, m, err := ReadStates(raw[n:], volume)
	if err != nil {
		return Record{}, fmt.Errorf("chunk %s: %w", coord, err)
	}
	if n+m != len(raw) {
		return Record{}, fmt.Errorf("chunk %s: %d trailing bytes", coord, len(raw)-n-m)
	}
	return Record{Coord: coord, Blocks: blocks, States: states}, nil
}

func uvarint(src []byte, off int) (uint64, int, error) {
	if off >= len(src) {
		return 0, off, errShortBuffer
	}
	v, n := binary.Uvarint(src[off:])
	if n <= 0 {
		return 0, off, fmt.Errorf("bad varint at %d", off)
	}
	return v, off + n, nil
}
