package chunk

// State is the packed per-block state word.
//
//	bits 0-1  rotation (north, east, south, west)
//	bit  2    centered
//	bit  3    upside down
type State uint16

type Rotation uint8

const (
	North Rotation = iota
	East
	South
	West
)

const (
	rotationMask State = 0b11
	centeredBit  State = 1 << 2
	upsideBit    State = 1 << 3
)

func NewState(r Rotation, centered, upsideDown bool) State {
	s := State(r) & rotationMask
	if centered {
		s |= centeredBit
	}
	if upsideDown {
		s |= upsideBit
	}
	return s
}

func (s State) Rotation() Rotation { return Rotation(s & rotationMask) }
func (s State) Centered() bool     { return s&centeredBit != 0 }
func (s State) UpsideDown() bool   { return s&upsideBit != 0 }
