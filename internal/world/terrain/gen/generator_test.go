package gen

import (
	"errors"
	"math/rand/v2"
	"reflect"
	"sync"
	"testing"

	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

const (
	tAir chunk.BlockID = iota
	tStone
	tDirt
	tGrass
	tSand
	tWater
	tLog
	tLeaves
)

func testBiomes(perChunk float64) BiomeCatalog {
	return BiomeCatalog{Biomes: []Biome{{
		Name:             "plains",
		TopBlock:         tGrass,
		TopThickness:     1,
		MidBlock:         tDirt,
		MidThickness:     3,
		BottomBlock:      tStone,
		SurfaceLiquid:    tWater,
		SubsurfaceLiquid: tWater,
		Air:              tAir,
		Sand:             tSand,
		Features: []FeaturePlacer{{
			PerChunk: perChunk,
			Feature: Feature{Kind: FeatureTree, Tree: Tree{
				Trunk: tLog, Leaves: tLeaves, MinHeight: 5, MaxHeight: 6,
			}},
		}},
	}}}
}

func testSettings() Settings {
	return Settings{
		SeaLevel:       4,
		BaseHeight:     8,
		Amplitude:      6,
		FrequencyShift: 5,
		Octaves:        3,
		MinY:           -64,
		MaxY:           128,
	}
}

func newTestGen(t *testing.T, edge int, seed int64, perChunk float64) *Generator {
	t.Helper()
	g, err := NewGenerator(voxel.MustLayout(edge), seed, testSettings(), testBiomes(perChunk))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerateDeterministic(t *testing.T) {
	a := newTestGen(t, 16, 42, 3)
	b := newTestGen(t, 16, 42, 3)
	for _, c := range []voxel.Vec3i{{X: 0, Y: 0, Z: 0}, {X: -16, Y: 0, Z: 32}, {X: 48, Y: -16, Z: -48}} {
		ca, err := a.Generate(c)
		if err != nil {
			t.Fatalf("Generate(%s): %v", c, err)
		}
		cb, err := b.Generate(c)
		if err != nil {
			t.Fatalf("Generate(%s): %v", c, err)
		}
		if ca.Digest() != cb.Digest() {
			t.Fatalf("digest mismatch at %s", c)
		}
	}

	other := newTestGen(t, 16, 43, 3)
	x, _ := a.Generate(voxel.Vec3i{})
	y, _ := other.Generate(voxel.Vec3i{})
	if x.Digest() == y.Digest() {
		t.Fatalf("different seeds produced the same chunk")
	}
}

func TestGenerateConcurrentMatchesSequential(t *testing.T) {
	g := newTestGen(t, 16, 7, 3)
	coords := []voxel.Vec3i{{X: 0, Y: 0, Z: 0}, {X: 16, Y: 0, Z: 0}, {X: 0, Y: 0, Z: 16}, {X: -16, Y: 0, Z: -16}, {X: 0, Y: 16, Z: 0}, {X: 32, Y: 0, Z: -32}}
	want := make([][32]byte, len(coords))
	for i, c := range coords {
		ch, err := g.Generate(c)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		want[i] = ch.Digest()
	}

	got := make([][32]byte, len(coords))
	var wg sync.WaitGroup
	for i, c := range coords {
		wg.Add(1)
		go func(i int, c voxel.Vec3i) {
			defer wg.Done()
			ch, err := g.Generate(c)
			if err != nil {
				t.Errorf("Generate: %v", err)
				return
			}
			got[i] = ch.Digest()
		}(i, c)
	}
	wg.Wait()
	for i := range coords {
		if got[i] != want[i] {
			t.Fatalf("chunk %s differs under concurrency", coords[i])
		}
	}
}

// Generating the same region with 32-edge chunks and with 16-edge chunks must
// agree block for block, including features that cross chunk boundaries.
func TestFeaturesAgreeAcrossChunkBoundaries(t *testing.T) {
	const seed = 42
	small := newTestGen(t, 16, seed, 3)
	large := newTestGen(t, 32, seed, 12)

	var trees int
	for _, origin := range []voxel.Vec3i{{X: 0, Y: 0, Z: 0}, {X: -32, Y: 0, Z: -32}, {X: 32, Y: 0, Z: -64}} {
		big, err := large.Generate(origin)
		if err != nil {
			t.Fatalf("Generate large: %v", err)
		}
		for ox := 0; ox < 32; ox += 16 {
			for oy := 0; oy < 32; oy += 16 {
				for oz := 0; oz < 32; oz += 16 {
					sc := origin.Add(voxel.Vec3i{X: ox, Y: oy, Z: oz})
					sm, err := small.Generate(sc)
					if err != nil {
						t.Fatalf("Generate small: %v", err)
					}
					for x := 0; x < 16; x++ {
						for y := 0; y < 16; y++ {
							for z := 0; z < 16; z++ {
								got := sm.Get(small.Layout().Pack(x, y, z))
								want := big.Get(large.Layout().Pack(ox+x, oy+y, oz+z))
								if got != want {
									t.Fatalf("block %v in %s: small=%d large=%d", voxel.Vec3i{X: x, Y: y, Z: z}, sc, got, want)
								}
								if got == tLog {
									trees++
								}
							}
						}
					}
				}
			}
		}
	}
	if trees == 0 {
		t.Fatalf("expected at least one tree in the sampled region")
	}
}

func TestGenerateOutOfBounds(t *testing.T) {
	g := newTestGen(t, 16, 1, 3)
	for _, c := range []voxel.Vec3i{{X: 0, Y: 128, Z: 0}, {X: 0, Y: -80, Z: 0}} {
		if _, err := g.Generate(c); !errors.Is(err, ErrOutOfBounds) {
			t.Fatalf("Generate(%s) err=%v, want ErrOutOfBounds", c, err)
		}
	}
	if _, err := g.Generate(voxel.Vec3i{X: 3}); err == nil {
		t.Fatalf("expected error for non-grid coordinate")
	}
}

func TestLayering(t *testing.T) {
	g := newTestGen(t, 16, 5, 0)
	s := g.Settings()
	for x := 0; x < 64; x += 7 {
		for z := 0; z < 64; z += 5 {
			h := g.SurfaceHeight(x, z)
			if h < s.BaseHeight-s.Amplitude || h > s.BaseHeight+s.Amplitude {
				t.Fatalf("surface %d outside base±amplitude", h)
			}
			chunkY := voxel.MustLayout(16).ChunkOf(voxel.Vec3i{X: x, Y: h, Z: z})
			c, err := g.Generate(chunkY)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			lx, ly, lz := x-chunkY.X, h-chunkY.Y, z-chunkY.Z
			top := c.Get(g.Layout().Pack(lx, ly, lz))
			want := tGrass
			if h <= s.SeaLevel {
				want = tSand
			}
			if top != want {
				t.Fatalf("surface block at (%d,%d,%d) = %d, want %d", x, h, z, top, want)
			}
		}
	}
}

func TestTreeShape(t *testing.T) {
	tree := Tree{Trunk: tLog, Leaves: tLeaves, MinHeight: 5, MaxHeight: 6}
	root := voxel.Vec3i{X: 10, Y: 20, Z: -3}
	for seed := uint64(0); seed < 32; seed++ {
		out := tree.generate(root, rand.New(rand.NewPCG(seed, seed^0xabc)))
		height := 0
		for y := 1; ; y++ {
			if out[voxel.Vec3i{X: root.X, Y: root.Y + y, Z: root.Z}] != tLog {
				break
			}
			height = y
		}
		if height < 5 || height > 6 {
			t.Fatalf("trunk height %d outside [5,6]", height)
		}
		for p, b := range out {
			d := p.Sub(root)
			if d.Y <= 0 || d.Y > height+1 {
				t.Fatalf("block %v outside vertical reach", d)
			}
			r := 2
			if d.Y >= height {
				r = 1
			}
			if d.X < -r || d.X > r || d.Z < -r || d.Z > r {
				t.Fatalf("block %v outside radius %d", d, r)
			}
			if b == tLeaves && d.X == 0 && d.Z == 0 && d.Y <= height {
				t.Fatalf("leaf overwrote trunk at %v", d)
			}
		}
	}
}

func TestPlacerProbability(t *testing.T) {
	p := FeaturePlacer{PerChunk: 3}
	if got := p.Probability(256); got != 3.0/256 {
		t.Fatalf("probability=%v", got)
	}
	if got := (FeaturePlacer{PerChunk: 1000}).Probability(256); got != 1 {
		t.Fatalf("probability should clamp to 1, got %v", got)
	}
}

func TestPlacementIsAFunctionOfSeedAndColumn(t *testing.T) {
	placer := testBiomes(8).Biomes[0].Features[0]
	const columns = 256
	placed, differs := 0, false
	for x := -32; x < 32; x++ {
		for z := -32; z < 32; z++ {
			root := voxel.Vec3i{X: x, Y: 10, Z: z}
			first, ok1 := placer.Place(root, voxel.ColumnRand(42, featureSalt, x, z), columns)
			second, ok2 := placer.Place(root, voxel.ColumnRand(42, featureSalt, x, z), columns)
			if ok1 != ok2 || !reflect.DeepEqual(first, second) {
				t.Fatalf("column (%d,%d) placed differently on replay", x, z)
			}
			if ok1 {
				placed++
				if first[root.Add(voxel.Vec3i{Y: 1})] != tLog {
					t.Fatalf("column (%d,%d): no trunk above the root", x, z)
				}
			}
			_, other := placer.Place(root, voxel.ColumnRand(43, featureSalt, x, z), columns)
			if other != ok1 {
				differs = true
			}
		}
	}
	if placed == 0 {
		t.Fatalf("no feature placed in 4096 columns")
	}
	if !differs {
		t.Fatalf("another seed produced identical placements")
	}
}
