package manager

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"voxelsync.dev/internal/persistence/worlddb"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
	"voxelsync.dev/internal/world/terrain/gen"
	"voxelsync.dev/internal/world/terrain/store"
)

func testGenerator(t *testing.T, seed int64) *gen.Generator {
	t.Helper()
	biomes := gen.BiomeCatalog{Biomes: []gen.Biome{{
		Name:     "plains",
		TopBlock: 3, TopThickness: 1,
		MidBlock: 2, MidThickness: 3,
		BottomBlock:   1,
		SurfaceLiquid: 5, SubsurfaceLiquid: 5,
		Air: chunk.Air, Sand: 4,
		Features: []gen.FeaturePlacer{{PerChunk: 3, Feature: gen.Feature{
			Kind: gen.FeatureTree,
			Tree: gen.Tree{Trunk: 6, Leaves: 7, MinHeight: 5, MaxHeight: 6},
		}}},
	}}}
	settings := gen.Settings{SeaLevel: 0, BaseHeight: 4, Amplitude: 12, FrequencyShift: 6, Octaves: 4, MinY: -64, MaxY: 256}
	g, err := gen.NewGenerator(voxel.MustLayout(16), seed, settings, biomes)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

// countingGen counts Generate calls and optionally blocks them until gate
// is closed.
type countingGen struct {
	inner Generator
	calls atomic.Int32
	gate  chan struct{}
}

func (g *countingGen) Generate(coord voxel.Vec3i) (*chunk.Chunk, error) {
	g.calls.Add(1)
	if g.gate != nil {
		<-g.gate
	}
	return g.inner.Generate(coord)
}

type fixture struct {
	m   *Manager
	st  *store.Store
	db  *worlddb.Memory
	gen *countingGen
}

func newFixture(t *testing.T, gate chan struct{}) *fixture {
	t.Helper()
	st := store.New(voxel.MustLayout(16), chunk.Air)
	db := worlddb.NewMemory()
	g := &countingGen{inner: testGenerator(t, 42), gate: gate}
	m := New(Deps{Store: st, DB: db, Generator: g, IdleTicks: 10})
	t.Cleanup(m.Close)
	return &fixture{m: m, st: st, db: db, gen: g}
}

// await pumps until n responses have been produced.
func await(t *testing.T, m *Manager, n int) []Response {
	t.Helper()
	var out []Response
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case <-m.Ready():
			out = append(out, m.Pump()...)
		case <-deadline:
			t.Fatalf("timed out with %d of %d responses", len(out), n)
		}
	}
	return out
}

func coordsOf(recs []chunk.Record) []voxel.Vec3i {
	out := make([]voxel.Vec3i, len(recs))
	for i, r := range recs {
		out[i] = r.Coord
	}
	return out
}

func TestRequestOmitsUnresolvableInOrder(t *testing.T) {
	f := newFixture(t, nil)
	c1 := voxel.Vec3i{X: 16}
	c2 := voxel.Vec3i{X: 0}
	missing := voxel.Vec3i{Y: 1024}

	if resp := f.m.Request("a", []voxel.Vec3i{c1, c2, missing}); resp != nil {
		t.Fatalf("nothing is cached yet, got immediate response")
	}
	resp := await(t, f.m, 1)[0]
	if got := coordsOf(resp.Chunks); !reflect.DeepEqual(got, []voxel.Vec3i{c1, c2}) {
		t.Fatalf("chunks=%v, want [%s %s]", got, c1, c2)
	}
	if !reflect.DeepEqual(resp.Failed, []voxel.Vec3i{missing}) {
		t.Fatalf("failed=%v", resp.Failed)
	}
	if f.m.IsSubscribed("a", missing) {
		t.Fatalf("failed coordinate must not stay subscribed")
	}
	if !f.m.IsSubscribed("a", c1) || !f.m.IsSubscribed("a", c2) {
		t.Fatalf("resolved coordinates must be subscribed")
	}
	if f.st.Has(missing) {
		t.Fatalf("no chunk may be stored for the missing coordinate")
	}
}

func TestTwoConnectionsShareOneGeneration(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, gate)
	origin := voxel.Vec3i{}

	if f.m.Request("a", []voxel.Vec3i{origin}) != nil {
		t.Fatalf("unexpected immediate response")
	}
	if f.m.Request("b", []voxel.Vec3i{origin}) != nil {
		t.Fatalf("unexpected immediate response")
	}
	close(gate)
	resps := await(t, f.m, 2)

	if resps[0].Conn != "a" || resps[1].Conn != "b" {
		t.Fatalf("responses out of request order: %s, %s", resps[0].Conn, resps[1].Conn)
	}
	if !reflect.DeepEqual(resps[0].Chunks, resps[1].Chunks) || len(resps[0].Chunks) != 1 {
		t.Fatalf("connections received different chunks")
	}
	if n := f.gen.calls.Load(); n != 1 {
		t.Fatalf("generated %d times, want 1", n)
	}
	if st := f.db.Stats(); st.Chunks != 1 || st.Saves != 1 {
		t.Fatalf("db stats=%+v, want exactly one record", st)
	}
	if got := f.m.Subscribers(origin); !reflect.DeepEqual(got, []ConnID{"a", "b"}) {
		t.Fatalf("subscribers=%v", got)
	}
}

func TestCachedRequestIsImmediate(t *testing.T) {
	f := newFixture(t, nil)
	c := voxel.Vec3i{Z: -16}
	f.m.Request("a", []voxel.Vec3i{c})
	await(t, f.m, 1)

	resp := f.m.Request("b", []voxel.Vec3i{c, c})
	if resp == nil {
		t.Fatalf("expected immediate response for a resident chunk")
	}
	if len(resp.Chunks) != 1 || resp.Chunks[0].Coord != c {
		t.Fatalf("duplicates should collapse: %v", coordsOf(resp.Chunks))
	}
	if f.gen.calls.Load() != 1 {
		t.Fatalf("resident chunk regenerated")
	}
}

func TestDatabaseTakesPriorityOverGenerator(t *testing.T) {
	f := newFixture(t, nil)
	c := voxel.Vec3i{X: 32, Y: 16}
	saved := chunk.New(c, 4096, 9)
	if err := f.db.SaveChunk(context.Background(), saved.Record()); err != nil {
		t.Fatalf("SaveChunk: %v", err)
	}
	f.m.Request("a", []voxel.Vec3i{c})
	resp := await(t, f.m, 1)[0]
	if len(resp.Chunks) != 1 || resp.Chunks[0].Blocks[0] != 9 {
		t.Fatalf("expected the persisted chunk")
	}
	if f.gen.calls.Load() != 0 {
		t.Fatalf("generator called for a persisted chunk")
	}
}

func TestStorageFailureOmitsChunk(t *testing.T) {
	f := newFixture(t, nil)
	f.db.FailLoads = errors.New("disk on fire")
	c := voxel.Vec3i{}
	f.m.Request("a", []voxel.Vec3i{c})
	resp := await(t, f.m, 1)[0]
	if len(resp.Chunks) != 0 || len(resp.Failed) != 1 {
		t.Fatalf("resp=%+v", resp)
	}
	if f.st.Len() != 0 {
		t.Fatalf("store must be untouched on storage failure")
	}
	if f.m.IsSubscribed("a", c) {
		t.Fatalf("failed chunk left subscribed")
	}
}

func TestUnsubscribeAndEviction(t *testing.T) {
	f := newFixture(t, nil)
	c := voxel.Vec3i{}
	f.m.Request("a", []voxel.Vec3i{c})
	await(t, f.m, 1)

	if f.m.EvictionEligible(c) {
		t.Fatalf("subscribed chunk must not be eligible")
	}
	f.m.EvictIdle(100)
	f.m.Unsubscribe("a", []voxel.Vec3i{c})
	f.m.Unsubscribe("a", []voxel.Vec3i{c})
	if !f.m.EvictionEligible(c) || len(f.m.Subscribers(c)) != 0 {
		t.Fatalf("unsubscribed chunk should be eligible")
	}

	// Mutated and unsaved: never evicted.
	if _, err := f.st.SetBlock(voxel.Vec3i{X: 1, Y: 1, Z: 1}, 1, 0); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	if n := f.m.EvictIdle(110); n != 0 || !f.st.Has(c) {
		t.Fatalf("dirty chunk evicted")
	}
	if err := f.m.Persister().Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := f.m.EvictIdle(105); n != 0 {
		t.Fatalf("evicted before idle threshold")
	}
	if n := f.m.EvictIdle(200); n != 1 || f.st.Has(c) {
		t.Fatalf("clean idle chunk not evicted")
	}

	// The edit survived eviction through the database.
	f.m.Request("b", []voxel.Vec3i{c})
	resp := await(t, f.m, 1)[0]
	idx := voxel.MustLayout(16).IndexOf(voxel.Vec3i{X: 1, Y: 1, Z: 1})
	if resp.Chunks[0].Blocks[idx] != 1 {
		t.Fatalf("edit lost across eviction")
	}
	if f.gen.calls.Load() != 1 {
		t.Fatalf("evicted chunk was regenerated instead of loaded")
	}
}

func TestDisconnectDropsPendingAndSubscriptions(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, gate)
	f.m.Request("a", []voxel.Vec3i{{X: 16}})
	f.m.Disconnect("a")
	close(gate)

	deadline := time.After(5 * time.Second)
	for !f.m.EvictionEligible(voxel.Vec3i{X: 16}) {
		select {
		case <-f.m.Ready():
			if resps := f.m.Pump(); len(resps) != 0 {
				t.Fatalf("disconnected connection got a response")
			}
		case <-deadline:
			t.Fatalf("orphaned load never became eligible for eviction")
		}
	}
	if len(f.m.Subscriptions("a")) != 0 {
		t.Fatalf("subscriptions survived disconnect")
	}
}

func TestPersisterRetriesFailedSaves(t *testing.T) {
	f := newFixture(t, nil)
	c := voxel.Vec3i{}
	f.m.Request("a", []voxel.Vec3i{c})
	await(t, f.m, 1)
	if _, err := f.st.SetBlock(voxel.Vec3i{}, 2, 0); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}

	f.db.SetFailSaves(errors.New("read-only"))
	f.m.MarkDirty(c)
	if err := f.m.Persister().Flush(context.Background()); err == nil {
		t.Fatalf("expected save error")
	}
	if !f.st.IsDirty(c) || f.m.Persister().Pending() != 1 {
		t.Fatalf("failed save must keep the chunk dirty and queued")
	}

	f.db.SetFailSaves(nil)
	if err := f.m.Persister().Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if f.st.IsDirty(c) {
		t.Fatalf("chunk still dirty after successful save")
	}
}

func TestUnsubscribeBeforeLoadOmitsChunk(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, gate)
	c := voxel.Vec3i{X: 16}
	keep := voxel.Vec3i{X: 32}

	if f.m.Request("a", []voxel.Vec3i{c, keep}) != nil {
		t.Fatalf("unexpected immediate response")
	}
	f.m.Unsubscribe("a", []voxel.Vec3i{c})
	close(gate)
	resp := await(t, f.m, 1)[0]

	if got := coordsOf(resp.Chunks); !reflect.DeepEqual(got, []voxel.Vec3i{keep}) {
		t.Fatalf("chunks=%v, want only %s", got, keep)
	}
	if len(resp.Failed) != 0 {
		t.Fatalf("dropped chunk reported as failed: %v", resp.Failed)
	}
	if f.m.IsSubscribed("a", c) {
		t.Fatalf("unsubscribed chunk became subscribed again")
	}
	deadline := time.After(5 * time.Second)
	for !f.m.EvictionEligible(c) {
		select {
		case <-f.m.Ready():
			if resps := f.m.Pump(); len(resps) != 0 {
				t.Fatalf("unexpected responses %+v", resps)
			}
		case <-deadline:
			t.Fatalf("loaded chunk without subscribers never became eligible for eviction")
		}
	}
}
