package main

import (
	"fmt"
	"net/http"

	"voxelsync.dev/internal/persistence/worlddb"
	"voxelsync.dev/internal/world"
)

type dbStats interface {
	Stats() worlddb.Stats
}

func metricsHandler(w *world.World, db dbStats) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		s := w.Stats()

		fmt.Fprintf(rw, "# HELP voxelsync_world_tick Current world tick.\n")
		fmt.Fprintf(rw, "# TYPE voxelsync_world_tick gauge\n")
		fmt.Fprintf(rw, "voxelsync_world_tick %d\n", w.CurrentTick())

		fmt.Fprintf(rw, "# HELP voxelsync_connections Identified connections.\n")
		fmt.Fprintf(rw, "# TYPE voxelsync_connections gauge\n")
		fmt.Fprintf(rw, "voxelsync_connections %d\n", s.Connections.Load())

		fmt.Fprintf(rw, "# HELP voxelsync_chunks Chunk counts by state.\n")
		fmt.Fprintf(rw, "# TYPE voxelsync_chunks gauge\n")
		fmt.Fprintf(rw, "voxelsync_chunks{state=%q} %d\n", "loaded", s.LoadedChunks.Load())
		fmt.Fprintf(rw, "voxelsync_chunks{state=%q} %d\n", "dirty", s.DirtyChunks.Load())
		fmt.Fprintf(rw, "voxelsync_chunks{state=%q} %d\n", "in_flight", s.InFlightLoads.Load())
		fmt.Fprintf(rw, "voxelsync_chunks{state=%q} %d\n", "pending_save", s.PendingSaves.Load())

		fmt.Fprintf(rw, "# HELP voxelsync_events_total Counters since start.\n")
		fmt.Fprintf(rw, "# TYPE voxelsync_events_total counter\n")
		fmt.Fprintf(rw, "voxelsync_events_total{event=%q} %d\n", "generated", s.Generated.Load())
		fmt.Fprintf(rw, "voxelsync_events_total{event=%q} %d\n", "saved", s.Saved.Load())
		fmt.Fprintf(rw, "voxelsync_events_total{event=%q} %d\n", "block_edit", s.BlockEdits.Load())
		fmt.Fprintf(rw, "voxelsync_events_total{event=%q} %d\n", "kicked", s.Kicked.Load())
		fmt.Fprintf(rw, "voxelsync_events_total{event=%q} %d\n", "dropped", s.Dropped.Load())

		if db != nil {
			ds := db.Stats()
			fmt.Fprintf(rw, "# HELP voxelsync_db_ops_total Database operations since start.\n")
			fmt.Fprintf(rw, "# TYPE voxelsync_db_ops_total counter\n")
			fmt.Fprintf(rw, "voxelsync_db_ops_total{op=%q} %d\n", "load", ds.Loads)
			fmt.Fprintf(rw, "voxelsync_db_ops_total{op=%q} %d\n", "save", ds.Saves)
			fmt.Fprintf(rw, "# HELP voxelsync_db_chunks Persisted chunk records.\n")
			fmt.Fprintf(rw, "# TYPE voxelsync_db_chunks gauge\n")
			fmt.Fprintf(rw, "voxelsync_db_chunks %d\n", ds.Chunks)
		}
	}
}
