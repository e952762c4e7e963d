// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	pathsSearched         = metrics.NewCounter("search_paths_searched_total")
	candidatesEmitted     = metrics.NewCounter("search_candidates_emitted_total")
	candidatesScored      = metrics.NewCounter("search_candidates_scored_total")
	searchRounds          = metrics.NewCounter("search_rounds_total")
	searchOverrun         = metrics.NewCounter("search_rounds_overrun_total")
	memoInvalidated       = metrics.NewCounter("memo_entries_invalidated_total")
	venuesSkipped         = metrics.NewCounter("graph_venues_skipped_total")
	edgesUpdated          = metrics.NewCounter("graph_edges_updated_total")
	plansResolved         = metrics.NewCounter("pipeline_plans_resolved_total")
	plansDropped          = metrics.NewCounter("pipeline_plans_dropped_total")
	blockEventsDropped    = metrics.NewCounter("stream_block_events_dropped_total")
	simulationCallFailure = metrics.NewCounter("simulation_call_failures_total")

	searchDuration    = metrics.NewHistogram("search_duration_milliseconds")
	syncDuration      = metrics.NewHistogram("sync_duration_milliseconds")
	submitDuration    = metrics.NewHistogram("bundle_submit_duration_milliseconds")
	optimizerDuration = metrics.NewHistogram("optimizer_duration_milliseconds")
)

func IncPathsSearched(n uint64) {
	pathsSearched.Add(int(n))
}

func IncCandidatesEmitted() {
	candidatesEmitted.Inc()
}

func IncCandidatesScored() {
	candidatesScored.Inc()
}

func IncSearchRounds() {
	searchRounds.Inc()
}

func IncSearchOverrun() {
	searchOverrun.Inc()
}

func IncMemoInvalidated(n int) {
	memoInvalidated.Add(n)
}

func IncVenuesSkipped() {
	venuesSkipped.Inc()
}

func IncEdgesUpdated(n int) {
	edgesUpdated.Add(n)
}

func IncPlansResolved() {
	plansResolved.Inc()
}

func IncPlansDropped() {
	plansDropped.Inc()
}

func IncBlockEventsDropped() {
	blockEventsDropped.Inc()
}

func IncSimulationCallFailure() {
	simulationCallFailure.Inc()
}

// IncBundleOutcome counts bundle submissions by final status (sent, rejected, not_included, failed).
func IncBundleOutcome(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`bundles_total{status=%q}`, status)).Inc()
}

func RecordSearchDuration(ms int64) {
	searchDuration.Update(float64(ms))
}

func RecordSyncDuration(ms int64) {
	syncDuration.Update(float64(ms))
}

func RecordSubmitDuration(ms int64) {
	submitDuration.Update(float64(ms))
}

func RecordOptimizerDuration(ms int64) {
	optimizerDuration.Update(float64(ms))
}
