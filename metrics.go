package boxlite

import (
	"sync/atomic"

	"github.com/boxlite/boxlite/types"
)

// runtimeMetrics holds the process-wide counters the registry aggregates.
// Counters are lock-free atomics; snapshot takes a read-copy so concurrent
// updates never torn-read a single field, though the whole struct is not a
// consistent point-in-time view against concurrent writers by design (the
// spec only requires consistency within a single field's read).
type runtimeMetrics struct {
	boxesCreated    atomic.Int64
	boxesFailed     atomic.Int64
	boxesStopped    atomic.Int64
	boxesRunning    atomic.Int64
	commandsExecuted atomic.Int64
	execErrors      atomic.Int64
}

// MetricsSnapshot is the point-in-time counters view returned by Registry.Metrics.
type MetricsSnapshot struct {
	BoxesCreated     int64 `json:"boxes_created"`
	BoxesFailed      int64 `json:"boxes_failed"`
	BoxesStopped     int64 `json:"boxes_stopped"`
	BoxesRunning     int64 `json:"boxes_running"`
	CommandsExecuted int64 `json:"commands_executed"`
	ExecErrors       int64 `json:"exec_errors"`
}

func (m *runtimeMetrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BoxesCreated:     m.boxesCreated.Load(),
		BoxesFailed:      m.boxesFailed.Load(),
		BoxesStopped:     m.boxesStopped.Load(),
		BoxesRunning:     m.boxesRunning.Load(),
		CommandsExecuted: m.commandsExecuted.Load(),
		ExecErrors:       m.execErrors.Load(),
	}
}

// boxMetrics holds per-box command and error counters. Its phases field is
// never written; the startup phase durations are recorded on the Box itself
// and returned by Box.Timings.
type boxMetrics struct {
	cmdCount atomic.Int64
	errCount atomic.Int64
	phases   []types.PhaseTiming
}

func newBoxMetrics() *boxMetrics {
	return &boxMetrics{}
}
