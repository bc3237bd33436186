package pipeline

import (
	"time"

	"github.com/marmos91/dittobackup/pkg/remote"
)

// Metrics provides observability for chunk uploads.
//
// This interface is optional. The Prometheus implementation lives in
// pkg/metrics; a nil Metrics in Options selects a no-op.
type Metrics interface {
	// ObserveUpload records one completed upload attempt.
	ObserveUpload(bytes int, result remote.ChunkResult, duration time.Duration, err error)

	// RecordInFlight records the current number of outstanding uploads.
	RecordInFlight(n int64)

	// ObserveSlotWait records how long a write waited for an upload slot.
	ObserveSlotWait(duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveUpload(int, remote.ChunkResult, time.Duration, error) {}
func (noopMetrics) RecordInFlight(int64)                                       {}
func (noopMetrics) ObserveSlotWait(time.Duration)                              {}
