package s3

import "time"

// Metrics provides observability for S3 operations.
//
// This is optional: when nil is passed in Config, collection is skipped.
// pkg/metrics provides the Prometheus implementation.
type Metrics interface {
	// ObserveOperation records an S3 operation with its duration and outcome
	ObserveOperation(operation string, duration time.Duration, err error)

	// RecordBytes records bytes moved by "read" or "write" operations
	RecordBytes(operation string, bytes int64)
}

// noopMetrics is the default no-op metrics implementation
type noopMetrics struct{}

func (noopMetrics) ObserveOperation(operation string, duration time.Duration, err error) {}
func (noopMetrics) RecordBytes(operation string, bytes int64)                            {}
