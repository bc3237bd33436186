package config

import (
	"github.com/marmos91/dittobackup/pkg/chunkstore/s3"
	"github.com/marmos91/dittobackup/pkg/metrics"
	"github.com/marmos91/dittobackup/pkg/pipeline"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Pipeline receives upload observations (nil if disabled)
	Pipeline pipeline.Metrics

	// S3 receives object store observations (nil if disabled)
	S3 s3.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed collectors for the pipeline and the S3 store
//
// If metrics are disabled every field is nil and consumers fall back to
// their no-op implementations.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry(cfg.Server.Name)

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Metrics.Port,
		}),
		Pipeline: metrics.NewPipelineMetrics(),
		S3:       metrics.NewS3Metrics(),
	}
}
