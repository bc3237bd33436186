// Package metrics exports Prometheus metrics for the upload pipeline and the
// S3 chunk store.
//
// Metrics are off until InitRegistry is called. Before that, constructors
// return nil and components fall back to their no-op implementations.
//
// Usage:
//
//	metrics.InitRegistry(cfg.Server.Name)
//	opts := pipeline.Options{Metrics: metrics.NewPipelineMetrics()}
//	store, err := s3.New(ctx, s3.Config{Metrics: metrics.NewS3Metrics(), ...})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// DatastoreLabel is attached to every dittobackup series so that several
// datastores scraped by one Prometheus stay apart.
const DatastoreLabel = "datastore"

var (
	registry     *prometheus.Registry
	registerer   prometheus.Registerer
	registryOnce sync.Once
)

// newRegistry builds the gathering registry and the registerer components
// use. Runtime and process collectors are registered unlabelled.
func newRegistry(datastore string) (*prometheus.Registry, prometheus.Registerer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, prometheus.WrapRegistererWith(prometheus.Labels{DatastoreLabel: datastore}, reg)
}

// InitRegistry enables metrics for the named datastore. Later calls are
// ignored.
func InitRegistry(datastore string) {
	registryOnce.Do(func() {
		registry, registerer = newRegistry(datastore)
	})
}

// GetRegistry returns the registry served by Server, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// Registerer returns the labelled registerer collectors are created with,
// or nil if metrics are disabled.
func Registerer() prometheus.Registerer {
	return registerer
}

// IsEnabled reports whether InitRegistry was called.
func IsEnabled() bool {
	return registry != nil
}
