// Package timeouts defines shared timeout constants used by the edge.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Install caps one install cycle: every seed asset fetch plus the batch write.
const Install = 30 * time.Second

// Activate caps the purge and claim steps of one activation.
const Activate = 10 * time.Second

// UpdateCheck is the default period between registration update checks.
const UpdateCheck = 60 * time.Second

// HealthCheck caps a single gRPC health probe.
const HealthCheck = time.Second

// HealthProbe caps the whole healthcheck command.
const HealthProbe = 10 * time.Second
