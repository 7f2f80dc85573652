// Package storage declares persistence contracts for named cache stores.
//
// Cached responses are always derived data: every entry can be dropped and
// re-fetched from the network, so backends never hold the source of truth.
package storage
