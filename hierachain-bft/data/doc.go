// Package data provides the Apache Arrow representations used by replicas.
// This package implements:
// - Arrow schemas for client request batches and snapshot client tables
// - Conversion between protocol types and Arrow records
// - JSON input for tooling
package data
