// Package arrow provides Apache Arrow IPC framing for HieraChain-BFT.
// This package implements:
// - Arrow IPC stream encoding of record batches with their schema metadata
// - Size-limited decoding of untrusted IPC streams
package arrow
