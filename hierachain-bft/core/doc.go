// Package core holds the request pipeline pieces shared by the replica:
// - Generic worker pool used for parallel signature verification
// - Request certification before admission
// - Batch cutting for the leader's proposals
package core
