// Package consensus runs one replica of the BFT state machine replication
// protocol.
//
// A Replica owns a message log, a view-change manager, a checkpoint tracker
// and a state-transfer client, and drives them from a single event loop.
// Signature checks and vote recording for distinct slots run concurrently on
// a worker pool; everything that changes the replica's position in the
// protocol (proposals, delivery, view changes, state installs) happens on the
// loop. Committed batches are executed in sequence order against a
// service.Service and published on Committed.
//
// Replicas talk through a network.Transport and never share memory, so any
// number of them can run in one process on a network.LocalHub.
package consensus
