/*
Package store holds the orchestrator's authoritative in-memory state: nodes,
VMs, pending command acks, attestation liveness, heartbeat samples and a
bounded event ring.

All accessors return deep copies; callers never hold a live reference into
the store. Cross-entity atomicity is limited to BindVM, which reserves node
capacity and records VM placement under both family locks (nodes before VMs).

Snapshots are point-in-time copies persisted to a BoltDB file via
SnapshotStore, and restored on process start.
*/
package store
