/*
Package types defines the core data model shared across the Strato control
plane: nodes, VMs, pending commands, attestation liveness state, and events.

The store exclusively owns all entities. Every other component holds only
identifiers and mutates through store APIs; values returned from the store are
copies, never shared references.
*/
package types
