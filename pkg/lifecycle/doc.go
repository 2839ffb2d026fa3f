/*
Package lifecycle enforces the VM state machine.

States: Pending, Scheduling, Provisioning, Running, Stopping, Stopped,
Migrating, Error, Deleting, Deleted. Deleted is terminal; Error is not — the
owner may still delete an errored VM.

Manager.Transition is the only way a VM's status changes. It validates the
edge, stamps updated_at (and started_at on the first entry into Running),
appends an event to the store ring, publishes to the broker and notifies
registered observers in issue order.
*/
package lifecycle
