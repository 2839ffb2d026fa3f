// Package health detects dead nodes from heartbeat staleness and fails
// their running VMs over to Error.
package health
