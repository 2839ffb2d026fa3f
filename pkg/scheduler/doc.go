// Package scheduler places VMs onto nodes. Candidates are filtered for
// liveness, capacity, hardware and locality, then ranked by utilization,
// uptime and completion history. Binding is atomic against concurrent
// placements; a lost race refreshes the candidate list once.
package scheduler
