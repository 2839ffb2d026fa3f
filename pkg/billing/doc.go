// Package billing fixes a VM's hourly rate at bind time and accrues
// billable runtime while the VM is running. Pausing settles accrued time
// and stops the meter; the paused period is never billed.
package billing
