/*
Package attestation proves that billed VMs are actually alive.

Every tick the scheduler sends each running VM a nonce challenge through the
command bus. The node agent must echo the nonce with a signature inside the
response window. Consecutive failures escalate in two steps: billing pauses
at the pause threshold and the VM transitions to Error at the fatal
threshold. A later success resets the failure streak and resumes billing.
*/
package attestation
