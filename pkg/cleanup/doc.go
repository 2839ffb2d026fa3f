// Package cleanup reclaims stale orchestrator state on a slow cadence.
package cleanup
