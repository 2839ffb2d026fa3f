// Package command implements the at-least-once command bus between the
// orchestrator and node agents. A command stays pending until an ack or a
// timeout resolves it; whichever terminal signal arrives first wins.
package command
