// Package client is the HTTP client for the orchestrator API, used by the
// CLI verbs.
package client
