// Package events provides a publish/subscribe broker for live orchestrator
// events, consumed by the streaming API and the server's log sink.
package events
