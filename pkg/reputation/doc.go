// Package reputation scores nodes on heartbeat uptime and clean VM
// completions over a sliding 30-day window. The scheduler consumes the
// scores when ranking placement candidates.
package reputation
