// Package log wraps zerolog with a process-global logger and per-component
// child loggers used by every background loop and the API server.
package log
