/*
Package api exposes the orchestrator over HTTP.

All responses share the envelope {success, data?, error_code?, message?}
with stable error codes. Callers authenticate with a bearer token resolved
to a user, node or admin principal; user endpoints enforce VM ownership and
node endpoints only accept a node speaking for itself.
*/
package api
