// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Every handler file should use these helpers instead of writing raw
// http.ResponseWriter calls. API responses share a single envelope:
// successes carry success=true plus endpoint-specific fields, failures
// carry success=false with error and optional details.
package httputil
