package httpapi

import "time"

const defaultMaxBodyBytes = 1 << 20

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = defaultMaxBodyBytes

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

// completionTimeout bounds a /completion request. Zero means no additional
// timeout beyond server/connection timeouts.
var completionTimeout time.Duration

// SetCompletionTimeout sets the completion timeout (0 or negative disables).
func SetCompletionTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	completionTimeout = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
