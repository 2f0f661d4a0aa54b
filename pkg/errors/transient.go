package errors

import "strings"

// TransientErrorPatterns contains patterns that indicate transient transport
// errors worth retrying when the operation is idempotent.
var TransientErrorPatterns = []string{
	"connection refused",
	"Connection reset by peer",
	"connection reset by peer",
	"context deadline exceeded",
	"connection timed out",
	"i/o timeout",
	"TLS handshake timeout",
	"no such host",
	"network is unreachable",
}

// IsTransient checks if the error message contains a transient error pattern.
func IsTransient(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	msg := err.Error()
	for _, pattern := range TransientErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
