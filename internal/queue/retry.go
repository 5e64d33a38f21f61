package queue

import "strings"

// Classifier decides whether a task failure is worth another attempt.
type Classifier interface {
	Retryable(errMsg string) bool
}

// permanentPatterns mark failures where retrying would only repeat the
// outcome. Checked before retryablePatterns: "authentication failed due
// to connection reset" is still permanent.
var permanentPatterns = []string{
	"permission denied",
	"access denied",
	"authentication failed",
	"authorization failed",
	"syntax error",
	"invalid argument",
	"not found",
	"does not exist",
	"already exists",
	"duplicate key",
	"constraint violation",
	"immutable",
	"read-only",
	"quota exceeded",
	"rate limit exceeded",
}

var retryablePatterns = []string{
	"connection",
	"timeout",
	"network",
	"temporary",
	"unavailable",
	"retryable",
	"transient",
	"intermittent",
}

// PatternClassifier classifies by substring match on the lowercased
// error message. Unknown failures default to retryable.
type PatternClassifier struct{}

func (PatternClassifier) Retryable(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}
