package tool

import (
	"context"
	"errors"
	"net"
	"strings"

	"reskit/internal/domain"
)

// Substrings of upstream errors that reach tools as plain text, mostly
// arXiv HTTP failures formatted by the client.
var transientText = []string{
	"connection refused",
	"connection reset",
	"too many requests",
	"service unavailable",
}

// isTransient reports whether a failed tool call may succeed when the model
// asks again. Bad arguments and unknown ids are permanent.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.IsRetryableError(err),
		errors.Is(err, domain.ErrProviderError),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientText {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
