package tool

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"reskit/internal/domain"
)

// rateLimitedTool rejects executions over its budget with a retryable error
// result so the model can back off instead of the turn failing.
type rateLimitedTool struct {
	domain.Tool
	limiter *rate.Limiter
	now     func() time.Time
}

// WithRateLimit wraps t so at most perMinute executions run per minute, with
// the full minute's budget available as a burst. A non-positive limit
// returns t unchanged.
func WithRateLimit(t domain.Tool, perMinute int) domain.Tool {
	if perMinute <= 0 {
		return t
	}
	return &rateLimitedTool{
		Tool:    t,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		now:     time.Now,
	}
}

func (r *rateLimitedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if !r.limiter.AllowN(r.now(), 1) {
		res, _ := ErrResult("%s is rate limited, try again later", r.Name())
		res.IsRetryable = true
		return res, nil
	}
	return r.Tool.Execute(ctx, params)
}
