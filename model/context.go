package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the already-resolved organization and user a run is
// executed on behalf of. Authentication happens upstream.
type RequestContext struct {
	OrganizationID string
	UserID         string
	CorrelationID  string
}

// Validate checks that OrganizationID and UserID are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.OrganizationID == "" {
		errs = append(errs, fmt.Errorf("OrganizationID is required"))
	}
	if rc.UserID == "" {
		errs = append(errs, fmt.Errorf("UserID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
