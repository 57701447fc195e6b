// Package context carries request correlation fields for logs and traces.
package context

import "context"

type requestIDKey struct{}
type companyIDKey struct{}
type credentialIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey{})
}

func WithCompanyID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, companyIDKey{}, id)
}

func CompanyIDFromContext(ctx context.Context) string {
	return stringValue(ctx, companyIDKey{})
}

func WithCredentialID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialIDKey{}, id)
}

func CredentialIDFromContext(ctx context.Context) string {
	return stringValue(ctx, credentialIDKey{})
}

func stringValue(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
