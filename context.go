package goIntercept

import "context"

type auditMetadataKey struct{}

// WithAuditMetadata attaches a key/value pair that is copied into every
// audit event emitted for calls made with ctx, e.g. an order id from the
// calling application.
func WithAuditMetadata(ctx context.Context, key, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	prev, _ := ctx.Value(auditMetadataKey{}).(map[string]string)
	next := make(map[string]string, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[key] = value
	return context.WithValue(ctx, auditMetadataKey{}, next)
}

func auditMetadataFromContext(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}
	md, _ := ctx.Value(auditMetadataKey{}).(map[string]string)
	return md
}
