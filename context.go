package castellan

import "context"

type sourceAddressContextKey struct{}

// WithSourceAddress attaches the request's network origin (client IP) to
// ctx. The lockout tracker keys on it, independent of which account the
// attempt targets. Login and the confirm methods treat a missing source
// address as the empty key.
func WithSourceAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, sourceAddressContextKey{}, addr)
}

func sourceAddressFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	addr, _ := ctx.Value(sourceAddressContextKey{}).(string)
	return addr
}
