package util

import "context"

type contextKey string

const remoteIPKey contextKey = "remote_ip"

// WithRemoteIP attaches the caller's address for audit trails.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, remoteIPKey, ip)
}

// RemoteIP returns the caller address attached by the HTTP layer, or "".
func RemoteIP(ctx context.Context) string {
	if ip, ok := ctx.Value(remoteIPKey).(string); ok {
		return ip
	}
	return ""
}
