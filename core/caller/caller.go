// Package caller carries authenticated principals on a request context. The
// transport layer verifies credentials and attaches the resulting addresses;
// ledger operations only ever read them.
package caller

import "context"

type contextKey struct{}

// WithPrincipals returns a context whose authenticated principals are the
// union of any already present and addrs.
func WithPrincipals(ctx context.Context, addrs ...[20]byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	existing := Principals(ctx)
	merged := make([][20]byte, 0, len(existing)+len(addrs))
	merged = append(merged, existing...)
	for _, addr := range addrs {
		if addr == ([20]byte{}) || contains(merged, addr) {
			continue
		}
		merged = append(merged, addr)
	}
	return context.WithValue(ctx, contextKey{}, merged)
}

// Principals returns a copy of the authenticated addresses on ctx.
func Principals(ctx context.Context) [][20]byte {
	if ctx == nil {
		return nil
	}
	list, _ := ctx.Value(contextKey{}).([][20]byte)
	return append([][20]byte(nil), list...)
}

// IsAuthenticated reports whether addr is one of the principals on ctx.
func IsAuthenticated(ctx context.Context, addr [20]byte) bool {
	if ctx == nil {
		return false
	}
	list, _ := ctx.Value(contextKey{}).([][20]byte)
	return contains(list, addr)
}

// Primary returns the first principal attached to ctx.
func Primary(ctx context.Context) ([20]byte, bool) {
	if ctx == nil {
		return [20]byte{}, false
	}
	list, _ := ctx.Value(contextKey{}).([][20]byte)
	if len(list) == 0 {
		return [20]byte{}, false
	}
	return list[0], true
}

func contains(list [][20]byte, addr [20]byte) bool {
	for _, entry := range list {
		if entry == addr {
			return true
		}
	}
	return false
}
