package caller

import (
	"context"
	"testing"
)

func TestPrincipals(t *testing.T) {
	a := [20]byte{1}
	b := [20]byte{2}

	ctx := context.Background()
	if _, ok := Primary(ctx); ok {
		t.Fatalf("expected no primary principal")
	}
	ctx = WithPrincipals(ctx, a, a, [20]byte{})
	ctx = WithPrincipals(ctx, b)

	got := Principals(ctx)
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("unexpected principals %v", got)
	}
	if !IsAuthenticated(ctx, b) {
		t.Fatalf("expected b to be authenticated")
	}
	if IsAuthenticated(ctx, [20]byte{3}) {
		t.Fatalf("unexpected authentication")
	}
	primary, ok := Primary(ctx)
	if !ok || primary != a {
		t.Fatalf("unexpected primary %x", primary)
	}

	got[0] = [20]byte{9}
	if Principals(ctx)[0] != a {
		t.Fatalf("Principals must return a copy")
	}
}
