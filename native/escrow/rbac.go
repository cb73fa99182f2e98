package escrow

import (
	"context"
	"strconv"
	"time"

	"bountyescrow/core/caller"
)

const opInitialize = "initialize"

func (e *Engine) requireInitialized() error {
	_, ok, err := e.state.EscrowMetaGet()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInitialized
	}
	return nil
}

// authorizeRoles returns the first authenticated principal holding an active
// grant for any of roles.
func (e *Engine) authorizeRoles(ctx context.Context, now int64, roles ...Role) ([20]byte, error) {
	for _, principal := range caller.Principals(ctx) {
		for _, role := range roles {
			ok, err := e.state.EscrowRoleActive(role, principal, now)
			if err != nil {
				return [20]byte{}, err
			}
			if ok {
				return principal, nil
			}
		}
	}
	return [20]byte{}, ErrUnauthorized
}

func (e *Engine) roleExpiry(now int64) int64 {
	if e.roleTTL <= 0 {
		return 0
	}
	ttl := int64(e.roleTTL / time.Second)
	if now > 0 && ttl > (1<<63-1)-now {
		return 0
	}
	return now + ttl
}

// Initialize records admin as the ledger administrator with a permanent admin
// grant. It succeeds once; admin must be an authenticated principal.
func (e *Engine) Initialize(ctx context.Context, admin [20]byte) error {
	return e.apply(ctx, opInitialize, func(ctx context.Context, now int64) error {
		if admin == ([20]byte{}) {
			return ErrInvalidRecipient
		}
		_, ok, err := e.state.EscrowMetaGet()
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyInitialized
		}
		if !caller.IsAuthenticated(ctx, admin) {
			return ErrUnauthorized
		}
		if err := e.state.EscrowMetaPut(admin, now); err != nil {
			return err
		}
		if err := e.state.EscrowRoleGrant(RoleAdmin, admin, now, 0); err != nil {
			return err
		}
		e.queue(newAdminEvent(EventTypeInitialized, admin, now, "admin", addr(admin)))
		return nil
	})
}

// GrantRole gives addr the role until the configured role lifetime elapses.
// Re-granting refreshes the expiry.
func (e *Engine) GrantRole(ctx context.Context, target [20]byte, role Role) error {
	return e.apply(ctx, "grant_role", func(ctx context.Context, now int64) error {
		if target == ([20]byte{}) {
			return ErrInvalidRecipient
		}
		if _, err := ParseRole(string(role)); err != nil {
			return err
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		expires := e.roleExpiry(now)
		if err := e.state.EscrowRoleGrant(role, target, now, expires); err != nil {
			return err
		}
		e.queue(newAdminEvent(EventTypeRoleGranted, actor, now,
			"role", string(role),
			"address", addr(target),
			"expiresAt", strconv.FormatInt(expires, 10)))
		return nil
	})
}

// RevokeRole removes a grant. Revoking an absent grant is a no-op.
func (e *Engine) RevokeRole(ctx context.Context, target [20]byte, role Role) error {
	return e.apply(ctx, "revoke_role", func(ctx context.Context, now int64) error {
		if _, err := ParseRole(string(role)); err != nil {
			return err
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		if err := e.state.EscrowRoleRevoke(role, target); err != nil {
			return err
		}
		e.queue(newAdminEvent(EventTypeRoleRevoked, actor, now, "role", string(role), "address", addr(target)))
		return nil
	})
}

// HasRole reports whether addr currently holds role.
func (e *Engine) HasRole(target [20]byte, role Role) (bool, error) {
	var active bool
	err := e.view(func(now int64) error {
		var err error
		active, err = e.state.EscrowRoleActive(role, target, now)
		return err
	})
	return active, err
}

// Admin returns the address recorded by Initialize.
func (e *Engine) Admin() ([20]byte, error) {
	var admin [20]byte
	err := e.view(func(int64) error {
		a, ok, err := e.state.EscrowMetaGet()
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotInitialized
		}
		admin = a
		return nil
	})
	return admin, err
}
