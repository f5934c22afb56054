package safety

import (
	"context"
	"errors"
	"fmt"

	"execution-core/pkg/db"
)

var ErrForbidden = errors.New("superuser privileges required")

// UserLookup resolves the caller of an admin operation.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*db.User, error)
}

// Admin gates registry writes behind a superuser check.
type Admin struct {
	registry *Registry
	users    UserLookup
}

// NewAdmin wraps a registry.
func NewAdmin(registry *Registry, users UserLookup) *Admin {
	return &Admin{registry: registry, users: users}
}

func (a *Admin) authorize(ctx context.Context, userID string) error {
	u, err := a.users.GetUser(ctx, userID)
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrUserIDRequired) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("load admin user: %w", err)
	}
	if !u.IsSuperuser || !u.IsActive {
		return ErrForbidden
	}
	return nil
}

// ActivateKillSwitch halts trading on behalf of a superuser.
func (a *Admin) ActivateKillSwitch(ctx context.Context, userID, reason string) error {
	if err := a.authorize(ctx, userID); err != nil {
		return err
	}
	if reason == "" {
		reason = "manual activation"
	}
	return a.registry.Activate(ctx, userID, reason)
}

// ClearKillSwitch resumes trading on behalf of a superuser.
func (a *Admin) ClearKillSwitch(ctx context.Context, userID string) error {
	if err := a.authorize(ctx, userID); err != nil {
		return err
	}
	return a.registry.Clear(ctx, userID)
}

// SetMarketStatus changes the regime on behalf of a superuser.
func (a *Admin) SetMarketStatus(ctx context.Context, userID string, status MarketStatus) error {
	if err := a.authorize(ctx, userID); err != nil {
		return err
	}
	return a.registry.SetMarketStatus(ctx, userID, status)
}

// Status is readable by anyone.
func (a *Admin) Status(ctx context.Context) Status {
	return a.registry.Status(ctx)
}
