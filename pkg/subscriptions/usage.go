package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/placebook/pkg/entitlements"
)

// UsageSource reports the current consumption of a site or place so plan
// downgrades can be validated.
type UsageSource interface {
	Usage(ctx context.Context, scope entitlements.Scope, ownerID int64) (entitlements.Usage, error)
}

// PostgresUsage counts usage from the directory tables. Events and images
// live outside this service and are reported as zero.
type PostgresUsage struct {
	db *sql.DB
}

// NewPostgresUsage creates a usage source
func NewPostgresUsage(db *sql.DB) *PostgresUsage {
	return &PostgresUsage{db: db}
}

// Usage returns the consumption of a site or place
func (u *PostgresUsage) Usage(ctx context.Context, scope entitlements.Scope, ownerID int64) (entitlements.Usage, error) {
	var usage entitlements.Usage
	switch scope {
	case entitlements.ScopeSite:
		query := `
			SELECT
				(SELECT COUNT(*) FROM places WHERE site_id = s.id),
				(SELECT COUNT(*) FROM places WHERE site_id = s.id AND featured),
				(SELECT COUNT(*) FROM site_memberships WHERE site_id = s.id AND role = 'siteadmin'),
				s.custom_domain IS NOT NULL AND s.custom_domain <> '',
				s.registration_closed
			FROM sites s
			WHERE s.id = $1
		`
		err := u.db.QueryRowContext(ctx, query, ownerID).Scan(
			&usage.Places, &usage.FeaturedPlaces, &usage.Admins, &usage.UsesCustomDomain, &usage.RegistrationClosed)
		if errors.Is(err, sql.ErrNoRows) {
			return usage, fmt.Errorf("site %d: %w", ownerID, ErrNotFound)
		}
		if err != nil {
			return usage, fmt.Errorf("failed to count site usage: %w", err)
		}
	case entitlements.ScopePlace:
		query := `
			SELECT
				CASE WHEN p.featured THEN 1 ELSE 0 END,
				(SELECT COUNT(*) FROM place_memberships WHERE place_id = p.id AND role IN ('owner', 'manager'))
			FROM places p
			WHERE p.id = $1
		`
		err := u.db.QueryRowContext(ctx, query, ownerID).Scan(&usage.FeaturedPlaces, &usage.Admins)
		if errors.Is(err, sql.ErrNoRows) {
			return usage, fmt.Errorf("place %d: %w", ownerID, ErrNotFound)
		}
		if err != nil {
			return usage, fmt.Errorf("failed to count place usage: %w", err)
		}
	default:
		return usage, fmt.Errorf("unknown scope %q", scope)
	}
	return usage, nil
}
