package db

import (
	"context"
	"fmt"
	"time"
)

// Acquire takes or renews the named lease for holder. It succeeds when the
// lease is free, expired, or already held by holder.
func (d *DB) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	tag, err := d.Pool.Exec(ctx, `
	INSERT INTO scheduler_leases (name, holder, expires_at)
	VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
	ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
	WHERE scheduler_leases.holder = EXCLUDED.holder OR scheduler_leases.expires_at <= NOW()`,
		name, holder, ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops the lease if holder still owns it.
func (d *DB) Release(ctx context.Context, name, holder string) error {
	if _, err := d.Pool.Exec(ctx, `DELETE FROM scheduler_leases WHERE name = $1 AND holder = $2`, name, holder); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}
