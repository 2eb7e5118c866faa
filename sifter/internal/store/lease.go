package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/signalsifter/dbopen"
)

const leaseColumns = `scope, owner_id, hostname, pid, acquired_at, renewed_at, expires_at`

// ClaimLease tries to take l.Scope for l.OwnerID. The claim succeeds when
// the scope is free or its lease expired before l.AcquiredAt.
//
// When exclusivePrefix is set (e.g. "platform:"), the claim also fails while
// any other live lease under that prefix exists; check and claim share one
// transaction. On failure the blocking lease is returned.
func (s *Store) ClaimLease(ctx context.Context, l *Lease, exclusivePrefix string) (bool, *Lease, error) {
	var (
		claimed bool
		blocker *Lease
	)
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		claimed, blocker = false, nil
		if exclusivePrefix != "" {
			row := tx.QueryRowContext(ctx,
				`SELECT `+leaseColumns+` FROM leases
				WHERE substr(scope, 1, ?) = ? AND scope != ? AND expires_at > ?
				ORDER BY acquired_at LIMIT 1`,
				len(exclusivePrefix), exclusivePrefix, l.Scope, l.AcquiredAt)
			other, err := scanLease(row)
			if err != nil {
				return err
			}
			if other != nil {
				blocker = other
				return nil
			}
		}

		var owner string
		err := tx.QueryRowContext(ctx,
			`INSERT INTO leases (`+leaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (scope) DO UPDATE SET
				owner_id = excluded.owner_id,
				hostname = excluded.hostname,
				pid = excluded.pid,
				acquired_at = excluded.acquired_at,
				renewed_at = excluded.renewed_at,
				expires_at = excluded.expires_at
			WHERE leases.expires_at <= excluded.acquired_at
			RETURNING owner_id`,
			l.Scope, l.OwnerID, l.Hostname, l.PID, l.AcquiredAt, l.RenewedAt, l.ExpiresAt).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			holder, err := scanLease(tx.QueryRowContext(ctx,
				`SELECT `+leaseColumns+` FROM leases WHERE scope = ?`, l.Scope))
			blocker = holder
			return err
		}
		if err != nil {
			return err
		}
		claimed = owner == l.OwnerID
		return nil
	})
	if err != nil {
		return false, nil, fmt.Errorf("store: claim lease %s: %w", l.Scope, err)
	}
	return claimed, blocker, nil
}

// RenewLease pushes expires_at forward if ownerID still holds scope.
func (s *Store) RenewLease(ctx context.Context, scope, ownerID string, now, expiresAt int64) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE leases SET renewed_at = ?, expires_at = ? WHERE scope = ? AND owner_id = ?`,
		now, expiresAt, scope, ownerID)
	if err != nil {
		return false, fmt.Errorf("store: renew lease %s: %w", scope, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseLease deletes the lease if ownerID still holds it.
func (s *Store) ReleaseLease(ctx context.Context, scope, ownerID string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`DELETE FROM leases WHERE scope = ? AND owner_id = ?`, scope, ownerID)
	if err != nil {
		return fmt.Errorf("store: release lease %s: %w", scope, err)
	}
	return nil
}

// GetLease returns the lease row for scope, live or not.
func (s *Store) GetLease(ctx context.Context, scope string) (*Lease, error) {
	return scanLease(s.DB.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE scope = ?`, scope))
}

// ListLeases returns every lease row, including expired ones.
func (s *Store) ListLeases(ctx context.Context) ([]*Lease, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+leaseColumns+` FROM leases ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLease(row scanner) (*Lease, error) {
	var l Lease
	err := row.Scan(&l.Scope, &l.OwnerID, &l.Hostname, &l.PID, &l.AcquiredAt, &l.RenewedAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan lease: %w", err)
	}
	return &l, nil
}
