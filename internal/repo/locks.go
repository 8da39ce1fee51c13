package repo

import (
	"context"
	"time"
)

// TryLock takes key for owner until now+ttl. An existing unexpired lock held by
// anyone else makes it return false.
func (r Repo) TryLock(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (bool, error) {
	acquired := now.UTC().Format(time.RFC3339)
	expires := now.UTC().Add(ttl).Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`INSERT INTO locks(key,owner,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET owner=excluded.owner, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE locks.expires_at <= ?`), key, owner, acquired, expires, acquired)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Unlock releases key if owner still holds it.
func (r Repo) Unlock(ctx context.Context, key, owner string) error {
	_, err := r.DB.ExecContext(ctx, r.DB.Rebind(`DELETE FROM locks WHERE key=? AND owner=?`), key, owner)
	return err
}

// LockOwner returns the current holder of key, or ErrNotFound.
func (r Repo) LockOwner(ctx context.Context, key string, now time.Time) (string, error) {
	var owner string
	err := r.DB.GetContext(ctx, &owner, r.DB.Rebind(`SELECT owner FROM locks WHERE key=? AND expires_at > ?`), key, now.UTC().Format(time.RFC3339))
	if err != nil {
		return "", notFound(err)
	}
	return owner, nil
}

func (r Repo) PurgeExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`DELETE FROM locks WHERE expires_at <= ?`), now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
