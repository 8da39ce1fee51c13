package repo

import (
	"context"

	"github.com/jmoiron/sqlx"
)

func (r Repo) AssignRole(ctx context.Context, tx *sqlx.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO actor_roles(actor_id, role_id) VALUES (?,?) ON CONFLICT DO NOTHING`), actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sqlx.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`), actorID, roleID)
	return err
}

// ActorRoles lists the roles granted to actorID.
func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	var roles []string
	err := r.DB.SelectContext(ctx, &roles, r.DB.Rebind(`SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`), actorID)
	return roles, err
}

// CountRoleAssignments is used to detect an unbootstrapped database.
func (r Repo) CountRoleAssignments(ctx context.Context) (int, error) {
	var n int
	err := r.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM actor_roles`)
	return n, err
}
