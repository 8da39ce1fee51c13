package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"draftline/internal/domain"
	"draftline/internal/engine/auth"
	"draftline/internal/events"
	"draftline/internal/repo"
)

// Principal is an actor with its resolved roles and permissions.
type Principal struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// WhoAmI resolves the roles and permissions granted to actorID.
func (e Engine) WhoAmI(ctx context.Context, actorID string) (Principal, error) {
	roles, err := e.Repo.ActorRoles(ctx, actorID)
	if err != nil {
		return Principal{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, actorID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// GrantRole assigns roleID to target. The first grant on a fresh database
// needs no permission.
func (e Engine) GrantRole(ctx context.Context, actorID, target, roleID string) error {
	return e.changeRole(ctx, actorID, target, roleID, true)
}

func (e Engine) RevokeRole(ctx context.Context, actorID, target, roleID string) error {
	return e.changeRole(ctx, actorID, target, roleID, false)
}

func (e Engine) changeRole(ctx context.Context, actorID, target, roleID string, grant bool) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return domain.Invalid("actor_id", "is required")
	}
	if !e.Auth.KnownRole(roleID) {
		return domain.Invalid("role_id", "unknown role %q", roleID)
	}
	if err := e.Auth.Require(ctx, actorID, auth.PermRBACManage); err != nil {
		return err
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	evt := "rbac.role_granted"
	if grant {
		err = e.Repo.AssignRole(ctx, tx, target, roleID)
	} else {
		evt = "rbac.role_revoked"
		err = e.Repo.RevokeRole(ctx, tx, target, roleID)
	}
	if err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, evt, "", "rbac", target, actorID, events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a key for target. Only the hash is stored; the returned
// plaintext is shown once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, target, name string) (string, domain.APIKey, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		target = actorID
	}
	if target == "" {
		return "", domain.APIKey{}, domain.Invalid("actor_id", "is required")
	}
	if target != actorID {
		if err := e.Auth.Require(ctx, actorID, auth.PermRBACManage); err != nil {
			return "", domain.APIKey{}, err
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	plain := "dl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   target,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.events().Append(ctx, tx, "rbac.api_key_created", "", "api_key", key.ID, actorID, events.EventPayload{"actor_id": target, "name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}
