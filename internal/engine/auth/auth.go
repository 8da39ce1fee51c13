package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"draftline/internal/config"
	"draftline/internal/repo"
)

// Permissions checked by the engine.
const (
	PermJobCreate    = "job.create"
	PermJobRead      = "job.read"
	PermJobCancel    = "job.cancel"
	PermJobRetry     = "job.retry"
	PermPlanRevise   = "plan.revise"
	PermPlanApprove  = "plan.approve"
	PermArtifactRead = "artifact.read"
	PermRBACManage   = "rbac.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// IsForbidden reports whether err is a ForbiddenError.
func IsForbidden(err error) bool {
	var fe ForbiddenError
	return errors.As(err, &fe)
}

// Service resolves permissions from role assignments stored in SQL and role
// definitions from config. With no assignments at all every actor is allowed,
// which keeps a fresh single-user install usable.
type Service struct {
	Repo  repo.Repo
	Roles map[string]config.RBACRole
}

func (s Service) ActorPermissions(ctx context.Context, actorID string) ([]string, error) {
	roles, err := s.Repo.ActorRoles(ctx, actorID)
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	for _, r := range roles {
		for _, p := range s.Roles[r].Permissions {
			set[p] = true
		}
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}

func (s Service) ActorHasPermission(ctx context.Context, actorID, perm string) (bool, error) {
	open, err := s.open(ctx)
	if err != nil || open {
		return open, err
	}
	perms, err := s.ActorPermissions(ctx, actorID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// Require returns ForbiddenError when actorID lacks perm.
func (s Service) Require(ctx context.Context, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// KnownRole reports whether roleID is defined in config.
func (s Service) KnownRole(roleID string) bool {
	_, ok := s.Roles[roleID]
	return ok
}

func (s Service) open(ctx context.Context) (bool, error) {
	if len(s.Roles) == 0 {
		return true, nil
	}
	n, err := s.Repo.CountRoleAssignments(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
