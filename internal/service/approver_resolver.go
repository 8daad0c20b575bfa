package service

import (
	"context"

	"github.com/erpgate/erpgate-api/internal/models"
	appErrors "github.com/erpgate/erpgate-api/pkg/errors"
)

type groupMembershipStore interface {
	UserIDsFromGroups(ctx context.Context, groupIDs []string) ([]string, error)
}

type approverLookupStore interface {
	ActiveRefsByIDs(ctx context.Context, ids []string) ([]models.ApproverRef, error)
}

// ApproverResolver resolves a workflow level's effective approver set: the
// de-duplicated union of explicit approver ids and current group membership,
// restricted to active users. Results are never cached; the set must reflect
// membership at the moment approval rows are created.
type ApproverResolver struct {
	groups groupMembershipStore
	users  approverLookupStore
}

// NewApproverResolver constructs the resolver.
func NewApproverResolver(groups groupMembershipStore, users approverLookupStore) *ApproverResolver {
	return &ApproverResolver{groups: groups, users: users}
}

// Resolve returns the approvers for the level. An empty result is valid; the
// caller decides whether to skip the level or fail the operation.
func (r *ApproverResolver) Resolve(ctx context.Context, level *models.SnapshotLevel) ([]models.ApproverRef, error) {
	seen := make(map[string]struct{}, len(level.ApproverIDs))
	ids := make([]string, 0, len(level.ApproverIDs))
	for _, id := range level.ApproverIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if len(level.ApproverGroupIDs) > 0 {
		memberIDs, err := r.groups.UserIDsFromGroups(ctx, level.ApproverGroupIDs)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve approver groups")
		}
		for _, id := range memberIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		return nil, nil
	}

	refs, err := r.users.ActiveRefsByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve approver users")
	}
	return refs, nil
}
