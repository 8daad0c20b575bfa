package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// GroupRepository resolves approver group membership. Group management CRUD
// lives outside this service.
type GroupRepository struct {
	db *sqlx.DB
}

// NewGroupRepository constructs the repository.
func NewGroupRepository(db *sqlx.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// UserIDsFromGroups returns the ids of active users who are members of the
// given active groups. Inactive users and inactive groups are filtered out.
func (r *GroupRepository) UserIDsFromGroups(ctx context.Context, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	const query = `SELECT DISTINCT u.id
	FROM group_members gm
	JOIN approver_groups g ON g.id = gm.group_id AND g.active = TRUE
	JOIN users u ON u.id = gm.user_id AND u.active = TRUE
	WHERE gm.group_id = ANY($1)`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, pq.Array(groupIDs)); err != nil {
		return nil, fmt.Errorf("resolve group members: %w", err)
	}
	return ids, nil
}
