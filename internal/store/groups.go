package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventGroup clusters posts describing the same real-world event under one
// canonical primary. A primary is never itself a merged member of another
// group; merges always resolve to the canonical primary first.
type EventGroup struct {
	ID            int64
	PrimaryPostID int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GroupForPrimary fetches the group whose primary is the given post, or nil.
func (s *Store) GroupForPrimary(ctx context.Context, primaryID int64) (*EventGroup, error) {
	var g EventGroup
	err := s.db.QueryRowContext(ctx, `
		SELECT id, primary_post_id, created_at, updated_at FROM event_groups WHERE primary_post_id = ?
	`, primaryID).Scan(&g.ID, &g.PrimaryPostID, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying group for primary %d: %w", primaryID, err)
	}
	return &g, nil
}

// GroupForMember fetches the group a post is merged into, or nil.
func (s *Store) GroupForMember(ctx context.Context, postID int64) (*EventGroup, error) {
	var g EventGroup
	err := s.db.QueryRowContext(ctx, `
		SELECT g.id, g.primary_post_id, g.created_at, g.updated_at
		FROM event_groups g
		JOIN event_group_members m ON m.group_id = g.id
		WHERE m.post_id = ?
	`, postID).Scan(&g.ID, &g.PrimaryPostID, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying group for member %d: %w", postID, err)
	}
	return &g, nil
}

// GroupMemberIDs returns the merged post ids of a group, primary excluded.
func (s *Store) GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id FROM event_group_members WHERE group_id = ? ORDER BY post_id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("querying group members: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MergePost merges duplicateID under primaryID in one transaction, creating
// the group on first merge. If primaryID is itself a merged member somewhere,
// the merge resolves to that group's canonical primary so no cycles form.
func (s *Store) MergePost(ctx context.Context, primaryID, duplicateID int64) (int64, error) {
	if primaryID == duplicateID {
		return 0, fmt.Errorf("post %d cannot merge with itself", primaryID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning merge transaction: %w", err)
	}
	defer tx.Rollback()

	// Resolve through one indirection level: a member's group primary wins.
	var resolved int64
	err = tx.QueryRowContext(ctx, `
		SELECT g.primary_post_id FROM event_groups g
		JOIN event_group_members m ON m.group_id = g.id
		WHERE m.post_id = ?
	`, primaryID).Scan(&resolved)
	switch {
	case err == sql.ErrNoRows:
		resolved = primaryID
	case err != nil:
		return 0, fmt.Errorf("resolving canonical primary for %d: %w", primaryID, err)
	}
	if resolved == duplicateID {
		return 0, fmt.Errorf("post %d is already the primary of this group", duplicateID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_groups (primary_post_id) VALUES (?)
		ON CONFLICT(primary_post_id) DO NOTHING
	`, resolved); err != nil {
		return 0, fmt.Errorf("ensuring group for primary %d: %w", resolved, err)
	}

	var groupID int64
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM event_groups WHERE primary_post_id = ?
	`, resolved).Scan(&groupID); err != nil {
		return 0, fmt.Errorf("loading group for primary %d: %w", resolved, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_group_members (group_id, post_id) VALUES (?, ?)
		ON CONFLICT(post_id) DO UPDATE SET group_id = excluded.group_id
	`, groupID, duplicateID); err != nil {
		return 0, fmt.Errorf("adding member %d to group %d: %w", duplicateID, groupID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE posts SET is_duplicate = 1, duplicate_of = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, resolved, duplicateID); err != nil {
		return 0, fmt.Errorf("marking post %d duplicate: %w", duplicateID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing merge: %w", err)
	}
	return groupID, nil
}

// SwapPrimary atomically promotes a richer member to group primary and
// demotes the old primary to a merged member. The whole decide-then-write
// runs as one transaction guarded by a compare-and-swap on the current
// primary, so concurrent batches cannot interleave a stale swap.
func (s *Store) SwapPrimary(ctx context.Context, groupID, oldPrimaryID, newPrimaryID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning swap transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE event_groups
		SET primary_post_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND primary_post_id = ?
	`, newPrimaryID, groupID, oldPrimaryID)
	if err != nil {
		return fmt.Errorf("swapping group %d primary: %w", groupID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %d primary changed concurrently, swap aborted", groupID)
	}

	// New primary leaves the member set, old primary joins it. Member count
	// is preserved: one out, one in.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM event_group_members WHERE group_id = ? AND post_id = ?
	`, groupID, newPrimaryID); err != nil {
		return fmt.Errorf("removing new primary from members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_group_members (group_id, post_id) VALUES (?, ?)
		ON CONFLICT(post_id) DO UPDATE SET group_id = excluded.group_id
	`, groupID, oldPrimaryID); err != nil {
		return fmt.Errorf("adding old primary to members: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE posts SET is_duplicate = 0, duplicate_of = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, newPrimaryID); err != nil {
		return fmt.Errorf("promoting post %d: %w", newPrimaryID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE posts SET is_duplicate = 1, duplicate_of = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id IN (SELECT post_id FROM event_group_members WHERE group_id = ?)
	`, newPrimaryID, groupID); err != nil {
		return fmt.Errorf("repointing group %d members: %w", groupID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing swap: %w", err)
	}
	return nil
}
