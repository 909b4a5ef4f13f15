package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/koltyakov/devrelay/internal/domain"
)

// ErrGroupNotFound is returned when the device group id does not exist.
var ErrGroupNotFound = errors.New("device group not found")

func (s *Store) CreateGroup(ctx context.Context, userID, name string) (domain.DeviceGroup, error) {
	id, err := newID("g")
	if err != nil {
		return domain.DeviceGroup{}, err
	}
	g := domain.DeviceGroup{ID: id, UserID: userID, Name: strings.TrimSpace(name), CreatedAt: time.Now().UTC()}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return domain.DeviceGroup{}, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO device_groups(id, user_id, name, created_at) VALUES(?, ?, ?, ?)`,
		g.ID, g.UserID, g.Name, g.CreatedAt)
	return g, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func groupExists(ctx context.Context, q queryRower, groupID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM device_groups WHERE id = ?`, groupID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrGroupNotFound
	}
	return err
}

// AddGroupMembers adds targets to a group. Existing members are left as is.
func (s *Store) AddGroupMembers(ctx context.Context, groupID string, targets []domain.DeviceTarget) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := groupExists(ctx, tx, groupID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, t := range targets {
		if strings.TrimSpace(t.EndpointID) == "" || strings.TrimSpace(t.DeviceID) == "" {
			return errors.New("group member needs endpoint and device id")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO group_members(group_id, endpoint_id, device_id, added_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(group_id, endpoint_id, device_id) DO NOTHING`, groupID, t.EndpointID, t.DeviceID, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RemoveGroupMember deletes one target from a group.
func (s *Store) RemoveGroupMember(ctx context.Context, groupID string, t domain.DeviceTarget) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ? AND endpoint_id = ? AND device_id = ?`,
		groupID, t.EndpointID, t.DeviceID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ListGroupMembers returns the targets of a group in insertion order.
func (s *Store) ListGroupMembers(ctx context.Context, groupID string) ([]domain.DeviceTarget, error) {
	if err := groupExists(ctx, s.db, groupID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT endpoint_id, device_id FROM group_members
WHERE group_id = ?
ORDER BY added_at, endpoint_id, device_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.DeviceTarget
	for rows.Next() {
		var t domain.DeviceTarget
		if err := rows.Scan(&t.EndpointID, &t.DeviceID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
