package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/koltyakov/devrelay/internal/domain"
)

// ErrUserNotFound is returned when the user id does not exist.
var ErrUserNotFound = errors.New("user not found")

func (s *Store) CreateUser(ctx context.Context, name string) (domain.User, error) {
	id, err := newID("u")
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{ID: id, Name: strings.TrimSpace(name), CreatedAt: time.Now().UTC()}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users(id, name, created_at) VALUES(?, ?, ?)`, u.ID, u.Name, u.CreatedAt)
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var banned sql.NullTime
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at, banned_at, ban_reason FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.CreatedAt, &banned, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.BannedAt = timePtr(banned)
	u.BanReason = reason.String
	return u, nil
}

// BanUser marks the user banned. Banning an already banned user refreshes
// the reason and keeps the original timestamp.
func (s *Store) BanUser(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE users SET banned_at = COALESCE(banned_at, ?), ban_reason = ?
WHERE id = ?`, time.Now().UTC(), nullableString(reason), id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return ErrUserNotFound
	}
	return nil
}

func (s *Store) UnbanUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET banned_at = NULL, ban_reason = NULL WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return ErrUserNotFound
	}
	return nil
}

// UserBan reports the current ban state of a user. Unknown users are not
// banned.
func (s *Store) UserBan(ctx context.Context, userID string) (domain.BanState, bool, error) {
	var banned sql.NullTime
	var reason sql.NullString
	err := s.queryRow(ctx, s.userBanStmt, userBanQuery, userID).Scan(&banned, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BanState{}, false, nil
	}
	if err != nil {
		return domain.BanState{}, false, err
	}
	if !banned.Valid {
		return domain.BanState{}, false, nil
	}
	return domain.BanState{
		Kind:        domain.SubjectUser,
		SubjectID:   userID,
		Reason:      reason.String,
		EffectiveAt: banned.Time,
	}, true, nil
}
