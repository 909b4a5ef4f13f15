package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/koltyakov/devrelay/internal/domain"
)

const selectEndpointColumns = `id, user_id, name, mode, custom_header, key_hash, created_at, disabled_at, disabled_reason`

// CreateEndpoint stores a new endpoint owned by userID. keyHash is the
// hashed device connect key.
func (s *Store) CreateEndpoint(ctx context.Context, userID, name string, mode domain.ForwardMode, header, keyHash string) (domain.Endpoint, error) {
	if err := domain.ValidateMode(mode, header); err != nil {
		return domain.Endpoint{}, err
	}
	id, err := newID("ep")
	if err != nil {
		return domain.Endpoint{}, err
	}
	e := domain.Endpoint{
		ID:           id,
		UserID:       userID,
		Name:         strings.TrimSpace(name),
		Mode:         mode,
		CustomHeader: header,
		KeyHash:      keyHash,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return domain.Endpoint{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO endpoints(id, user_id, name, mode, custom_header, key_hash, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`, e.ID, e.UserID, e.Name, string(e.Mode), e.CustomHeader, e.KeyHash, e.CreatedAt)
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (domain.Endpoint, error) {
	var e domain.Endpoint
	var mode string
	var disabled sql.NullTime
	var reason sql.NullString
	if err := row.Scan(&e.ID, &e.UserID, &e.Name, &mode, &e.CustomHeader, &e.KeyHash, &e.CreatedAt, &disabled, &reason); err != nil {
		return domain.Endpoint{}, err
	}
	e.Mode = domain.ForwardMode(mode)
	e.DisabledAt = timePtr(disabled)
	e.DisabledReason = reason.String
	return e, nil
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (domain.Endpoint, error) {
	e, err := scanEndpoint(s.db.QueryRowContext(ctx, `SELECT `+selectEndpointColumns+` FROM endpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Endpoint{}, domain.ErrEndpointNotFound
	}
	return e, err
}

// ListEndpoints returns endpoints of userID, or all endpoints when userID is
// empty.
func (s *Store) ListEndpoints(ctx context.Context, userID string) ([]domain.Endpoint, error) {
	query := `SELECT ` + selectEndpointColumns + ` FROM endpoints`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetEndpointMode changes the forwarding mode after validating the
// mode/header pairing.
func (s *Store) SetEndpointMode(ctx context.Context, id string, mode domain.ForwardMode, header string) error {
	if err := domain.ValidateMode(mode, header); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE endpoints SET mode = ?, custom_header = ? WHERE id = ?`, string(mode), header, id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return domain.ErrEndpointNotFound
	}
	return nil
}

// RotateEndpointKey replaces the device key hash of an endpoint. Devices
// already connected keep their session; the new key applies from the next
// handshake.
func (s *Store) RotateEndpointKey(ctx context.Context, id, keyHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE endpoints SET key_hash = ? WHERE id = ?`, keyHash, id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return domain.ErrEndpointNotFound
	}
	return nil
}

func (s *Store) DisableEndpoint(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE endpoints SET disabled_at = COALESCE(disabled_at, ?), disabled_reason = ?
WHERE id = ?`, time.Now().UTC(), nullableString(reason), id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return domain.ErrEndpointNotFound
	}
	return nil
}

func (s *Store) EnableEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE endpoints SET disabled_at = NULL, disabled_reason = NULL WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return domain.ErrEndpointNotFound
	}
	return nil
}

// EndpointDisable reports whether the endpoint is disabled. Unknown
// endpoints are not disabled; authentication rejects them first.
func (s *Store) EndpointDisable(ctx context.Context, endpointID string) (domain.BanState, bool, error) {
	var disabled sql.NullTime
	var reason sql.NullString
	err := s.queryRow(ctx, s.endpointDisableStmt, endpointDisableQuery, endpointID).Scan(&disabled, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BanState{}, false, nil
	}
	if err != nil {
		return domain.BanState{}, false, err
	}
	if !disabled.Valid {
		return domain.BanState{}, false, nil
	}
	return domain.BanState{
		Kind:        domain.SubjectEndpoint,
		SubjectID:   endpointID,
		Reason:      reason.String,
		EffectiveAt: disabled.Time,
	}, true, nil
}

// EndpointMode returns the forwarding mode and custom header of an endpoint.
func (s *Store) EndpointMode(ctx context.Context, endpointID string) (domain.ForwardMode, string, error) {
	var mode, header string
	err := s.queryRow(ctx, s.endpointModeStmt, endpointModeQuery, endpointID).Scan(&mode, &header)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", domain.ErrEndpointNotFound
	}
	if err != nil {
		return "", "", err
	}
	return domain.ForwardMode(mode), header, nil
}

// AuthenticateEndpoint returns the owning user id when keyHash matches the
// endpoint's connect key, and domain.ErrUnauthorized otherwise.
func (s *Store) AuthenticateEndpoint(ctx context.Context, endpointID, keyHash string) (string, error) {
	var userID string
	err := s.queryRow(ctx, s.authenticateEndpStmt, authenticateEndpointQuery, endpointID, keyHash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrUnauthorized
	}
	return userID, err
}
