package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/devrelay/internal/domain"
)

const defaultDataEventPurgeLimit = 5000

// HandleData persists one relayed data frame.
func (s *Store) HandleData(ctx context.Context, ev domain.DataEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.exec(ctx, s.insertDataEventStmt, insertDataEventQuery,
		ev.EndpointID, ev.DeviceID, payload, boolToInt(len(ev.Data) > 0), ev.ReceivedAt.UTC())
	return err
}

// HandleResult persists a terminal command resolution. A command id is
// stored at most once.
func (s *Store) HandleResult(ctx context.Context, res domain.CommandResult) error {
	_, err := s.exec(ctx, s.insertCmdResultStmt, insertCommandResultQuery,
		res.CommandID, res.EndpointID, res.DeviceID, string(res.Status), nullableString(res.Error),
		res.IssuedAt.UTC(), res.ResolvedAt.UTC(), res.Duration.Milliseconds())
	return err
}

// CommandResult loads a persisted resolution, or domain.ErrCommandNotFound.
func (s *Store) CommandResult(ctx context.Context, commandID string) (domain.CommandResult, error) {
	var res domain.CommandResult
	var status string
	var errText sql.NullString
	var durationMS int64
	err := s.db.QueryRowContext(ctx, `
SELECT command_id, endpoint_id, device_id, status, error, issued_at, resolved_at, duration_ms
FROM command_results WHERE command_id = ?`, commandID).
		Scan(&res.CommandID, &res.EndpointID, &res.DeviceID, &status, &errText, &res.IssuedAt, &res.ResolvedAt, &durationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CommandResult{}, domain.ErrCommandNotFound
	}
	if err != nil {
		return domain.CommandResult{}, err
	}
	res.Status = domain.CommandStatus(status)
	res.Error = errText.String
	res.Duration = time.Duration(durationMS) * time.Millisecond
	return res, nil
}

// RecentDataEvents returns up to limit most recent events of one device,
// newest first.
func (s *Store) RecentDataEvents(ctx context.Context, endpointID, deviceID string, limit int) ([]domain.DataEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT endpoint_id, device_id, payload, is_json, received_at
FROM data_events
WHERE endpoint_id = ? AND device_id = ?
ORDER BY received_at DESC, id DESC
LIMIT ?`, endpointID, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.DataEvent
	for rows.Next() {
		var ev domain.DataEvent
		var isJSON int
		if err := rows.Scan(&ev.EndpointID, &ev.DeviceID, &ev.Payload, &isJSON, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		if isJSON == 1 {
			ev.Data = ev.Payload
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeDataEvents deletes data events and command results received before
// cutoff, in bounded chunks so a large backlog does not hold the write lock.
func (s *Store) PurgeDataEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	var total int64
	for {
		res, err := s.db.ExecContext(ctx, `
DELETE FROM data_events
WHERE id IN (SELECT id FROM data_events WHERE received_at < ? LIMIT ?)`, cutoff, defaultDataEventPurgeLimit)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < defaultDataEventPurgeLimit {
			break
		}
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM command_results WHERE resolved_at < ?`, cutoff)
	if err != nil {
		return total, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return total, err
	}
	return total + n, nil
}
