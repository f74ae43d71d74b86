package storage

import (
	"errors"
	"fmt"
	"strings"
)

// RecordTransfer stores the outcome of a finished session.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.SessionID == "" {
		return errors.New("session_id is required")
	}
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return err
	}
	if record.FinishedAt == 0 {
		record.FinishedAt = nowUnixMilli()
	}
	if record.StartedAt == 0 {
		record.StartedAt = record.FinishedAt
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO transfer_history (
			session_id,
			peer_id,
			direction,
			modpack,
			status,
			files_done,
			files_total,
			bytes_done,
			bytes_total,
			error,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		record.PeerID,
		record.Direction,
		record.Modpack,
		record.Status,
		record.FilesDone,
		record.FilesTotal,
		record.BytesDone,
		record.BytesTotal,
		record.Error,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.SessionID, err)
	}
	return nil
}

// ListTransfers returns finished sessions, newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]TransferRecord, error) {
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := max(filter.Offset, 0)

	query := strings.Builder{}
	query.WriteString(`SELECT
		session_id,
		peer_id,
		direction,
		modpack,
		status,
		files_done,
		files_total,
		bytes_done,
		bytes_total,
		error,
		started_at,
		finished_at
	FROM transfer_history`)

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY finished_at DESC, session_id LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		var r TransferRecord
		if err := rows.Scan(
			&r.SessionID,
			&r.PeerID,
			&r.Direction,
			&r.Modpack,
			&r.Status,
			&r.FilesDone,
			&r.FilesTotal,
			&r.BytesDone,
			&r.BytesTotal,
			&r.Error,
			&r.StartedAt,
			&r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}
