package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// LookupRemembered returns a stored decision for peerID and contentType.
// found is false when the user never chose to remember one.
func (s *Store) LookupRemembered(peerID, contentType string) (allowed, found bool, err error) {
	var value int
	err = s.db.QueryRow(
		`SELECT allowed FROM permissions WHERE peer_id = ? AND content_type = ?`,
		peerID,
		contentType,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("lookup permission %q/%q: %w", peerID, contentType, err)
	}
	return value != 0, true, nil
}

// RememberPermission stores or replaces a decision.
func (s *Store) RememberPermission(peerID, contentType string, allowed bool) error {
	if strings.TrimSpace(peerID) == "" {
		return errors.New("peer_id is required")
	}
	if strings.TrimSpace(contentType) == "" {
		return errors.New("content_type is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO permissions (peer_id, content_type, allowed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id, content_type) DO UPDATE SET
			allowed = excluded.allowed,
			updated_at = excluded.updated_at`,
		peerID,
		contentType,
		boolToInt(allowed),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("remember permission %q/%q: %w", peerID, contentType, err)
	}
	return nil
}

// ForgetPermission deletes a remembered decision.
func (s *Store) ForgetPermission(peerID, contentType string) error {
	res, err := s.db.Exec(
		`DELETE FROM permissions WHERE peer_id = ? AND content_type = ?`,
		peerID,
		contentType,
	)
	if err != nil {
		return fmt.Errorf("forget permission %q/%q: %w", peerID, contentType, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for forget permission: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPermissions returns remembered decisions, all peers when peerID is empty.
func (s *Store) ListPermissions(peerID string) ([]Permission, error) {
	query := `SELECT peer_id, content_type, allowed, updated_at FROM permissions`
	args := make([]any, 0, 1)
	if peerID != "" {
		query += ` WHERE peer_id = ?`
		args = append(args, peerID)
	}
	query += ` ORDER BY peer_id, content_type`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	permissions := make([]Permission, 0)
	for rows.Next() {
		var (
			p       Permission
			allowed int
		)
		if err := rows.Scan(&p.PeerID, &p.ContentType, &allowed, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}
		p.Allowed = allowed != 0
		permissions = append(permissions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission rows: %w", err)
	}
	return permissions, nil
}
