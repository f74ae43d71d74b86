package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const peerColumns = `
			peer_id,
			display_name,
			signing_key,
			key_fingerprint,
			verified,
			status,
			first_seen,
			last_seen,
			last_address`

// UpsertPeer records a handshake. first_seen and status survive updates.
// keyChanged reports that a previously pinned signing key was replaced.
func (s *Store) UpsertPeer(peer Peer) (keyChanged bool, err error) {
	if peer.PeerID == "" {
		return false, errors.New("peer_id is required")
	}
	if peer.LastSeen == 0 {
		peer.LastSeen = nowUnixMilli()
	}

	existing, err := s.GetPeer(peer.PeerID)
	switch {
	case errors.Is(err, ErrNotFound):
		_, err = s.db.Exec(
			`INSERT INTO peers (`+peerColumns+`
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			peer.PeerID,
			peer.DisplayName,
			peer.SigningKey,
			peer.KeyFingerprint,
			boolToInt(peer.Verified),
			PeerStatusKnown,
			peer.LastSeen,
			peer.LastSeen,
			nullString(peer.LastAddress),
		)
		if err != nil {
			return false, fmt.Errorf("insert peer %q: %w", peer.PeerID, err)
		}
		return false, nil
	case err != nil:
		return false, err
	}

	keyChanged = existing.SigningKey != "" && peer.SigningKey != "" && existing.SigningKey != peer.SigningKey
	if peer.SigningKey == "" {
		peer.SigningKey = existing.SigningKey
		peer.KeyFingerprint = existing.KeyFingerprint
	}
	if strings.TrimSpace(peer.DisplayName) == "" {
		peer.DisplayName = existing.DisplayName
	}
	if peer.LastAddress == nil {
		peer.LastAddress = existing.LastAddress
	}

	_, err = s.db.Exec(
		`UPDATE peers
		SET display_name = ?,
		    signing_key = ?,
		    key_fingerprint = ?,
		    verified = ?,
		    last_seen = ?,
		    last_address = ?
		WHERE peer_id = ?`,
		peer.DisplayName,
		peer.SigningKey,
		peer.KeyFingerprint,
		boolToInt(peer.Verified),
		peer.LastSeen,
		nullString(peer.LastAddress),
		peer.PeerID,
	)
	if err != nil {
		return false, fmt.Errorf("update peer %q: %w", peer.PeerID, err)
	}
	return keyChanged, nil
}

// GetPeer fetches a peer by id.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	row := s.db.QueryRow(`SELECT`+peerColumns+`
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}
	return peer, nil
}

// ListPeers returns all peers, most recently seen first.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT` + peerColumns + `
		FROM peers
		ORDER BY last_seen DESC, peer_id`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// SetPeerStatus blocks or unblocks a peer.
func (s *Store) SetPeerStatus(peerID, status string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validatePeerStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(`UPDATE peers SET status = ? WHERE peer_id = ?`, status, peerID)
	if err != nil {
		return fmt.Errorf("update peer status %q: %w", peerID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer status update %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IsPeerBlocked reports whether peerID is known and blocked.
func (s *Store) IsPeerBlocked(peerID string) (bool, error) {
	peer, err := s.GetPeer(peerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return peer.Status == PeerStatusBlocked, nil
}

// RemovePeer deletes a peer and its remembered permissions.
func (s *Store) RemovePeer(peerID string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID)
		if err != nil {
			return fmt.Errorf("remove peer %q: %w", peerID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("remove peer %q: %w", peerID, err)
		} else if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(`DELETE FROM permissions WHERE peer_id = ?`, peerID); err != nil {
			return fmt.Errorf("remove permissions of %q: %w", peerID, err)
		}
		return nil
	})
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer        Peer
		verified    int
		lastAddress sql.NullString
	)
	if err := row.Scan(
		&peer.PeerID,
		&peer.DisplayName,
		&peer.SigningKey,
		&peer.KeyFingerprint,
		&verified,
		&peer.Status,
		&peer.FirstSeen,
		&peer.LastSeen,
		&lastAddress,
	); err != nil {
		return nil, err
	}

	peer.Verified = verified != 0
	peer.LastAddress = stringPtr(lastAddress)
	return &peer, nil
}
