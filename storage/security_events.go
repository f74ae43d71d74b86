package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// securityPruneInterval bounds how often LogSecurityEvent deletes expired rows.
// A peer hammering the rate limiter must not turn every insert into a DELETE.
const securityPruneInterval = time.Hour

var severityRank = map[string]int{
	SecuritySeverityInfo:     0,
	SecuritySeverityWarning:  1,
	SecuritySeverityCritical: 2,
}

func severityName(rank int) string {
	for name, r := range severityRank {
		if r == rank {
			return name
		}
	}
	return SecuritySeverityInfo
}

// SetSecurityEventRetention sets how long security events are kept.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.pruneMu.Lock()
	s.securityEventRetention = retention
	s.lastSecurityPrune = time.Time{}
	s.pruneMu.Unlock()
}

// LogSecurityEvent stores one refused or suspicious request.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventType == "" {
		return errors.New("event type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, peer_id, remote_addr, modpack, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullIfEmpty(strings.TrimSpace(event.PeerID)),
		event.RemoteAddr,
		event.Modpack,
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	return s.pruneSecurityEventsIfDue()
}

func (s *Store) pruneSecurityEventsIfDue() error {
	s.pruneMu.Lock()
	retention := s.securityEventRetention
	due := retention > 0 && time.Since(s.lastSecurityPrune) >= securityPruneInterval
	if due {
		s.lastSecurityPrune = time.Now()
	}
	s.pruneMu.Unlock()
	if !due {
		return nil
	}

	if _, err := s.PruneSecurityEvents(time.Now().Add(-retention).UnixMilli()); err != nil {
		return fmt.Errorf("prune security events: %w", err)
	}
	return nil
}

// ListSecurityEvents returns matching events, newest first.
func (s *Store) ListSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	var where []string
	var args []any

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Modpack != "" {
		where = append(where, "modpack = ?")
		args = append(args, filter.Modpack)
	}
	if filter.MinSeverity != "" {
		rank, ok := severityRank[filter.MinSeverity]
		if !ok {
			return nil, fmt.Errorf("invalid security event severity %q", filter.MinSeverity)
		}
		var allowed []string
		for severity, r := range severityRank {
			if r >= rank {
				allowed = append(allowed, "'"+severity+"'")
			}
		}
		where = append(where, "severity IN ("+strings.Join(allowed, ",")+")")
	}
	if filter.Since > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, event_type, COALESCE(peer_id, ''), remote_addr, modpack, details, severity, timestamp FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var event SecurityEvent
		if err := rows.Scan(&event.ID, &event.EventType, &event.PeerID, &event.RemoteAddr, &event.Modpack,
			&event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// SummarizeSecurityEvents counts events per type and peer since the given time.
func (s *Store) SummarizeSecurityEvents(since int64) ([]SecurityEventCount, error) {
	rows, err := s.db.Query(
		`SELECT event_type, COALESCE(peer_id, ''),
			MAX(CASE severity WHEN 'critical' THEN 2 WHEN 'warning' THEN 1 ELSE 0 END),
			COUNT(*), MAX(timestamp)
		FROM security_events
		WHERE timestamp >= ?
		GROUP BY event_type, peer_id
		ORDER BY COUNT(*) DESC, event_type`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize security events: %w", err)
	}
	defer rows.Close()

	var counts []SecurityEventCount
	for rows.Next() {
		var c SecurityEventCount
		var rank int
		if err := rows.Scan(&c.EventType, &c.PeerID, &rank, &c.Count, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("scan security summary row: %w", err)
		}
		c.Severity = severityName(rank)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// PruneSecurityEvents removes events older than cutoffTimestamp.
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}
