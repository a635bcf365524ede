package storage

import (
	"context"
	"fmt"
)

// MonitoredSessions returns the sessions to resume monitoring at startup.
func (s *Store) MonitoredSessions(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM monitored_sessions ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("listing monitored sessions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning monitored session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) AddMonitoredSession(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO monitored_sessions (session_id) VALUES (?) ON CONFLICT DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("adding monitored session %d: %w", id, err)
	}
	return nil
}

func (s *Store) RemoveMonitoredSession(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM monitored_sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("removing monitored session %d: %w", id, err)
	}
	return nil
}
