package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"grimm.is/fwguard/internal/firewall"
)

// AppendEvents records connection events in one transaction.
func (s *SQLiteStore) AppendEvents(ctx context.Context, evs []firewall.Event) error {
	if len(evs) == 0 {
		return nil
	}
	return s.write(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, "INSERT INTO audit_events (ts, data) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ev := range evs {
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, ev.Timestamp.UnixNano(), data); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// RecentEvents returns the newest limit events at or after since, oldest
// first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, since time.Time, limit int) ([]firewall.Event, error) {
	var out []firewall.Event
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT data FROM (
				SELECT id, data FROM audit_events WHERE ts >= ? ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC
		`, since.UnixNano(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			var ev firewall.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			out = append(out, ev)
		}
		return rows.Err()
	})
	return out, err
}

// PruneEvents drops events older than before and everything but the
// newest keep. It returns the number of rows removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time, keep int) (int64, error) {
	var n int64
	err := s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM audit_events
			WHERE ts < ? OR id <= (SELECT COALESCE(MAX(id), 0) FROM audit_events) - ?
		`, before.UnixNano(), keep)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
