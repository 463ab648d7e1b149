package syncx

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one row of the remote append-only event log.
type Event struct {
	Seq       int64
	SiteID    string
	Type      string
	Key       string
	DataJSON  string
	CreatedAt int64
}

type EventRepo struct {
	db     *sql.DB
	siteID string
	now    func() time.Time
}

func NewEventRepo(db *sql.DB, siteID string) *EventRepo {
	if siteID == "" {
		siteID = "local"
	}
	return &EventRepo{db: db, siteID: siteID, now: time.Now}
}

func (r *EventRepo) Append(ctx context.Context, e Event) error {
	if e.SiteID == "" {
		e.SiteID = r.siteID
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (site_id, typ, key, data, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		e.SiteID, e.Type, e.Key, e.DataJSON, r.now().Unix())
	return err
}

// Record appends payload encoded as JSON under typ and key.
func (r *EventRepo) Record(ctx context.Context, typ, key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", typ, err)
	}
	return r.Append(ctx, Event{Type: typ, Key: key, DataJSON: string(b)})
}

// Since returns events with Seq greater than after, oldest first.
func (r *EventRepo) Since(ctx context.Context, after int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, site_id, typ, key, data, created_at FROM event_log
		 WHERE seq > $1 ORDER BY seq LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.SiteID, &e.Type, &e.Key, &e.DataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
