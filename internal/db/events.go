package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/pipeline"
	"github.com/banshee-data/faceverify/internal/verify"
)

// VerificationEvent is a stored recognition outcome.
type VerificationEvent struct {
	ID         int64              `json:"id"`
	Time       time.Time          `json:"time"`
	FrameSeq   uint64             `json:"frame_seq"`
	State      verify.State       `json:"state"`
	Similarity float64            `json:"similarity"`
	Smoothed   float64            `json:"smoothed"`
	Verified   bool               `json:"verified"`
	Box        detect.BoundingBox `json:"box"`
}

// RecordVerification implements pipeline.EventRecorder.
func (db *DB) RecordVerification(ctx context.Context, ev pipeline.Event) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO verification_events (
			ts_unix_ns, frame_seq, state, similarity, smoothed, verified,
			box_x, box_y, box_w, box_h, box_prob
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Time.UnixNano(), int64(ev.FrameSeq), string(ev.State), ev.Similarity, ev.Smoothed, ev.Verified,
		ev.Box.XCenter, ev.Box.YCenter, ev.Box.Width, ev.Box.Height, ev.Box.Prob,
	)
	if err != nil {
		return fmt.Errorf("record verification: %w", err)
	}
	return nil
}

// EventFilter selects events. Zero fields do not filter.
type EventFilter struct {
	Since        time.Time
	Until        time.Time
	VerifiedOnly bool
	Limit        int
}

// ListEvents returns matching events oldest first.
func (db *DB) ListEvents(ctx context.Context, f EventFilter) ([]VerificationEvent, error) {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts_unix_ns < ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.VerifiedOnly {
		where = append(where, "verified = 1")
	}

	q := `SELECT event_id, ts_unix_ns, frame_seq, state, similarity, smoothed, verified,
		box_x, box_y, box_w, box_h, box_prob FROM verification_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_unix_ns, event_id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []VerificationEvent{}
	for rows.Next() {
		var (
			e     VerificationEvent
			ts    int64
			seq   int64
			state string
		)
		if err := rows.Scan(&e.ID, &ts, &seq, &state, &e.Similarity, &e.Smoothed, &e.Verified,
			&e.Box.XCenter, &e.Box.YCenter, &e.Box.Width, &e.Box.Height, &e.Box.Prob); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		e.Time = time.Unix(0, ts).UTC()
		e.FrameSeq = uint64(seq)
		e.State = verify.State(state)
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventSummary aggregates the event log.
type EventSummary struct {
	Events         int     `json:"events"`
	Verified       int     `json:"verified"`
	MeanSimilarity float64 `json:"mean_similarity"`
	MaxSimilarity  float64 `json:"max_similarity"`
}

// SummarizeEvents aggregates events recorded at or after since. A zero
// since covers the whole log.
func (db *DB) SummarizeEvents(ctx context.Context, since time.Time) (EventSummary, error) {
	var (
		s    EventSummary
		from int64
	)
	if !since.IsZero() {
		from = since.UnixNano()
	}
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(verified), 0), COALESCE(AVG(similarity), 0), COALESCE(MAX(similarity), 0)
		FROM verification_events WHERE ts_unix_ns >= ?`,
		from,
	).Scan(&s.Events, &s.Verified, &s.MeanSimilarity, &s.MaxSimilarity)
	if err != nil {
		return s, fmt.Errorf("summarize events: %w", err)
	}
	return s, nil
}
