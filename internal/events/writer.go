package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events. Rows are insert-only, so concurrent writers
// need no coordination beyond the transaction they run in.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Metadata map[string]any

// Record is one transition to log. TriggeredBy is an actor id, "cron" or
// "system".
type Record struct {
	Type        string
	UserID      string
	SiteURL     string
	EntityType  string
	EntityID    string
	PrevState   string
	NewState    string
	TriggeredBy string
	Metadata    Metadata
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if rec.Metadata == nil {
		rec.Metadata = Metadata{}
	}
	data, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO agent_events(ts,type,user_id,site_url,entity_type,entity_id,prev_state,new_state,triggered_by,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, rec.Type, nullable(rec.UserID), nullable(rec.SiteURL), rec.EntityType, nullable(rec.EntityID),
		nullable(rec.PrevState), nullable(rec.NewState), rec.TriggeredBy, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
