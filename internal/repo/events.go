package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pagelift/internal/domain"
)

type EventFilters struct {
	UserID     string
	SiteURL    string
	Type       string
	EntityType string
	EntityID   string
}

// LatestEvents returns events newest-first, optionally starting below a
// cursor id for pagination.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.SiteURL != "" {
		clauses = append(clauses, "site_url=?")
		args = append(args, f.SiteURL)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,user_id,site_url,entity_type,entity_id,prev_state,new_state,triggered_by,metadata_json FROM agent_events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order; the replay read path.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.SiteURL != "" {
		clauses = append(clauses, "site_url=?")
		args = append(args, f.SiteURL)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,user_id,site_url,entity_type,entity_id,prev_state,new_state,triggered_by,metadata_json FROM agent_events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var userID, siteURL, entityID, prevState, newState, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &userID, &siteURL, &e.EntityType, &entityID, &prevState, &newState, &e.TriggeredBy, &metadata); err != nil {
			return nil, err
		}
		if userID.Valid {
			e.UserID = userID.String
		}
		if siteURL.Valid {
			e.SiteURL = siteURL.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if prevState.Valid {
			e.PrevState = prevState.String
		}
		if newState.Valid {
			e.NewState = newState.String
		}
		if metadata.Valid {
			e.Metadata = metadata.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
