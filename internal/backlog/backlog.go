// Package backlog stores candidate remediation ideas and their one-way
// status graph. Adopted ideas are the entry point for agent actions.
package backlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"pagelift/internal/domain"
	"pagelift/internal/events"
	"pagelift/internal/fault"
	"pagelift/internal/repo"
)

type Backlog struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Backlog {
	return Backlog{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (b Backlog) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

type CreateOptions struct {
	Owner      domain.Owner
	Title      string
	Hypothesis string
	Evidence   json.RawMessage
	ICEScore   *int
	Tags       []string
}

func (b Backlog) CreateIdea(ctx context.Context, opts CreateOptions) (domain.Idea, error) {
	if opts.Owner.UserID == "" {
		return domain.Idea{}, fault.ValidationError{Field: "user_id", Reason: "required"}
	}
	if opts.Owner.SiteURL == "" {
		return domain.Idea{}, fault.ValidationError{Field: "site_url", Reason: "required"}
	}
	if opts.Title == "" {
		return domain.Idea{}, fault.ValidationError{Field: "title", Reason: "required"}
	}
	idea := domain.Idea{
		ID:         uuid.New().String(),
		UserID:     opts.Owner.UserID,
		SiteURL:    opts.Owner.SiteURL,
		Title:      opts.Title,
		Hypothesis: opts.Hypothesis,
		Evidence:   opts.Evidence,
		ICEScore:   opts.ICEScore,
		Tags:       opts.Tags,
		Status:     domain.IdeaOpen,
		CreatedAt:  b.now().UTC().Format(time.RFC3339),
	}
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Idea{}, err
	}
	defer tx.Rollback()
	if err := b.Repo.InsertIdea(ctx, tx, idea); err != nil {
		return domain.Idea{}, err
	}
	if err := b.Events.Append(ctx, tx, events.Record{
		Type:        "idea.created",
		UserID:      idea.UserID,
		SiteURL:     idea.SiteURL,
		EntityType:  "idea",
		EntityID:    idea.ID,
		NewState:    idea.Status,
		TriggeredBy: idea.UserID,
		Metadata:    events.Metadata{"title": idea.Title},
	}); err != nil {
		return domain.Idea{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Idea{}, err
	}
	return idea, nil
}

// AdoptIdea marks an open idea adopted. Calling it again on an already
// adopted idea is a no-op, tolerating duplicate adoption calls.
func (b Backlog) AdoptIdea(ctx context.Context, ideaID string, owner domain.Owner, triggeredBy string) (domain.Idea, error) {
	return b.UpdateIdeaStatus(ctx, ideaID, owner, domain.IdeaAdopted, triggeredBy)
}

// UpdateIdeaStatus enforces the one-way transition graph:
// open -> adopted|rejected, adopted -> done.
func (b Backlog) UpdateIdeaStatus(ctx context.Context, ideaID string, owner domain.Owner, target, triggeredBy string) (domain.Idea, error) {
	switch target {
	case domain.IdeaAdopted, domain.IdeaRejected, domain.IdeaDone:
	default:
		return domain.Idea{}, fault.ValidationError{Field: "status", Reason: "unknown target status " + target}
	}
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Idea{}, err
	}
	defer tx.Rollback()

	idea, err := b.Repo.GetIdeaTx(ctx, tx, ideaID, owner)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Idea{}, fault.NotFoundError{Entity: "idea", ID: ideaID}
		}
		return domain.Idea{}, err
	}
	if idea.Status == target {
		// Duplicate call; transitions are one-way so this is safe to absorb.
		return idea, nil
	}
	if !ideaTransitionAllowed(idea.Status, target) {
		return domain.Idea{}, fault.InvalidStateError{Entity: "idea", From: idea.Status, To: target}
	}
	prev := idea.Status
	now := b.now().UTC().Format(time.RFC3339)
	idea.Status = target
	switch target {
	case domain.IdeaAdopted:
		idea.AdoptedAt = &now
	case domain.IdeaRejected:
		idea.RejectedAt = &now
	case domain.IdeaDone:
		idea.DoneAt = &now
	}
	if err := b.Repo.UpdateIdeaStatus(ctx, tx, idea); err != nil {
		return domain.Idea{}, err
	}
	if err := b.Events.Append(ctx, tx, events.Record{
		Type:        "idea." + target,
		UserID:      idea.UserID,
		SiteURL:     idea.SiteURL,
		EntityType:  "idea",
		EntityID:    idea.ID,
		PrevState:   prev,
		NewState:    target,
		TriggeredBy: triggeredBy,
	}); err != nil {
		return domain.Idea{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Idea{}, err
	}
	return idea, nil
}

func ideaTransitionAllowed(from, to string) bool {
	switch from {
	case domain.IdeaOpen:
		return to == domain.IdeaAdopted || to == domain.IdeaRejected
	case domain.IdeaAdopted:
		return to == domain.IdeaDone
	}
	return false
}

func (b Backlog) GetIdea(ctx context.Context, ideaID string, owner domain.Owner) (domain.Idea, error) {
	idea, err := b.Repo.GetIdea(ctx, ideaID, owner)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Idea{}, fault.NotFoundError{Entity: "idea", ID: ideaID}
	}
	return idea, err
}

func (b Backlog) ListIdeas(ctx context.Context, f repo.IdeaFilters) ([]domain.Idea, error) {
	return b.Repo.ListIdeas(ctx, f)
}
