package backlog

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"pagelift/internal/db"
	"pagelift/internal/domain"
	"pagelift/internal/fault"
	"pagelift/internal/migrate"
	"pagelift/internal/repo"
)

func newTestBacklog(t *testing.T) (Backlog, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := New(conn)
	b.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return b, conn
}

var testOwner = domain.Owner{UserID: "u1", SiteURL: "https://example.com"}

func mustCreateIdea(t *testing.T, b Backlog) domain.Idea {
	t.Helper()
	idea, err := b.CreateIdea(context.Background(), CreateOptions{
		Owner:      testOwner,
		Title:      "add alt text to product images",
		Hypothesis: "images without alt text hurt image search",
		Tags:       []string{"images", "accessibility"},
	})
	if err != nil {
		t.Fatalf("create idea: %v", err)
	}
	return idea
}

func TestCreateIdeaValidation(t *testing.T) {
	b, _ := newTestBacklog(t)
	ctx := context.Background()

	var ve fault.ValidationError
	_, err := b.CreateIdea(ctx, CreateOptions{Owner: testOwner})
	if !errors.As(err, &ve) || ve.Field != "title" {
		t.Fatalf("want title validation error, got %v", err)
	}
	_, err = b.CreateIdea(ctx, CreateOptions{Owner: domain.Owner{UserID: "u1"}, Title: "x"})
	if !errors.As(err, &ve) || ve.Field != "site_url" {
		t.Fatalf("want site_url validation error, got %v", err)
	}
}

func TestCreateIdeaStartsOpenAndLogsEvent(t *testing.T) {
	b, conn := newTestBacklog(t)
	idea := mustCreateIdea(t, b)

	if idea.Status != domain.IdeaOpen {
		t.Fatalf("status = %s, want open", idea.Status)
	}
	var count int
	if err := conn.QueryRow(`SELECT count(*) FROM agent_events WHERE type='idea.created' AND entity_id=?`, idea.ID).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("idea.created events = %d, want 1", count)
	}
}

func TestIdeaTransitionGraph(t *testing.T) {
	ctx := context.Background()

	t.Run("open to adopted to done", func(t *testing.T) {
		b, _ := newTestBacklog(t)
		idea := mustCreateIdea(t, b)

		adopted, err := b.AdoptIdea(ctx, idea.ID, testOwner, "u1")
		if err != nil {
			t.Fatalf("adopt: %v", err)
		}
		if adopted.Status != domain.IdeaAdopted || adopted.AdoptedAt == nil {
			t.Fatalf("adopted = %+v", adopted)
		}
		done, err := b.UpdateIdeaStatus(ctx, idea.ID, testOwner, domain.IdeaDone, "u1")
		if err != nil {
			t.Fatalf("done: %v", err)
		}
		if done.Status != domain.IdeaDone || done.DoneAt == nil {
			t.Fatalf("done = %+v", done)
		}
	})

	t.Run("open to rejected is terminal", func(t *testing.T) {
		b, _ := newTestBacklog(t)
		idea := mustCreateIdea(t, b)

		if _, err := b.UpdateIdeaStatus(ctx, idea.ID, testOwner, domain.IdeaRejected, "u1"); err != nil {
			t.Fatalf("reject: %v", err)
		}
		var ise fault.InvalidStateError
		_, err := b.UpdateIdeaStatus(ctx, idea.ID, testOwner, domain.IdeaAdopted, "u1")
		if !errors.As(err, &ise) {
			t.Fatalf("want InvalidStateError, got %v", err)
		}
	})

	t.Run("open cannot jump to done", func(t *testing.T) {
		b, _ := newTestBacklog(t)
		idea := mustCreateIdea(t, b)

		var ise fault.InvalidStateError
		_, err := b.UpdateIdeaStatus(ctx, idea.ID, testOwner, domain.IdeaDone, "u1")
		if !errors.As(err, &ise) {
			t.Fatalf("want InvalidStateError, got %v", err)
		}
	})

	t.Run("unknown target status", func(t *testing.T) {
		b, _ := newTestBacklog(t)
		idea := mustCreateIdea(t, b)

		var ve fault.ValidationError
		_, err := b.UpdateIdeaStatus(ctx, idea.ID, testOwner, "archived", "u1")
		if !errors.As(err, &ve) {
			t.Fatalf("want ValidationError, got %v", err)
		}
	})
}

func TestDuplicateAdoptIsNoOp(t *testing.T) {
	b, conn := newTestBacklog(t)
	ctx := context.Background()
	idea := mustCreateIdea(t, b)

	first, err := b.AdoptIdea(ctx, idea.ID, testOwner, "u1")
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	second, err := b.AdoptIdea(ctx, idea.ID, testOwner, "u1")
	if err != nil {
		t.Fatalf("duplicate adopt: %v", err)
	}
	if second.Status != domain.IdeaAdopted || *second.AdoptedAt != *first.AdoptedAt {
		t.Fatalf("duplicate adopt changed state: %+v", second)
	}
	var count int
	if err := conn.QueryRow(`SELECT count(*) FROM agent_events WHERE type='idea.adopted' AND entity_id=?`, idea.ID).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("idea.adopted events = %d, want 1", count)
	}
}

func TestOwnerScopeHidesForeignIdeas(t *testing.T) {
	b, _ := newTestBacklog(t)
	ctx := context.Background()
	idea := mustCreateIdea(t, b)

	other := domain.Owner{UserID: "u2", SiteURL: "https://example.com"}
	var nfe fault.NotFoundError
	_, err := b.GetIdea(ctx, idea.ID, other)
	if !errors.As(err, &nfe) {
		t.Fatalf("want NotFoundError for foreign owner, got %v", err)
	}
	_, err = b.UpdateIdeaStatus(ctx, idea.ID, other, domain.IdeaAdopted, "u2")
	if !errors.As(err, &nfe) {
		t.Fatalf("want NotFoundError on foreign update, got %v", err)
	}
}

func TestListIdeasFilters(t *testing.T) {
	b, _ := newTestBacklog(t)
	ctx := context.Background()
	idea := mustCreateIdea(t, b)
	if _, err := b.UpdateIdeaStatus(ctx, idea.ID, testOwner, domain.IdeaRejected, "u1"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := b.CreateIdea(ctx, CreateOptions{Owner: testOwner, Title: "shorten meta descriptions", Tags: []string{"meta"}}); err != nil {
		t.Fatalf("create second: %v", err)
	}

	open, err := b.ListIdeas(ctx, listFilter(domain.IdeaOpen, ""))
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].Title != "shorten meta descriptions" {
		t.Fatalf("open = %+v", open)
	}
	tagged, err := b.ListIdeas(ctx, listFilter("", "images"))
	if err != nil {
		t.Fatalf("list tagged: %v", err)
	}
	if len(tagged) != 1 || tagged[0].ID != idea.ID {
		t.Fatalf("tagged = %+v", tagged)
	}
}

func listFilter(status, tag string) repo.IdeaFilters {
	return repo.IdeaFilters{Owner: testOwner, Status: status, Tag: tag}
}
