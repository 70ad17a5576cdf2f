package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
)

func newService(t *testing.T, tailLimit int) *Service {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewService(persistence.NewInMemoryStore(), tailLimit).
		WithClock(func() time.Time { return base })
}

func TestAppend_ChainsVersions(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, 0)

	first, err := svc.Append(ctx, "s1", "notes", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Version != 1 || first.ParentVersionID != "" {
		t.Fatalf("expected root version 1, got %+v", first)
	}

	second, err := svc.Append(ctx, "s1", "notes", map[string]any{"b": 2})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}
	if second.ParentVersionID != first.ID {
		t.Fatalf("expected parent %q, got %q", first.ID, second.ParentVersionID)
	}

	// A different channel starts its own chain.
	other, err := svc.Append(ctx, "s1", "drafts", map[string]any{"c": 3})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if other.Version != 1 {
		t.Fatalf("expected independent chain, got version %d", other.Version)
	}
}

func TestRead_SummariesHideRawVersions(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, 0)

	for i := 1; i <= 5; i++ {
		if _, err := svc.Append(ctx, "s1", "notes", map[string]any{"step": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if _, err := svc.Summarize(ctx, "s1", "notes", 1, 3, "first three steps", 12); err != nil {
		t.Fatalf("summarize: %v", err)
	}

	view, err := svc.Read(ctx, "s1", "notes")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(view.Summaries) != 1 || view.Summaries[0].Content != "first three steps" {
		t.Fatalf("wrong summaries: %+v", view.Summaries)
	}
	if len(view.Versions) != 2 {
		t.Fatalf("expected raw tail of 2, got %d", len(view.Versions))
	}
	if view.Versions[0].Version != 4 || view.Versions[1].Version != 5 {
		t.Fatalf("wrong tail versions: %+v", view.Versions)
	}
}

func TestRead_TailLimit(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, 2)

	for i := 1; i <= 5; i++ {
		if _, err := svc.Append(ctx, "s1", "notes", map[string]any{"step": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	view, err := svc.Read(ctx, "s1", "notes")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(view.Versions) != 2 || view.Versions[0].Version != 4 {
		t.Fatalf("tail limit not applied: %+v", view.Versions)
	}
}

func TestSummarize_Validation(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, 0)

	for i := 1; i <= 4; i++ {
		if _, err := svc.Append(ctx, "s1", "notes", map[string]any{"step": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if _, err := svc.Summarize(ctx, "s1", "notes", 1, 9, "too far", 0); !errors.Is(err, ErrSummaryBeyondHead) {
		t.Fatalf("expected ErrSummaryBeyondHead, got %v", err)
	}

	// The head is the still-open tail; a range ending at it is rejected too.
	if _, err := svc.Summarize(ctx, "s1", "notes", 1, 4, "whole channel", 0); !errors.Is(err, ErrSummaryBeyondHead) {
		t.Fatalf("expected ErrSummaryBeyondHead for end == head, got %v", err)
	}

	if _, err := svc.Summarize(ctx, "s1", "notes", 2, 3, "gap at 1", 0); !errors.Is(err, ErrSummaryNotContiguous) {
		t.Fatalf("expected ErrSummaryNotContiguous, got %v", err)
	}

	if _, err := svc.Summarize(ctx, "s1", "notes", 1, 2, "ok", 0); err != nil {
		t.Fatalf("summarize: %v", err)
	}

	// Overlapping the summarized range is rejected.
	if _, err := svc.Summarize(ctx, "s1", "notes", 2, 3, "overlap", 0); !errors.Is(err, ErrSummaryNotContiguous) {
		t.Fatalf("expected ErrSummaryNotContiguous on overlap, got %v", err)
	}

	// The next contiguous range below the head is accepted.
	if _, err := svc.Summarize(ctx, "s1", "notes", 3, 3, "rest", 0); err != nil {
		t.Fatalf("summarize: %v", err)
	}

	// Version 4 only becomes summarizable once the channel grows past it.
	if _, err := svc.Summarize(ctx, "s1", "notes", 4, 4, "head", 0); !errors.Is(err, ErrSummaryBeyondHead) {
		t.Fatalf("expected ErrSummaryBeyondHead at head, got %v", err)
	}
	if _, err := svc.Append(ctx, "s1", "notes", map[string]any{"step": 5}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.Summarize(ctx, "s1", "notes", 4, 4, "head", 0); err != nil {
		t.Fatalf("summarize after growth: %v", err)
	}
}

func TestFlatten(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, 0)

	if _, err := svc.Append(ctx, "s1", "notes", map[string]any{"city": "Oslo", "day": 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.Append(ctx, "s1", "notes", map[string]any{"day": 2}); err != nil {
		t.Fatalf("append: %v", err)
	}

	view, err := svc.Read(ctx, "s1", "notes")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	flat := Flatten(view)
	if flat["city"] != "Oslo" {
		t.Fatalf("expected earlier key kept, got %+v", flat)
	}
	if flat["day"] != 2 {
		t.Fatalf("expected later version to win, got %v", flat["day"])
	}
}
