// Package memory implements versioned session memory channels: an
// append-only chain of immutable versions per (session, channel), plus
// summaries that collapse old version ranges so readers work with a
// compacted view instead of the full history.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrSummaryBeyondHead is returned when a summary range reaches the
	// channel's current head version or past it. The head is the still-open
	// tail and must stay raw.
	ErrSummaryBeyondHead = errors.New("summary range reaches channel head")

	// ErrSummaryNotContiguous is returned when a summary does not start
	// immediately after the already-summarized boundary.
	ErrSummaryNotContiguous = errors.New("summary range is not contiguous with existing summaries")
)

// Service owns reads and writes of channel memory. Writes go through Append
// so version numbers stay strictly increasing and chained; summary content
// comes from an external summarizer and is only validated here.
type Service struct {
	store persistence.MemoryStore
	now   func() time.Time

	// tailLimit caps how many raw versions a Read returns above the
	// summarized boundary. Zero means unlimited.
	tailLimit int
}

// NewService creates a memory service over the given store.
func NewService(store persistence.MemoryStore, tailLimit int) *Service {
	return &Service{
		store:     store,
		now:       time.Now,
		tailLimit: tailLimit,
	}
}

// WithClock replaces the service's time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Append writes data as the channel's next version. The new version is
// head+1 and its ParentVersionID links to the previous head, so the chain
// can be walked backwards for audit.
func (s *Service) Append(ctx context.Context, sessionID, channel string, data map[string]any) (*api.MemoryVersion, error) {
	head, headID, err := s.store.HeadVersion(ctx, sessionID, channel)
	if err != nil {
		return nil, fmt.Errorf("memory head %s/%s: %w", sessionID, channel, err)
	}

	v := &api.MemoryVersion{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Channel:         channel,
		Version:         head + 1,
		ParentVersionID: headID,
		Data:            data,
		CreatedAt:       s.now(),
	}
	if err := s.store.AppendVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("append memory version %s/%s: %w", sessionID, channel, err)
	}
	return v, nil
}

// Read returns the channel's compacted view: all summaries in range order,
// then the raw versions above the highest summarized version. Summarized
// raw versions are never returned.
func (s *Service) Read(ctx context.Context, sessionID, channel string) (api.MemoryView, error) {
	summaries, err := s.store.ListSummaries(ctx, sessionID, channel)
	if err != nil {
		return api.MemoryView{}, fmt.Errorf("list summaries %s/%s: %w", sessionID, channel, err)
	}

	var boundary int64
	for _, sum := range summaries {
		if sum.SourceVersionEnd > boundary {
			boundary = sum.SourceVersionEnd
		}
	}

	versions, err := s.store.ListVersionsAfter(ctx, sessionID, channel, boundary, s.tailLimit)
	if err != nil {
		return api.MemoryView{}, fmt.Errorf("list versions %s/%s: %w", sessionID, channel, err)
	}

	return api.MemoryView{Summaries: summaries, Versions: versions}, nil
}

// Flatten merges a view into a single map for invocation contexts: summary
// contents first under "summaries", then raw version data in ascending
// version order, later versions overwriting earlier keys.
func Flatten(view api.MemoryView) map[string]any {
	out := make(map[string]any)

	if len(view.Summaries) > 0 {
		contents := make([]string, 0, len(view.Summaries))
		for _, sum := range view.Summaries {
			contents = append(contents, sum.Content)
		}
		out["summaries"] = contents
	}
	for _, v := range view.Versions {
		for k, val := range v.Data {
			out[k] = val
		}
	}
	return out
}

// Summarize records externally produced summary content for the version
// range [start, end]. The range must be contiguous with the already
// summarized boundary (start = boundary+1) and must end strictly below the
// channel head, so every version is covered exactly once and the head stays
// raw until the channel grows past it.
func (s *Service) Summarize(ctx context.Context, sessionID, channel string, start, end int64, content string, tokens int) (*api.MemorySummary, error) {
	if start < 1 || end < start {
		return nil, fmt.Errorf("summary range [%d, %d]: %w", start, end, ErrSummaryNotContiguous)
	}

	head, _, err := s.store.HeadVersion(ctx, sessionID, channel)
	if err != nil {
		return nil, fmt.Errorf("memory head %s/%s: %w", sessionID, channel, err)
	}
	if end >= head {
		return nil, fmt.Errorf("summary range [%d, %d] with head %d: %w", start, end, head, ErrSummaryBeyondHead)
	}

	existing, err := s.store.ListSummaries(ctx, sessionID, channel)
	if err != nil {
		return nil, fmt.Errorf("list summaries %s/%s: %w", sessionID, channel, err)
	}
	var boundary int64
	for _, sum := range existing {
		if sum.SourceVersionEnd > boundary {
			boundary = sum.SourceVersionEnd
		}
	}
	if start != boundary+1 {
		return nil, fmt.Errorf("summary range [%d, %d] after boundary %d: %w", start, end, boundary, ErrSummaryNotContiguous)
	}

	sum := &api.MemorySummary{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		Channel:            channel,
		SourceVersionStart: start,
		SourceVersionEnd:   end,
		Content:            content,
		Tokens:             tokens,
		CreatedAt:          s.now(),
	}
	if err := s.store.SaveSummary(ctx, sum); err != nil {
		return nil, fmt.Errorf("save summary %s/%s: %w", sessionID, channel, err)
	}
	return sum, nil
}
