package api

import "time"

// MemoryVersion is one immutable snapshot in a session channel's history.
// Versions form a singly-linked chain per (session, channel): Version is
// strictly increasing and ParentVersionID points at the previous head.
type MemoryVersion struct {
	ID        string
	SessionID string
	Channel   string

	Version         int64
	ParentVersionID string

	Data map[string]any

	CreatedAt time.Time
}

// MemorySummary collapses the contiguous version range
// [SourceVersionStart, SourceVersionEnd] of a channel into compacted text.
// Once a range is summarized, readers never see its raw versions again.
type MemorySummary struct {
	ID        string
	SessionID string
	Channel   string

	SourceVersionStart int64
	SourceVersionEnd   int64

	Content string
	Tokens  int

	CreatedAt time.Time
}

// MemoryView is what a reader of a channel sees: every summary in range
// order, then the raw tail above the summarized boundary.
type MemoryView struct {
	Summaries []MemorySummary
	Versions  []MemoryVersion
}
