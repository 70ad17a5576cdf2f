package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/pkg/api"
)

// backends runs each test against every store implementation.
func backends(t *testing.T) map[string]Persistence {
	t.Helper()

	// The busy timeout keeps concurrent claimers waiting on the write lock
	// instead of surfacing SQLITE_BUSY.
	dsn := "file:" + filepath.Join(t.TempDir(), "stepflow_test.db") + "?_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sqlStore, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("init sqlite store: %v", err)
	}
	events, err := NewSQLiteEventStore(db)
	if err != nil {
		t.Fatalf("init sqlite event store: %v", err)
	}

	return map[string]Persistence{
		"memory": NewInMemoryStore().Stores(),
		"sqlite": sqlStore.Stores(events),
	}
}

func newJob(id, sessionID string, scheduledAt time.Time) *api.FlowJob {
	return &api.FlowJob{
		ID:              id,
		SessionID:       sessionID,
		StepExecutionID: "exec-" + id,
		Payload: api.JobPayload{
			SessionID:       sessionID,
			StepExecutionID: "exec-" + id,
			StepID:          "step-1",
			Attempt:         1,
		},
		Status:      api.JobPending,
		ScheduledAt: scheduledAt,
		EnqueuedAt:  scheduledAt,
	}
}

func TestLockNextPending_OrderAndEligibility(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	ttl := time.Minute

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// Later-scheduled job enqueued first; earliest ScheduledAt
			// must win regardless of insertion order.
			if err := p.Jobs.EnqueueJob(ctx, newJob("job-late", "s1", now.Add(-time.Second))); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if err := p.Jobs.EnqueueJob(ctx, newJob("job-early", "s1", now.Add(-time.Minute))); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if err := p.Jobs.EnqueueJob(ctx, newJob("job-future", "s1", now.Add(time.Hour))); err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			first, err := p.Jobs.LockNextPending(ctx, "w1", now, ttl)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if first == nil || first.ID != "job-early" {
				t.Fatalf("expected job-early first, got %+v", first)
			}
			if first.Status != api.JobRunning || first.LockedBy != "w1" {
				t.Fatalf("claimed job not leased to w1: %+v", first)
			}

			second, err := p.Jobs.LockNextPending(ctx, "w1", now, ttl)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if second == nil || second.ID != "job-late" {
				t.Fatalf("expected job-late second, got %+v", second)
			}

			// job-future is not yet due; nothing else is eligible.
			third, err := p.Jobs.LockNextPending(ctx, "w1", now, ttl)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if third != nil {
				t.Fatalf("expected no eligible job, got %+v", third)
			}
		})
	}
}

func TestLockNextPending_StaleLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	t0 := time.Now()
	ttl := time.Minute

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := p.Jobs.EnqueueJob(ctx, newJob("job-1", "s1", t0.Add(-time.Second))); err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			claimed, err := p.Jobs.LockNextPending(ctx, "w1", t0, ttl)
			if err != nil || claimed == nil {
				t.Fatalf("first claim failed: %v %v", claimed, err)
			}

			// Lease still fresh: a second worker must see nothing.
			stolen, err := p.Jobs.LockNextPending(ctx, "w2", t0.Add(30*time.Second), ttl)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if stolen != nil {
				t.Fatalf("fresh lease was stolen: %+v", stolen)
			}

			// Past the TTL the lease is stale and reclaimable.
			reclaimed, err := p.Jobs.LockNextPending(ctx, "w2", t0.Add(ttl+time.Second), ttl)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if reclaimed == nil || reclaimed.ID != "job-1" {
				t.Fatalf("expected stale job reclaimed, got %+v", reclaimed)
			}
			if reclaimed.LockedBy != "w2" {
				t.Fatalf("expected lease moved to w2, got %q", reclaimed.LockedBy)
			}
		})
	}
}

func TestLockNextPending_ConcurrentClaimers(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	ttl := time.Minute

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const jobCount = 4
			for i := 0; i < jobCount; i++ {
				id := fmt.Sprintf("job-%d", i)
				if err := p.Jobs.EnqueueJob(ctx, newJob(id, "s1", now.Add(-time.Second))); err != nil {
					t.Fatalf("enqueue: %v", err)
				}
			}

			// Race many claimers over the queue; each job must be handed
			// out exactly once. A claimed job holds a fresh lease, so a
			// nil claim means the queue is drained.
			const claimers = 8
			var (
				mu     sync.Mutex
				claims = make(map[string]int)
			)
			deadline := time.Now().Add(2 * time.Second)

			var wg sync.WaitGroup
			wg.Add(claimers)
			for c := 0; c < claimers; c++ {
				workerID := fmt.Sprintf("w%d", c)
				go func() {
					defer wg.Done()
					for time.Now().Before(deadline) {
						job, err := p.Jobs.LockNextPending(ctx, workerID, now, ttl)
						if err != nil {
							// Write contention; try again.
							continue
						}
						if job == nil {
							return
						}
						mu.Lock()
						claims[job.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(claims) != jobCount {
				t.Fatalf("expected %d distinct jobs claimed, got %d: %v", jobCount, len(claims), claims)
			}
			for id, n := range claims {
				if n != 1 {
					t.Fatalf("job %s claimed %d times", id, n)
				}
			}
		})
	}
}

func TestReleaseJob_OwnerOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	ttl := time.Minute

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := p.Jobs.EnqueueJob(ctx, newJob("job-1", "s1", now.Add(-time.Second))); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if _, err := p.Jobs.LockNextPending(ctx, "w1", now, ttl); err != nil {
				t.Fatalf("claim: %v", err)
			}

			// Release by a non-owner must not touch the lease.
			if err := p.Jobs.ReleaseJob(ctx, "job-1", "w2"); err != nil {
				t.Fatalf("release: %v", err)
			}
			j, err := p.Jobs.GetJob(ctx, "job-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if j.Status != api.JobRunning || j.LockedBy != "w1" {
				t.Fatalf("non-owner release changed job: %+v", j)
			}

			if err := p.Jobs.ReleaseJob(ctx, "job-1", "w1"); err != nil {
				t.Fatalf("release: %v", err)
			}
			j, err = p.Jobs.GetJob(ctx, "job-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if j.Status != api.JobPending || j.LockedBy != "" {
				t.Fatalf("owner release did not reset job: %+v", j)
			}
		})
	}
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	t0 := time.Now()
	ttl := time.Minute

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"job-1", "job-2"} {
				if err := p.Jobs.EnqueueJob(ctx, newJob(id, "s1", t0.Add(-time.Second))); err != nil {
					t.Fatalf("enqueue: %v", err)
				}
				if _, err := p.Jobs.LockNextPending(ctx, "w1", t0, ttl); err != nil {
					t.Fatalf("claim: %v", err)
				}
			}

			n, err := p.Jobs.RecoverStale(ctx, t0.Add(30*time.Second), ttl)
			if err != nil {
				t.Fatalf("recover: %v", err)
			}
			if n != 0 {
				t.Fatalf("fresh leases recovered: %d", n)
			}

			n, err = p.Jobs.RecoverStale(ctx, t0.Add(ttl+time.Second), ttl)
			if err != nil {
				t.Fatalf("recover: %v", err)
			}
			if n != 2 {
				t.Fatalf("expected 2 recovered, got %d", n)
			}
		})
	}
}

func TestAppendEvent_AssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first := &api.FlowEvent{SessionID: "s1", Type: api.EventFlowStarted, At: time.Now()}
			second := &api.FlowEvent{SessionID: "s1", Type: api.EventStepStarted, StepID: "a", At: time.Now()}
			other := &api.FlowEvent{SessionID: "s2", Type: api.EventFlowStarted, At: time.Now()}

			for _, ev := range []*api.FlowEvent{first, second, other} {
				if err := p.Events.AppendEvent(ctx, ev); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			if first.ID == 0 || second.ID <= first.ID {
				t.Fatalf("IDs not strictly increasing: %d %d", first.ID, second.ID)
			}

			events, err := p.Events.ListEvents(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(events) != 2 {
				t.Fatalf("expected 2 events for s1, got %d", len(events))
			}
			if events[0].Type != api.EventFlowStarted || events[1].Type != api.EventStepStarted {
				t.Fatalf("wrong event order: %v %v", events[0].Type, events[1].Type)
			}

			tail, err := p.Events.ListEvents(ctx, "s1", first.ID)
			if err != nil {
				t.Fatalf("list since: %v", err)
			}
			if len(tail) != 1 || tail[0].ID != second.ID {
				t.Fatalf("sinceID filter wrong: %+v", tail)
			}
		})
	}
}

func TestLatestPublished(t *testing.T) {
	ctx := context.Background()

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defs := []api.FlowDefinition{
				{Name: "trip", Version: "1", Status: api.DefinitionPublished, StartStepID: "a"},
				{Name: "trip", Version: "2", Status: api.DefinitionPublished, StartStepID: "a"},
				{Name: "trip", Version: "3", Status: api.DefinitionDraft, StartStepID: "a"},
			}
			for _, def := range defs {
				if err := p.Definitions.SaveDefinition(ctx, def); err != nil {
					t.Fatalf("save: %v", err)
				}
			}

			got, err := p.Definitions.LatestPublished(ctx, "trip")
			if err != nil {
				t.Fatalf("latest: %v", err)
			}
			if got.Version != "2" {
				t.Fatalf("expected version 2, got %q", got.Version)
			}

			if _, err := p.Definitions.LatestPublished(ctx, "nope"); err != ErrDefinitionNotFound {
				t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
			}
		})
	}
}

func TestInteractionRequests_PendingAndOverdue(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			overdue := &api.FlowInteractionRequest{
				ID: "req-1", SessionID: "s1", StepExecutionID: "e1", StepID: "a",
				Type: api.InteractionApproval, Status: api.RequestPending,
				DueAt: now.Add(-time.Minute), CreatedAt: now,
			}
			fresh := &api.FlowInteractionRequest{
				ID: "req-2", SessionID: "s1", StepExecutionID: "e2", StepID: "b",
				Type: api.InteractionInput, Status: api.RequestPending,
				DueAt: now.Add(time.Hour), CreatedAt: now,
			}
			for _, r := range []*api.FlowInteractionRequest{overdue, fresh} {
				if err := p.Interactions.SaveRequest(ctx, r); err != nil {
					t.Fatalf("save: %v", err)
				}
			}

			got, err := p.Interactions.PendingForExecution(ctx, "e1")
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if got == nil || got.ID != "req-1" {
				t.Fatalf("expected req-1, got %+v", got)
			}

			none, err := p.Interactions.PendingForExecution(ctx, "e-none")
			if err != nil || none != nil {
				t.Fatalf("expected (nil, nil), got %v %v", none, err)
			}

			late, err := p.Interactions.ListOverdue(ctx, now)
			if err != nil {
				t.Fatalf("overdue: %v", err)
			}
			if len(late) != 1 || late[0].ID != "req-1" {
				t.Fatalf("expected only req-1 overdue, got %+v", late)
			}

			// Terminal requests drop out of the pending view.
			overdue.Status = api.RequestExpired
			overdue.UpdatedAt = now
			if err := p.Interactions.UpdateRequest(ctx, overdue); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, err = p.Interactions.PendingForExecution(ctx, "e1")
			if err != nil || got != nil {
				t.Fatalf("expected no pending after expiry, got %v %v", got, err)
			}
			latest, err := p.Interactions.LatestForExecution(ctx, "e1")
			if err != nil {
				t.Fatalf("latest: %v", err)
			}
			if latest == nil || latest.Status != api.RequestExpired {
				t.Fatalf("expected expired latest, got %+v", latest)
			}
		})
	}
}

func TestMemoryVersionsAndSummaries(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var parent string
			for v := int64(1); v <= 5; v++ {
				mv := &api.MemoryVersion{
					ID: "mv-" + string(rune('0'+v)), SessionID: "s1", Channel: "notes",
					Version: v, ParentVersionID: parent,
					Data:      map[string]any{"v": float64(v)},
					CreatedAt: now,
				}
				if err := p.Memory.AppendVersion(ctx, mv); err != nil {
					t.Fatalf("append: %v", err)
				}
				parent = mv.ID
			}

			head, headID, err := p.Memory.HeadVersion(ctx, "s1", "notes")
			if err != nil {
				t.Fatalf("head: %v", err)
			}
			if head != 5 || headID != "mv-5" {
				t.Fatalf("expected head (5, mv-5), got (%d, %q)", head, headID)
			}

			empty, _, err := p.Memory.HeadVersion(ctx, "s1", "missing")
			if err != nil || empty != 0 {
				t.Fatalf("expected empty channel head 0, got %d %v", empty, err)
			}

			// after=2 keeps 3,4,5; limit=2 keeps the most recent two.
			tail, err := p.Memory.ListVersionsAfter(ctx, "s1", "notes", 2, 2)
			if err != nil {
				t.Fatalf("list after: %v", err)
			}
			if len(tail) != 2 || tail[0].Version != 4 || tail[1].Version != 5 {
				t.Fatalf("wrong tail: %+v", tail)
			}

			sums := []*api.MemorySummary{
				{ID: "sum-2", SessionID: "s1", Channel: "notes", SourceVersionStart: 3, SourceVersionEnd: 4, Content: "later", CreatedAt: now},
				{ID: "sum-1", SessionID: "s1", Channel: "notes", SourceVersionStart: 1, SourceVersionEnd: 2, Content: "earlier", CreatedAt: now},
			}
			for _, sum := range sums {
				if err := p.Memory.SaveSummary(ctx, sum); err != nil {
					t.Fatalf("save summary: %v", err)
				}
			}
			listed, err := p.Memory.ListSummaries(ctx, "s1", "notes")
			if err != nil {
				t.Fatalf("list summaries: %v", err)
			}
			if len(listed) != 2 || listed[0].ID != "sum-1" || listed[1].ID != "sum-2" {
				t.Fatalf("summaries not ordered by range start: %+v", listed)
			}
		})
	}
}

func TestSessionRoundtrip(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := &api.FlowSession{
				ID:                "s1",
				DefinitionName:    "trip",
				DefinitionVersion: "1",
				Graph: api.StepGraph{
					StartStepID: "plan",
					Steps: map[string]api.StepConfig{
						"plan": {ID: "plan", AgentRef: "planner", OnSuccess: api.Transition{Complete: true}},
					},
				},
				Status:        api.SessionRunning,
				CurrentStepID: "plan",
				StateVersion:  3,
				LaunchParams:  map[string]any{"city": "Helsinki"},
				Usage:         api.UsageCost{PromptTokens: 10, CompletionTokens: 4, CostMicros: 120},
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := p.Sessions.SaveSession(ctx, sess); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := p.Sessions.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != api.SessionRunning || got.StateVersion != 3 {
				t.Fatalf("wrong session state: %+v", got)
			}
			if got.Graph.StartStepID != "plan" || got.Graph.Steps["plan"].AgentRef != "planner" {
				t.Fatalf("graph snapshot lost: %+v", got.Graph)
			}
			if got.LaunchParams["city"] != "Helsinki" {
				t.Fatalf("launch params lost: %+v", got.LaunchParams)
			}
			if got.Usage.CostMicros != 120 {
				t.Fatalf("usage lost: %+v", got.Usage)
			}

			if err := p.Sessions.UpdateSession(ctx, &api.FlowSession{ID: "missing"}); err != ErrSessionNotFound {
				t.Fatalf("expected ErrSessionNotFound, got %v", err)
			}
		})
	}
}
