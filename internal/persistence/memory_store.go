package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of every store interface,
// backed by maps. Records are copied on the way in and out so callers never
// share live references with the store; inside a claimed job the engine
// always reloads by ID and works on its own copy.
type InMemoryStore struct {
	mu sync.RWMutex

	definitions map[string]map[string]api.FlowDefinition // name -> version -> def
	sessions    map[string]api.FlowSession
	executions  map[string]api.FlowStepExecution

	jobs   map[string]api.FlowJob
	jobSeq map[string]int64 // job id -> enqueue order
	seq    int64

	events      []api.FlowEvent
	nextEventID int64

	requests  map[string]api.FlowInteractionRequest
	reqSeq    map[string]int64 // request id -> creation order
	responses map[string]api.FlowInteractionResponse

	versions  map[string][]api.MemoryVersion // session|channel -> ascending versions
	summaries map[string][]api.MemorySummary
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]map[string]api.FlowDefinition),
		sessions:    make(map[string]api.FlowSession),
		executions:  make(map[string]api.FlowStepExecution),
		jobs:        make(map[string]api.FlowJob),
		jobSeq:      make(map[string]int64),
		requests:    make(map[string]api.FlowInteractionRequest),
		reqSeq:      make(map[string]int64),
		responses:   make(map[string]api.FlowInteractionResponse),
		versions:    make(map[string][]api.MemoryVersion),
		summaries:   make(map[string][]api.MemorySummary),
	}
}

// Ensure InMemoryStore implements the store interfaces.
var (
	_ DefinitionStore  = (*InMemoryStore)(nil)
	_ SessionStore     = (*InMemoryStore)(nil)
	_ ExecutionStore   = (*InMemoryStore)(nil)
	_ JobStore         = (*InMemoryStore)(nil)
	_ EventStore       = (*InMemoryStore)(nil)
	_ InteractionStore = (*InMemoryStore)(nil)
	_ MemoryStore      = (*InMemoryStore)(nil)
)

// Stores returns a Persistence bundle with every store backed by s.
func (s *InMemoryStore) Stores() Persistence {
	return Persistence{
		Definitions:  s,
		Sessions:     s,
		Executions:   s,
		Jobs:         s,
		Events:       s,
		Interactions: s,
		Memory:       s,
	}
}

func channelKey(sessionID, channel string) string {
	return sessionID + "|" + channel
}

// --- DefinitionStore ---

func (s *InMemoryStore) SaveDefinition(ctx context.Context, def api.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byVersion, ok := s.definitions[def.Name]
	if !ok {
		byVersion = make(map[string]api.FlowDefinition)
		s.definitions[def.Name] = byVersion
	}
	byVersion[def.Version] = def
	return nil
}

func (s *InMemoryStore) GetDefinition(ctx context.Context, name, version string) (api.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[name][version]
	if !ok {
		return api.FlowDefinition{}, ErrDefinitionNotFound
	}
	return def, nil
}

func (s *InMemoryStore) LatestPublished(ctx context.Context, name string) (api.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  api.FlowDefinition
		found bool
	)
	for _, def := range s.definitions[name] {
		if def.Status != api.DefinitionPublished {
			continue
		}
		if !found || def.Version > best.Version {
			best = def
			found = true
		}
	}
	if !found {
		return api.FlowDefinition{}, ErrDefinitionNotFound
	}
	return best, nil
}

func (s *InMemoryStore) ListVersions(ctx context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var versions []string
	for v := range s.definitions[name] {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions, nil
}

// --- SessionStore ---

func (s *InMemoryStore) SaveSession(ctx context.Context, sess *api.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = *sess
	return nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, sess *api.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*api.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*api.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowSession
	for _, sess := range s.sessions {
		if filter.DefinitionName != "" && sess.DefinitionName != filter.DefinitionName {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		copied := sess
		result = append(result, &copied)
	}
	return result, nil
}

// --- ExecutionStore ---

func (s *InMemoryStore) SaveExecution(ctx context.Context, e *api.FlowStepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[e.ID] = *e
	return nil
}

func (s *InMemoryStore) UpdateExecution(ctx context.Context, e *api.FlowStepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[e.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.executions[e.ID] = *e
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*api.FlowStepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return &e, nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, sessionID string) ([]*api.FlowStepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowStepExecution
	for _, e := range s.executions {
		if e.SessionID != sessionID {
			continue
		}
		copied := e
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// --- JobStore ---

func (s *InMemoryStore) EnqueueJob(ctx context.Context, j *api.FlowJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.jobSeq[j.ID] = s.seq
	s.jobs[j.ID] = *j
	return nil
}

func (s *InMemoryStore) UpdateJob(ctx context.Context, j *api.FlowJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[j.ID] = *j
	return nil
}

func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*api.FlowJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &j, nil
}

func (s *InMemoryStore) ListJobs(ctx context.Context, sessionID string) ([]*api.FlowJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowJob
	for _, j := range s.jobs {
		if j.SessionID != sessionID {
			continue
		}
		copied := j
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return s.jobSeq[result[i].ID] < s.jobSeq[result[j].ID]
	})
	return result, nil
}

func (s *InMemoryStore) LockNextPending(ctx context.Context, workerID string, now time.Time, leaseTTL time.Duration) (*api.FlowJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := now.Add(-leaseTTL)

	var (
		bestID string
		found  bool
	)
	for id, j := range s.jobs {
		eligible := j.Status == api.JobPending ||
			(j.Status == api.JobRunning && !j.LockedAt.After(stale))
		if !eligible || j.ScheduledAt.After(now) {
			continue
		}
		if !found {
			bestID, found = id, true
			continue
		}
		best := s.jobs[bestID]
		if j.ScheduledAt.Before(best.ScheduledAt) ||
			(j.ScheduledAt.Equal(best.ScheduledAt) && s.jobSeq[id] < s.jobSeq[bestID]) {
			bestID = id
		}
	}
	if !found {
		return nil, nil
	}

	// The whole scan-and-claim runs under one lock, so the claim is atomic.
	j := s.jobs[bestID]
	j.Status = api.JobRunning
	j.LockedBy = workerID
	j.LockedAt = now
	s.jobs[bestID] = j

	claimed := j
	return &claimed, nil
}

func (s *InMemoryStore) ReleaseJob(ctx context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.LockedBy != workerID {
		return nil
	}
	j.Status = api.JobPending
	j.LockedBy = ""
	j.LockedAt = time.Time{}
	s.jobs[jobID] = j
	return nil
}

func (s *InMemoryStore) RecoverStale(ctx context.Context, now time.Time, leaseTTL time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := now.Add(-leaseTTL)
	recovered := 0
	for id, j := range s.jobs {
		if j.Status != api.JobRunning || j.LockedAt.After(stale) {
			continue
		}
		j.Status = api.JobPending
		j.LockedBy = ""
		j.LockedAt = time.Time{}
		s.jobs[id] = j
		recovered++
	}
	return recovered, nil
}

// --- EventStore ---

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev *api.FlowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	ev.ID = s.nextEventID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events = append(s.events, *ev)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, sessionID string, sinceID int64) ([]api.FlowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.FlowEvent
	for _, ev := range s.events {
		if ev.SessionID != sessionID || ev.ID <= sinceID {
			continue
		}
		result = append(result, ev)
	}
	return result, nil
}

// --- InteractionStore ---

func (s *InMemoryStore) SaveRequest(ctx context.Context, r *api.FlowInteractionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.reqSeq[r.ID] = s.seq
	s.requests[r.ID] = *r
	return nil
}

func (s *InMemoryStore) UpdateRequest(ctx context.Context, r *api.FlowInteractionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[r.ID]; !ok {
		return ErrRequestNotFound
	}
	s.requests[r.ID] = *r
	return nil
}

func (s *InMemoryStore) GetRequest(ctx context.Context, id string) (*api.FlowInteractionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return &r, nil
}

func (s *InMemoryStore) PendingForExecution(ctx context.Context, stepExecutionID string) (*api.FlowInteractionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.requests {
		if r.StepExecutionID == stepExecutionID && r.Status == api.RequestPending {
			copied := r
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) LatestForExecution(ctx context.Context, stepExecutionID string) (*api.FlowInteractionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  api.FlowInteractionRequest
		found bool
	)
	for id, r := range s.requests {
		if r.StepExecutionID != stepExecutionID {
			continue
		}
		if !found || s.reqSeq[id] > s.reqSeq[best.ID] {
			best = r
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	return &best, nil
}

func (s *InMemoryStore) PendingForSession(ctx context.Context, sessionID string) ([]*api.FlowInteractionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowInteractionRequest
	for _, r := range s.requests {
		if r.SessionID != sessionID || r.Status != api.RequestPending {
			continue
		}
		copied := r
		result = append(result, &copied)
	}
	return result, nil
}

func (s *InMemoryStore) ListOverdue(ctx context.Context, now time.Time) ([]*api.FlowInteractionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowInteractionRequest
	for _, r := range s.requests {
		if r.Status != api.RequestPending || !r.DueAt.Before(now) {
			continue
		}
		copied := r
		result = append(result, &copied)
	}
	return result, nil
}

func (s *InMemoryStore) SaveResponse(ctx context.Context, r *api.FlowInteractionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.responses[r.ID] = *r
	return nil
}

// --- MemoryStore ---

func (s *InMemoryStore) AppendVersion(ctx context.Context, v *api.MemoryVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := channelKey(v.SessionID, v.Channel)
	s.versions[key] = append(s.versions[key], *v)
	return nil
}

func (s *InMemoryStore) HeadVersion(ctx context.Context, sessionID, channel string) (int64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.versions[channelKey(sessionID, channel)]
	if len(chain) == 0 {
		return 0, "", nil
	}
	head := chain[len(chain)-1]
	return head.Version, head.ID, nil
}

func (s *InMemoryStore) ListVersionsAfter(ctx context.Context, sessionID, channel string, after int64, limit int) ([]api.MemoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.MemoryVersion
	for _, v := range s.versions[channelKey(sessionID, channel)] {
		if v.Version > after {
			result = append(result, v)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *InMemoryStore) SaveSummary(ctx context.Context, sum *api.MemorySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := channelKey(sum.SessionID, sum.Channel)
	s.summaries[key] = append(s.summaries[key], *sum)
	sort.Slice(s.summaries[key], func(i, j int) bool {
		return s.summaries[key][i].SourceVersionStart < s.summaries[key][j].SourceVersionStart
	})
	return nil
}

func (s *InMemoryStore) ListSummaries(ctx context.Context, sessionID, channel string) ([]api.MemorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.summaries[channelKey(sessionID, channel)]
	result := make([]api.MemorySummary, len(chain))
	copy(result, chain)
	return result, nil
}
