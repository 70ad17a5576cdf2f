package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// SQLiteStore implements every store interface on top of a shared *sql.DB.
//
// It expects a SQLite driver (for example "modernc.org/sqlite"); the caller
// is responsible for importing it:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the store interfaces.
var (
	_ DefinitionStore  = (*SQLiteStore)(nil)
	_ SessionStore     = (*SQLiteStore)(nil)
	_ ExecutionStore   = (*SQLiteStore)(nil)
	_ JobStore         = (*SQLiteStore)(nil)
	_ InteractionStore = (*SQLiteStore)(nil)
	_ MemoryStore      = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Stores returns a Persistence bundle with every store backed by s; the
// event store is a separate SQLiteEventStore sharing the same DB.
func (s *SQLiteStore) Stores(events EventStore) Persistence {
	return Persistence{
		Definitions:  s,
		Sessions:     s,
		Executions:   s,
		Jobs:         s,
		Events:       events,
		Interactions: s,
		Memory:       s,
	}
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_definitions (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			start_step_id TEXT NOT NULL,
			steps BLOB,
			PRIMARY KEY (name, version)
		);

		CREATE TABLE IF NOT EXISTS flow_sessions (
			id TEXT PRIMARY KEY,
			definition_name TEXT NOT NULL,
			definition_version TEXT NOT NULL,
			graph BLOB,
			status TEXT NOT NULL,
			current_step_id TEXT NOT NULL DEFAULT '',
			state_version INTEGER NOT NULL DEFAULT 0,
			current_memory_version INTEGER NOT NULL DEFAULT 0,
			launch_params BLOB,
			shared_context BLOB,
			overrides BLOB,
			chat_session_id TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_micros INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS flow_step_executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			input BLOB,
			output BLOB,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_micros INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL DEFAULT 0,
			finished_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_step_executions_session
			ON flow_step_executions(session_id);

		CREATE TABLE IF NOT EXISTS flow_jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			step_execution_id TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			scheduled_at INTEGER NOT NULL,
			locked_by TEXT NOT NULL DEFAULT '',
			locked_at INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_flow_jobs_claim
			ON flow_jobs(status, scheduled_at);

		CREATE TABLE IF NOT EXISTS flow_interaction_requests (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			step_execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload_schema BLOB,
			suggested_actions BLOB,
			agent_version TEXT NOT NULL DEFAULT '',
			due_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_interaction_requests_execution
			ON flow_interaction_requests(step_execution_id, seq);
		CREATE INDEX IF NOT EXISTS idx_interaction_requests_due
			ON flow_interaction_requests(status, due_at);

		CREATE TABLE IF NOT EXISTS flow_interaction_responses (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			responder_id TEXT NOT NULL,
			payload BLOB,
			source TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS flow_memory_versions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			version INTEGER NOT NULL,
			parent_version_id TEXT NOT NULL DEFAULT '',
			data BLOB,
			created_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE (session_id, channel, version)
		);

		CREATE TABLE IF NOT EXISTS flow_memory_summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			source_start INTEGER NOT NULL,
			source_end INTEGER NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_memory_summaries_channel
			ON flow_memory_summaries(session_id, channel, source_start);
	`)
	return err
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// --- DefinitionStore ---

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def api.FlowDefinition) error {
	steps, err := EncodeSteps(def.Steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_definitions (name, version, status, start_step_id, steps)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name, version) DO UPDATE SET
			status = excluded.status,
			start_step_id = excluded.start_step_id,
			steps = excluded.steps`,
		def.Name, def.Version, string(def.Status), def.StartStepID, steps,
	)
	return err
}

func (s *SQLiteStore) scanDefinition(row *sql.Row) (api.FlowDefinition, error) {
	var (
		def       api.FlowDefinition
		statusStr string
		steps     []byte
	)
	if err := row.Scan(&def.Name, &def.Version, &statusStr, &def.StartStepID, &steps); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.FlowDefinition{}, ErrDefinitionNotFound
		}
		return api.FlowDefinition{}, err
	}
	def.Status = api.DefinitionStatus(statusStr)
	decoded, err := DecodeSteps(steps)
	if err != nil {
		return api.FlowDefinition{}, err
	}
	def.Steps = decoded
	return def, nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, name, version string) (api.FlowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, version, status, start_step_id, steps
		FROM flow_definitions
		WHERE name = ? AND version = ?`,
		name, version,
	)
	return s.scanDefinition(row)
}

func (s *SQLiteStore) LatestPublished(ctx context.Context, name string) (api.FlowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, version, status, start_step_id, steps
		FROM flow_definitions
		WHERE name = ? AND status = ?
		ORDER BY version DESC
		LIMIT 1`,
		name, string(api.DefinitionPublished),
	)
	return s.scanDefinition(row)
}

func (s *SQLiteStore) ListVersions(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version FROM flow_definitions WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- SessionStore ---

func (s *SQLiteStore) sessionArgs(sess *api.FlowSession) ([]any, error) {
	graph, err := EncodeGraph(sess.Graph)
	if err != nil {
		return nil, err
	}
	launch, err := EncodeJSON(sess.LaunchParams)
	if err != nil {
		return nil, err
	}
	shared, err := EncodeJSON(sess.SharedContext)
	if err != nil {
		return nil, err
	}
	overrides, err := EncodeJSON(sess.Overrides)
	if err != nil {
		return nil, err
	}
	return []any{
		sess.DefinitionName,
		sess.DefinitionVersion,
		graph,
		string(sess.Status),
		sess.CurrentStepID,
		sess.StateVersion,
		sess.CurrentMemoryVersion,
		launch,
		shared,
		overrides,
		sess.ChatSessionID,
		sess.ErrorCode,
		sess.ErrorMessage,
		sess.Usage.PromptTokens,
		sess.Usage.CompletionTokens,
		sess.Usage.CostMicros,
		unixOrZero(sess.CreatedAt),
		unixOrZero(sess.UpdatedAt),
	}, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *api.FlowSession) error {
	args, err := s.sessionArgs(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_sessions (
			id, definition_name, definition_version, graph, status,
			current_step_id, state_version, current_memory_version,
			launch_params, shared_context, overrides, chat_session_id,
			error_code, error_message, prompt_tokens, completion_tokens,
			cost_micros, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{sess.ID}, args...)...,
	)
	return err
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *api.FlowSession) error {
	args, err := s.sessionArgs(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_sessions SET
			definition_name = ?, definition_version = ?, graph = ?, status = ?,
			current_step_id = ?, state_version = ?, current_memory_version = ?,
			launch_params = ?, shared_context = ?, overrides = ?,
			chat_session_id = ?, error_code = ?, error_message = ?,
			prompt_tokens = ?, completion_tokens = ?, cost_micros = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?`,
		append(args, sess.ID)...,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

const sessionColumns = `
	id, definition_name, definition_version, graph, status,
	current_step_id, state_version, current_memory_version,
	launch_params, shared_context, overrides, chat_session_id,
	error_code, error_message, prompt_tokens, completion_tokens,
	cost_micros, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*api.FlowSession, error) {
	var (
		sess                    api.FlowSession
		graph                   []byte
		statusStr               string
		launch, shared, ovr     []byte
		createdNano, updateNano int64
	)
	err := row.Scan(
		&sess.ID, &sess.DefinitionName, &sess.DefinitionVersion, &graph,
		&statusStr, &sess.CurrentStepID, &sess.StateVersion,
		&sess.CurrentMemoryVersion, &launch, &shared, &ovr,
		&sess.ChatSessionID, &sess.ErrorCode, &sess.ErrorMessage,
		&sess.Usage.PromptTokens, &sess.Usage.CompletionTokens,
		&sess.Usage.CostMicros, &createdNano, &updateNano,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	sess.Status = api.SessionStatus(statusStr)
	if sess.Graph, err = DecodeGraph(graph); err != nil {
		return nil, err
	}
	if sess.LaunchParams, err = DecodeMap(launch); err != nil {
		return nil, err
	}
	if sess.SharedContext, err = DecodeMap(shared); err != nil {
		return nil, err
	}
	if sess.Overrides, err = DecodeMap(ovr); err != nil {
		return nil, err
	}
	sess.CreatedAt = timeOrZero(createdNano)
	sess.UpdatedAt = timeOrZero(updateNano)
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*api.FlowSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM flow_sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*api.FlowSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM flow_sessions`
	var (
		clauses []string
		args    []any
	)
	if filter.DefinitionName != "" {
		clauses = append(clauses, "definition_name = ?")
		args = append(args, filter.DefinitionName)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*api.FlowSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- ExecutionStore ---

func (s *SQLiteStore) executionArgs(e *api.FlowStepExecution) ([]any, error) {
	input, err := EncodeJSON(e.Input)
	if err != nil {
		return nil, err
	}
	output, err := EncodeJSON(e.Output)
	if err != nil {
		return nil, err
	}
	return []any{
		e.SessionID, e.StepID, string(e.Status), e.Attempt, input, output,
		e.Usage.PromptTokens, e.Usage.CompletionTokens, e.Usage.CostMicros,
		e.ErrorCode, e.ErrorMessage,
		unixOrZero(e.StartedAt), unixOrZero(e.FinishedAt),
	}, nil
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, e *api.FlowStepExecution) error {
	args, err := s.executionArgs(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_step_executions (
			id, session_id, step_id, status, attempt, input, output,
			prompt_tokens, completion_tokens, cost_micros,
			error_code, error_message, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{e.ID}, args...)...,
	)
	return err
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *api.FlowStepExecution) error {
	args, err := s.executionArgs(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_step_executions SET
			session_id = ?, step_id = ?, status = ?, attempt = ?,
			input = ?, output = ?, prompt_tokens = ?, completion_tokens = ?,
			cost_micros = ?, error_code = ?, error_message = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`,
		append(args, e.ID)...,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func scanExecution(row rowScanner) (*api.FlowStepExecution, error) {
	var (
		e             api.FlowStepExecution
		statusStr     string
		input, output []byte
		started, done int64
	)
	err := row.Scan(
		&e.ID, &e.SessionID, &e.StepID, &statusStr, &e.Attempt,
		&input, &output, &e.Usage.PromptTokens, &e.Usage.CompletionTokens,
		&e.Usage.CostMicros, &e.ErrorCode, &e.ErrorMessage, &started, &done,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	e.Status = api.StepStatus(statusStr)
	if e.Input, err = DecodeMap(input); err != nil {
		return nil, err
	}
	if e.Output, err = DecodeMap(output); err != nil {
		return nil, err
	}
	e.StartedAt = timeOrZero(started)
	e.FinishedAt = timeOrZero(done)
	return &e, nil
}

const executionColumns = `
	id, session_id, step_id, status, attempt, input, output,
	prompt_tokens, completion_tokens, cost_micros,
	error_code, error_message, started_at, finished_at`

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*api.FlowStepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM flow_step_executions WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, sessionID string) ([]*api.FlowStepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM flow_step_executions
		 WHERE session_id = ? ORDER BY started_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*api.FlowStepExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- JobStore ---

func (s *SQLiteStore) EnqueueJob(ctx context.Context, j *api.FlowJob) error {
	payload, err := EncodeJSON(j.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_jobs (
			id, session_id, step_execution_id, payload, status,
			retry_count, scheduled_at, locked_by, locked_at, enqueued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SessionID, j.StepExecutionID, payload, string(j.Status),
		j.RetryCount, unixOrZero(j.ScheduledAt), j.LockedBy,
		unixOrZero(j.LockedAt), unixOrZero(j.EnqueuedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, j *api.FlowJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_jobs SET
			status = ?, retry_count = ?, scheduled_at = ?,
			locked_by = ?, locked_at = ?
		WHERE id = ?`,
		string(j.Status), j.RetryCount, unixOrZero(j.ScheduledAt),
		j.LockedBy, unixOrZero(j.LockedAt), j.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func scanJob(row rowScanner) (*api.FlowJob, error) {
	var (
		j                             api.FlowJob
		payload                       []byte
		statusStr                     string
		scheduled, lockedAt, enqueued int64
	)
	err := row.Scan(
		&j.ID, &j.SessionID, &j.StepExecutionID, &payload, &statusStr,
		&j.RetryCount, &scheduled, &j.LockedBy, &lockedAt, &enqueued,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	j.Status = api.JobStatus(statusStr)
	if j.Payload, err = DecodePayload(payload); err != nil {
		return nil, err
	}
	j.ScheduledAt = timeOrZero(scheduled)
	j.LockedAt = timeOrZero(lockedAt)
	j.EnqueuedAt = timeOrZero(enqueued)
	return &j, nil
}

const jobColumns = `
	id, session_id, step_execution_id, payload, status,
	retry_count, scheduled_at, locked_by, locked_at, enqueued_at`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*api.FlowJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM flow_jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, sessionID string) ([]*api.FlowJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM flow_jobs WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*api.FlowJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// LockNextPending claims the oldest eligible job with a single conditional
// UPDATE. The WHERE clause re-checks eligibility so that two workers racing
// for the same candidate row can never both observe a successful claim;
// the loser's update matches zero rows and it simply sees "no job".
func (s *SQLiteStore) LockNextPending(ctx context.Context, workerID string, now time.Time, leaseTTL time.Duration) (*api.FlowJob, error) {
	nowNano := now.UnixNano()
	staleNano := now.Add(-leaseTTL).UnixNano()

	var claimedID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE flow_jobs
		SET status = ?, locked_by = ?, locked_at = ?
		WHERE seq = (
			SELECT seq FROM flow_jobs
			WHERE scheduled_at <= ?
			  AND (status = 'PENDING' OR (status = 'RUNNING' AND locked_at <= ?))
			ORDER BY scheduled_at, seq
			LIMIT 1
		)
		AND (status = 'PENDING' OR (status = 'RUNNING' AND locked_at <= ?))
		RETURNING id`,
		string(api.JobRunning), workerID, nowNano,
		nowNano, staleNano, staleNano,
	).Scan(&claimedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return s.GetJob(ctx, claimedID)
}

func (s *SQLiteStore) ReleaseJob(ctx context.Context, jobID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE flow_jobs
		SET status = ?, locked_by = '', locked_at = 0
		WHERE id = ? AND locked_by = ?`,
		string(api.JobPending), jobID, workerID,
	)
	return err
}

func (s *SQLiteStore) RecoverStale(ctx context.Context, now time.Time, leaseTTL time.Duration) (int, error) {
	staleNano := now.Add(-leaseTTL).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_jobs
		SET status = ?, locked_by = '', locked_at = 0
		WHERE status = ? AND locked_at <= ?`,
		string(api.JobPending), string(api.JobRunning), staleNano,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- InteractionStore ---

func (s *SQLiteStore) SaveRequest(ctx context.Context, r *api.FlowInteractionRequest) error {
	schemaBytes, err := EncodeJSON(r.PayloadSchema)
	if err != nil {
		return err
	}
	actions, err := EncodeJSON(r.SuggestedActions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_interaction_requests (
			id, session_id, step_execution_id, step_id, type,
			payload_schema, suggested_actions, agent_version, due_at,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.StepExecutionID, r.StepID, string(r.Type),
		schemaBytes, actions, r.AgentVersion, unixOrZero(r.DueAt),
		string(r.Status), unixOrZero(r.CreatedAt), unixOrZero(r.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateRequest(ctx context.Context, r *api.FlowInteractionRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_interaction_requests
		SET status = ?, due_at = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), unixOrZero(r.DueAt), unixOrZero(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRequestNotFound
	}
	return nil
}

const requestColumns = `
	id, session_id, step_execution_id, step_id, type, payload_schema,
	suggested_actions, agent_version, due_at, status, created_at, updated_at`

func scanRequest(row rowScanner) (*api.FlowInteractionRequest, error) {
	var (
		r                     api.FlowInteractionRequest
		typeStr, statusStr    string
		schemaBytes, actions  []byte
		due, created, updated int64
	)
	err := row.Scan(
		&r.ID, &r.SessionID, &r.StepExecutionID, &r.StepID, &typeStr,
		&schemaBytes, &actions, &r.AgentVersion, &due, &statusStr,
		&created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	r.Type = api.InteractionType(typeStr)
	r.Status = api.RequestStatus(statusStr)
	if r.PayloadSchema, err = DecodeMap(schemaBytes); err != nil {
		return nil, err
	}
	if r.SuggestedActions, err = DecodeStrings(actions); err != nil {
		return nil, err
	}
	r.DueAt = timeOrZero(due)
	r.CreatedAt = timeOrZero(created)
	r.UpdatedAt = timeOrZero(updated)
	return &r, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*api.FlowInteractionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM flow_interaction_requests WHERE id = ?`, id)
	return scanRequest(row)
}

func (s *SQLiteStore) PendingForExecution(ctx context.Context, stepExecutionID string) (*api.FlowInteractionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM flow_interaction_requests
		 WHERE step_execution_id = ? AND status = ?
		 ORDER BY seq DESC LIMIT 1`,
		stepExecutionID, string(api.RequestPending))
	r, err := scanRequest(row)
	if errors.Is(err, ErrRequestNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) LatestForExecution(ctx context.Context, stepExecutionID string) (*api.FlowInteractionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM flow_interaction_requests
		 WHERE step_execution_id = ?
		 ORDER BY seq DESC LIMIT 1`,
		stepExecutionID)
	r, err := scanRequest(row)
	if errors.Is(err, ErrRequestNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) queryRequests(ctx context.Context, query string, args ...any) ([]*api.FlowInteractionRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*api.FlowInteractionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func (s *SQLiteStore) PendingForSession(ctx context.Context, sessionID string) ([]*api.FlowInteractionRequest, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM flow_interaction_requests
		 WHERE session_id = ? AND status = ? ORDER BY seq`,
		sessionID, string(api.RequestPending))
}

func (s *SQLiteStore) ListOverdue(ctx context.Context, now time.Time) ([]*api.FlowInteractionRequest, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM flow_interaction_requests
		 WHERE status = ? AND due_at < ? ORDER BY due_at`,
		string(api.RequestPending), now.UnixNano())
}

func (s *SQLiteStore) SaveResponse(ctx context.Context, r *api.FlowInteractionResponse) error {
	payload, err := EncodeJSON(r.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_interaction_responses (
			id, request_id, responder_id, payload, source, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestID, r.ResponderID, payload, string(r.Source),
		unixOrZero(r.CreatedAt),
	)
	return err
}

// --- MemoryStore ---

func (s *SQLiteStore) AppendVersion(ctx context.Context, v *api.MemoryVersion) error {
	data, err := EncodeJSON(v.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_memory_versions (
			id, session_id, channel, version, parent_version_id, data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.SessionID, v.Channel, v.Version, v.ParentVersionID,
		data, unixOrZero(v.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) HeadVersion(ctx context.Context, sessionID, channel string) (int64, string, error) {
	var (
		version int64
		id      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, id FROM flow_memory_versions
		WHERE session_id = ? AND channel = ?
		ORDER BY version DESC LIMIT 1`,
		sessionID, channel,
	).Scan(&version, &id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", nil
		}
		return 0, "", err
	}
	return version, id, nil
}

func (s *SQLiteStore) ListVersionsAfter(ctx context.Context, sessionID, channel string, after int64, limit int) ([]api.MemoryVersion, error) {
	query := `
		SELECT id, session_id, channel, version, parent_version_id, data, created_at
		FROM flow_memory_versions
		WHERE session_id = ? AND channel = ? AND version > ?
		ORDER BY version`
	rows, err := s.db.QueryContext(ctx, query, sessionID, channel, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []api.MemoryVersion
	for rows.Next() {
		var (
			v           api.MemoryVersion
			data        []byte
			createdNano int64
		)
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Channel, &v.Version, &v.ParentVersionID, &data, &createdNano); err != nil {
			return nil, err
		}
		if v.Data, err = DecodeMap(data); err != nil {
			return nil, err
		}
		v.CreatedAt = timeOrZero(createdNano)
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(versions) > limit {
		versions = versions[len(versions)-limit:]
	}
	return versions, nil
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, sum *api.MemorySummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_memory_summaries (
			id, session_id, channel, source_start, source_end,
			content, tokens, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.SessionID, sum.Channel, sum.SourceVersionStart,
		sum.SourceVersionEnd, sum.Content, sum.Tokens, unixOrZero(sum.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) ListSummaries(ctx context.Context, sessionID, channel string) ([]api.MemorySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, channel, source_start, source_end, content, tokens, created_at
		FROM flow_memory_summaries
		WHERE session_id = ? AND channel = ?
		ORDER BY source_start`,
		sessionID, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []api.MemorySummary
	for rows.Next() {
		var (
			sum         api.MemorySummary
			createdNano int64
		)
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.Channel, &sum.SourceVersionStart, &sum.SourceVersionEnd, &sum.Content, &sum.Tokens, &createdNano); err != nil {
			return nil, err
		}
		sum.CreatedAt = timeOrZero(createdNano)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
