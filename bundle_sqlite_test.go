package stepflow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/worker"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stepflow_test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_journal=WAL")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteBundle_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var invoked []string
	invoker := AgentInvokerFunc(func(ctx context.Context, req InvocationRequest) (*InvocationResult, error) {
		invoked = append(invoked, req.StepID)
		return &InvocationResult{
			Content: "ok:" + req.StepID,
			Usage:   api.UsageCost{PromptTokens: 10},
		}, nil
	})

	bundle, err := NewSQLiteBundle(db, invoker, Options{}, worker.Config{})
	require.NoError(t, err)

	flow := NewFlow("report", "1").
		Step("gather", "collector").OnSuccess("write").Done().
		Step("write", "author").CompleteOnSuccess().Done()
	require.NoError(t, flow.RegisterAndPublish(bundle.Orchestrator))

	sess, err := Start(ctx, bundle.Orchestrator, "report", StartOptions{
		LaunchParams: map[string]any{"topic": "quarterly"},
	})
	require.NoError(t, err)

	// Process only the first step, then abandon this process.
	worked, err := bundle.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	require.Equal(t, []string{"gather"}, invoked)

	// "Restart": a fresh orchestrator and worker over the same database.
	bundle2, err := NewSQLiteBundle(db, invoker, Options{}, worker.Config{})
	require.NoError(t, err)

	recovered, err := RecoverStaleJobs(ctx, bundle2.Orchestrator)
	require.NoError(t, err)
	require.Zero(t, recovered, "cleanly released jobs need no recovery")

	got, err := GetSession(ctx, bundle2.Orchestrator, sess.ID)
	require.NoError(t, err)
	require.Equal(t, SessionRunning, got.Status)
	require.Equal(t, "quarterly", got.LaunchParams["topic"])

	_, err = bundle2.Worker.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"gather", "write"}, invoked)

	got, err = GetSession(ctx, bundle2.Orchestrator, sess.ID)
	require.NoError(t, err)
	require.Equal(t, SessionCompleted, got.Status)
	require.Equal(t, 20, got.Usage.PromptTokens)

	// The event history written by both processes reads as one stream.
	snap, err := Snapshot(ctx, bundle2.Orchestrator, sess.ID, 0)
	require.NoError(t, err)
	types := make([]api.EventType, 0, len(snap.Events))
	for _, ev := range snap.Events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []api.EventType{
		api.EventFlowStarted,
		api.EventStepStarted,
		api.EventStepCompleted,
		api.EventStepStarted,
		api.EventStepCompleted,
		api.EventFlowCompleted,
	}, types)
}

func TestSQLiteBundle_InteractionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	invoker := AgentInvokerFunc(func(ctx context.Context, req InvocationRequest) (*InvocationResult, error) {
		return &InvocationResult{Content: "shipped"}, nil
	})

	bundle, err := NewSQLiteBundle(db, invoker, Options{}, worker.Config{})
	require.NoError(t, err)

	flow := NewFlow("release", "1").
		Step("ship", "deployer").RequireApproval().CompleteOnSuccess().Done()
	require.NoError(t, flow.RegisterAndPublish(bundle.Orchestrator))

	sess, err := Start(ctx, bundle.Orchestrator, "release", StartOptions{})
	require.NoError(t, err)

	_, err = bundle.Worker.Drain(ctx)
	require.NoError(t, err)

	// Restart while the session is parked on the approval gate.
	bundle2, err := NewSQLiteBundle(db, invoker, Options{}, worker.Config{})
	require.NoError(t, err)

	snap, err := Snapshot(ctx, bundle2.Orchestrator, sess.ID, 0)
	require.NoError(t, err)
	require.Equal(t, SessionWaitingApproval, snap.Session.Status)

	var requestID string
	for _, ev := range snap.Events {
		if ev.Type == api.EventInteractionRequired {
			requestID, _ = ev.Payload["request_id"].(string)
		}
	}
	require.NotEmpty(t, requestID)

	require.NoError(t, Approve(ctx, bundle2.Orchestrator, sess.ID, requestID, "release-manager"))

	_, err = bundle2.Worker.Drain(ctx)
	require.NoError(t, err)

	got, err := GetSession(ctx, bundle2.Orchestrator, sess.ID)
	require.NoError(t, err)
	require.Equal(t, SessionCompleted, got.Status)
}
