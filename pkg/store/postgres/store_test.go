package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/store"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// setupTestStore creates a migrated Store in a fresh schema. Both CI and
// local dev use per-test schemas for isolation; local dev shares one
// testcontainer across the package.
func setupTestStore(t *testing.T) *Store {
	ctx := context.Background()
	connStr := getOrCreateSharedDatabase(t)

	schemaName := generateSchemaName(t)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = db.Close()

	// Reconnect with search_path so every pooled connection uses the schema.
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	db, err = sql.Open("pgx", fmt.Sprintf("%s%ssearch_path=%s", connStr, sep, schemaName))
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, Migrate(db, "test"))

	t.Cleanup(func() {
		_, err := db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
		_ = db.Close()
	})

	return NewStore(db)
}

func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		pgContainer, err := tcpostgres.Run(ctx,
			"postgres:17-alpine",
			tcpostgres.WithDatabase("test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedConnStr
}

func generateSchemaName(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)
	if len(testName) > 40 {
		testName = testName[:40]
	}
	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}

func testStep(sessionID, runID string, seq int, role models.Role, content string) *models.Step {
	return &models.Step{
		ID:        models.NewStepID(),
		SessionID: sessionID,
		RunID:     runID,
		Sequence:  seq,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestStore_StepRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s := setupTestStore(t)
	ctx := context.Background()

	step := testStep("sess-1", "run-1", 1, models.RoleAssistant, "calling a tool")
	step.ReasoningContent = "thinking"
	step.ToolCalls = []models.ToolCall{{
		ID:   "call_1",
		Type: "function",
		Function: models.FunctionCall{
			Name:      "echo",
			Arguments: `{"text":"hi"}`,
		},
	}}
	step.WorkflowID = "wf-1"
	step.NodeID = "triage"
	step.Metrics = models.StepMetrics{InputTokens: 12, OutputTokens: 7, Model: "gpt-4o"}

	require.NoError(t, s.SaveStep(ctx, step))

	got, err := s.GetLastStep(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, step.ID, got.ID)
	assert.Equal(t, step.Content, got.Content)
	assert.Equal(t, step.ReasoningContent, got.ReasoningContent)
	assert.Equal(t, step.ToolCalls, got.ToolCalls)
	assert.Equal(t, step.Metrics, got.Metrics)
	assert.Equal(t, "triage", got.NodeID)
}

func TestStore_SaveStepsBatchAndFilters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s := setupTestStore(t)
	ctx := context.Background()

	steps := []*models.Step{
		testStep("sess-1", "run-1", 1, models.RoleUser, "q"),
		testStep("sess-1", "run-1", 2, models.RoleAssistant, "a"),
		testStep("sess-1", "run-2", 3, models.RoleUser, "q2"),
	}
	require.NoError(t, s.SaveStepsBatch(ctx, steps))

	all, err := s.GetSteps(ctx, "sess-1", store.StepFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].Sequence)
	assert.Equal(t, 3, all[2].Sequence)

	byRun, err := s.GetSteps(ctx, "sess-1", store.StepFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	ranged, err := s.GetSteps(ctx, "sess-1", store.StepFilter{StartSeq: 2, EndSeq: 3})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)
}

func TestStore_AllocateSequence_Concurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s := setupTestStore(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 10

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				seq, err := s.AllocateSequence(ctx, "sess-1")
				assert.NoError(t, err)
				mu.Lock()
				got = append(got, seq)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, got, workers*perWorker)
	sort.Ints(got)
	for i, seq := range got {
		assert.Equal(t, i+1, seq)
	}
}

func TestStore_DeleteSteps_RewindsCounter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		seq, err := s.AllocateSequence(ctx, "sess-1")
		require.NoError(t, err)
		require.NoError(t, s.SaveStep(ctx, testStep("sess-1", "run-1", seq, models.RoleUser, "x")))
	}

	require.NoError(t, s.DeleteSteps(ctx, "sess-1", 3))

	remaining, err := s.GetSteps(ctx, "sess-1", store.StepFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	seq, err := s.AllocateSequence(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 3, seq)
}

func TestStore_RunLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	run := &models.Run{
		ID:           models.NewRunID(),
		RunnableID:   "agent-1",
		RunnableType: models.RunnableTypeAgent,
		SessionID:    "sess-1",
		UserID:       "u1",
		InputQuery:   "hello",
		Status:       models.RunStatusRunning,
		StartedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.SaveRun(ctx, run))

	run.Status = models.RunStatusCompleted
	run.CompletedAt = time.Now().UTC().Truncate(time.Microsecond)
	run.Metrics = models.RunMetrics{TotalTokens: 42, LLMCalls: 2}
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, 42, got.Metrics.TotalTokens)
	assert.False(t, got.CompletedAt.IsZero())

	runs, err := s.ListRuns(ctx, store.RunFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
