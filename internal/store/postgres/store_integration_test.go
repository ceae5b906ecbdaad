package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/models"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	paths, err := filepath.Glob(filepath.Join("..", "..", "..", "migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(paths)
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(raw)); err != nil {
			return err
		}
	}
	return nil
}

func seedDepartment(t *testing.T, ctx context.Context, st *Store) models.Department {
	t.Helper()
	dept, err := st.CreateDepartment(ctx, store.CreateDepartmentInput{
		Code: "OPD",
		Name: "Outpatient",
	})
	if err != nil {
		t.Fatalf("create department: %v", err)
	}
	return dept
}

func seedUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string, available bool) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(ctx, `
		INSERT INTO users (user_id, name, email, role, available)
		VALUES ($1, $2, $3, $4, $5)
	`, id, "Test User", id+"@example.test", role, available)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func seedToken(t *testing.T, ctx context.Context, st *Store, dept models.Department, doctorID, date string) models.Token {
	t.Helper()
	number, err := st.NextTokenNumber(ctx, dept.DepartmentID, doctorID, date)
	if err != nil {
		t.Fatalf("next token number: %v", err)
	}
	token, err := st.CreateToken(ctx, store.CreateTokenInput{
		TokenNumber:   number,
		DisplayNumber: dept.Code + "-" + date,
		PatientID:     uuid.NewString(),
		DepartmentID:  dept.DepartmentID,
		DoctorID:      doctorID,
		Date:          date,
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return token
}

func TestNextTokenNumberIsSequentialUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	dept := seedDepartment(t, ctx, st)
	doctorID := seedUser(t, ctx, pool, "staff", true)
	date := "2025-03-10"

	const workers = 16
	numbers := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := st.NextTokenNumber(ctx, dept.DepartmentID, doctorID, date)
			if err != nil {
				t.Errorf("next token number: %v", err)
				return
			}
			numbers <- n
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int]bool)
	for n := range numbers {
		if seen[n] {
			t.Fatalf("duplicate token number %d", n)
		}
		seen[n] = true
	}
	if len(seen) != workers {
		t.Fatalf("got %d numbers, want %d", len(seen), workers)
	}
	for i := 1; i <= workers; i++ {
		if !seen[i] {
			t.Fatalf("missing token number %d", i)
		}
	}
}

func TestTransitionGuardLosesRace(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	dept := seedDepartment(t, ctx, st)
	doctorID := seedUser(t, ctx, pool, "staff", true)
	token := seedToken(t, ctx, st, dept, doctorID, "2025-03-10")

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Transition(ctx, store.TransitionInput{
				TokenID:         token.TokenID,
				FromStatus:      models.StatusWaiting,
				ToStatus:        models.StatusServing,
				TimestampColumn: "called_at",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, stale int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case err == store.ErrStaleState:
			stale++
		default:
			t.Fatalf("transition: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("got %d winners, want exactly 1", wins)
	}
	if stale != workers-1 {
		t.Fatalf("got %d stale losers, want %d", stale, workers-1)
	}
}

func TestTransitionDistinguishesMissingFromStale(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	dept := seedDepartment(t, ctx, st)
	doctorID := seedUser(t, ctx, pool, "staff", true)
	token := seedToken(t, ctx, st, dept, doctorID, "2025-03-10")

	_, err := st.Transition(ctx, store.TransitionInput{
		TokenID:    uuid.NewString(),
		FromStatus: models.StatusWaiting,
		ToStatus:   models.StatusServing,
	})
	if err != store.ErrTokenNotFound {
		t.Fatalf("got %v, want ErrTokenNotFound", err)
	}

	if _, err := st.Transition(ctx, store.TransitionInput{
		TokenID:    token.TokenID,
		FromStatus: models.StatusWaiting,
		ToStatus:   models.StatusCancelled,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = st.Transition(ctx, store.TransitionInput{
		TokenID:    token.TokenID,
		FromStatus: models.StatusWaiting,
		ToStatus:   models.StatusServing,
	})
	if err != store.ErrStaleState {
		t.Fatalf("got %v, want ErrStaleState", err)
	}
}

func TestDuplicateTokenNumberRejected(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	dept := seedDepartment(t, ctx, st)
	doctorID := seedUser(t, ctx, pool, "staff", true)
	token := seedToken(t, ctx, st, dept, doctorID, "2025-03-10")

	_, err := st.CreateToken(ctx, store.CreateTokenInput{
		TokenNumber:   token.TokenNumber,
		DisplayNumber: token.DisplayNumber,
		PatientID:     uuid.NewString(),
		DepartmentID:  dept.DepartmentID,
		DoctorID:      doctorID,
		Date:          "2025-03-10",
	})
	if err != store.ErrDuplicateNumber {
		t.Fatalf("got %v, want ErrDuplicateNumber", err)
	}
}

func TestTokenEventChainSurvivesLifecycle(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	dept := seedDepartment(t, ctx, st)
	doctorID := seedUser(t, ctx, pool, "staff", true)
	token := seedToken(t, ctx, st, dept, doctorID, "2025-03-10")

	if _, err := st.Transition(ctx, store.TransitionInput{
		TokenID:         token.TokenID,
		FromStatus:      models.StatusWaiting,
		ToStatus:        models.StatusServing,
		TimestampColumn: "called_at",
	}); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if _, err := st.Transition(ctx, store.TransitionInput{
		TokenID:         token.TokenID,
		FromStatus:      models.StatusServing,
		ToStatus:        models.StatusCompleted,
		TimestampColumn: "completed_at",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := st.ListTokenEvents(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	prev := ""
	for i, event := range events {
		if event.TokenSeq != i+1 {
			t.Fatalf("event %d has seq %d", i, event.TokenSeq)
		}
		if event.PrevHash != prev {
			t.Fatalf("event %d prev hash mismatch", i)
		}
		want := store.ComputeTokenEventHash(event.PrevHash, event.TokenID, event.Type, event.Payload, event.CreatedAt, event.TokenSeq)
		if event.Hash != want {
			t.Fatalf("event %d hash mismatch", i)
		}
		prev = event.Hash
	}
}

func TestBulkCancelAndCounterReset(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	dept := seedDepartment(t, ctx, st)
	doctorID := seedUser(t, ctx, pool, "staff", true)
	date := "2025-03-10"
	seedToken(t, ctx, st, dept, doctorID, date)
	seedToken(t, ctx, st, dept, doctorID, date)

	cancelled, err := st.BulkCancel(ctx, dept.DepartmentID, date)
	if err != nil {
		t.Fatalf("bulk cancel: %v", err)
	}
	if cancelled != 2 {
		t.Fatalf("cancelled %d, want 2", cancelled)
	}
	if err := st.ResetCounters(ctx, dept.DepartmentID, date); err != nil {
		t.Fatalf("reset counters: %v", err)
	}

	n, err := st.NextTokenNumber(ctx, dept.DepartmentID, doctorID, date)
	if err != nil {
		t.Fatalf("next token number: %v", err)
	}
	if n != 1 {
		t.Fatalf("numbering restarted at %d, want 1", n)
	}

	// The cancelled rows stay for history but must not block the reused
	// number.
	if _, err := st.CreateToken(ctx, store.CreateTokenInput{
		TokenNumber:   n,
		DisplayNumber: dept.Code + "-reissued",
		PatientID:     uuid.NewString(),
		DepartmentID:  dept.DepartmentID,
		DoctorID:      doctorID,
		Date:          date,
	}); err != nil {
		t.Fatalf("reissue after reset: %v", err)
	}

	waiting, err := st.ListWaiting(ctx, dept.DepartmentID, "", date)
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 1 || waiting[0].TokenNumber != 1 {
		t.Fatalf("waiting=%v after reset, want only the reissued token", waiting)
	}
}
