package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/models"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const tokenColumns = `token_id, token_number, display_number, patient_id, department_id, doctor_id, date, status, created_at, called_at, completed_at`

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(&token.TokenID, &token.TokenNumber, &token.DisplayNumber, &token.PatientID, &token.DepartmentID, &token.DoctorID, &token.Date, &token.Status, &token.CreatedAt, &calledAtNull, &completedAtNull); err != nil {
		return models.Token{}, err
	}
	token.CalledAt = nullTimePtr(calledAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)
	return token, nil
}

func collectTokens(rows pgx.Rows) ([]models.Token, error) {
	defer rows.Close()
	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tokenID := input.TokenID
	if tokenID == "" {
		tokenID = uuid.NewString()
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tokens (
			token_id, token_number, display_number, patient_id, department_id, doctor_id, date, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+tokenColumns+`
	`, tokenID, input.TokenNumber, input.DisplayNumber, input.PatientID, input.DepartmentID, input.DoctorID, input.Date, models.StatusWaiting, createdAt)

	var token models.Token
	token, err = scanToken(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Token{}, store.ErrDuplicateNumber
		}
		return models.Token{}, err
	}

	if err = insertTokenEvent(ctx, tx, token.TokenID, store.EventTypeForStatus(token.Status), token); err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) FindActiveToken(ctx context.Context, patientID, doctorID, date string) (models.Token, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE patient_id = $1 AND doctor_id = $2 AND date = $3
			AND status IN ('waiting', 'serving')
		LIMIT 1
	`, patientID, doctorID, date)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) ListWaiting(ctx context.Context, departmentID, doctorID, date string) ([]models.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE department_id = $1 AND date = $2 AND status = 'waiting'
	`
	args := []interface{}{departmentID, date}
	if doctorID != "" {
		query += " AND doctor_id = $3"
		args = append(args, doctorID)
	}
	query += " ORDER BY token_number ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func (s *Store) ListServing(ctx context.Context, departmentID, date string) ([]models.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE department_id = $1 AND date = $2 AND status = 'serving'
		ORDER BY token_number ASC
	`, departmentID, date)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func (s *Store) ListTokensForPatient(ctx context.Context, patientID, date string) ([]models.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE patient_id = $1 AND date = $2
		ORDER BY created_at DESC
	`, patientID, date)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func (s *Store) ListHistory(ctx context.Context, departmentID string, limit, offset int) (store.HistoryPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE department_id = $1 AND status IN ('completed', 'skipped', 'cancelled')
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, departmentID, limit, offset)
	if err != nil {
		return store.HistoryPage{}, err
	}
	tokens, err := collectTokens(rows)
	if err != nil {
		return store.HistoryPage{}, err
	}

	var total int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tokens
		WHERE department_id = $1 AND status IN ('completed', 'skipped', 'cancelled')
	`, departmentID)
	if err := row.Scan(&total); err != nil {
		return store.HistoryPage{}, err
	}
	return store.HistoryPage{Tokens: tokens, Total: total}, nil
}

func (s *Store) Transition(ctx context.Context, input store.TransitionInput) (models.Token, error) {
	if input.FromStatus != "" && !store.ValidTransition(input.FromStatus, input.ToStatus) {
		return models.Token{}, store.ErrInvalidTransition
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	updateQuery := `
		UPDATE tokens
		SET status = $1
	`
	args := []interface{}{input.ToStatus}
	argPos := 2

	switch input.TimestampColumn {
	case "":
	case "called_at", "completed_at":
		updateQuery += fmt.Sprintf(", %s = $%d", input.TimestampColumn, argPos)
		args = append(args, occurredAt)
		argPos++
	default:
		return models.Token{}, fmt.Errorf("unsupported timestamp column %q", input.TimestampColumn)
	}

	updateQuery += fmt.Sprintf(" WHERE token_id = $%d", argPos)
	args = append(args, input.TokenID)
	argPos++

	if input.FromStatus != "" {
		updateQuery += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, input.FromStatus)
	}
	updateQuery += " RETURNING " + tokenColumns

	row := tx.QueryRow(ctx, updateQuery, args...)
	var token models.Token
	token, err = scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			exists, stateErr := tokenExists(ctx, tx, input.TokenID)
			if stateErr != nil {
				err = stateErr
				return models.Token{}, stateErr
			}
			if !exists {
				err = store.ErrTokenNotFound
				return models.Token{}, store.ErrTokenNotFound
			}
			err = store.ErrStaleState
			return models.Token{}, store.ErrStaleState
		}
		return models.Token{}, err
	}

	if err = insertTokenEvent(ctx, tx, token.TokenID, store.EventTypeForStatus(token.Status), token); err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) BulkCancel(ctx context.Context, departmentID, date string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tokens
		SET status = 'cancelled'
		WHERE department_id = $1 AND date = $2 AND status IN ('waiting', 'serving')
	`, departmentID, date)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) NextTokenNumber(ctx context.Context, departmentID, doctorID, date string) (int, error) {
	var next int
	row := s.pool.QueryRow(ctx, `
		INSERT INTO department_counters (department_id, doctor_id, date, current_token, now_serving)
		VALUES ($1, $2, $3, 1, 0)
		ON CONFLICT (department_id, doctor_id, date)
		DO UPDATE SET current_token = department_counters.current_token + 1
		RETURNING current_token
	`, departmentID, doctorID, date)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) SetNowServing(ctx context.Context, departmentID, doctorID, date string, tokenNumber int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO department_counters (department_id, doctor_id, date, current_token, now_serving)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (department_id, doctor_id, date)
		DO UPDATE SET now_serving = $4
	`, departmentID, doctorID, date, tokenNumber)
	return err
}

func (s *Store) ResetCounters(ctx context.Context, departmentID, date string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE department_counters
		SET current_token = 0,
			now_serving = 0
		WHERE department_id = $1 AND date = $2
	`, departmentID, date)
	return err
}

func (s *Store) ListCounters(ctx context.Context, departmentID, date string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT department_id, doctor_id, date, current_token, now_serving
		FROM department_counters
		WHERE department_id = $1 AND date = $2
		ORDER BY doctor_id ASC
	`, departmentID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.DepartmentID, &counter.DoctorID, &counter.Date, &counter.CurrentToken, &counter.NowServing); err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Store) CreateDepartment(ctx context.Context, input store.CreateDepartmentInput) (models.Department, error) {
	departmentID := input.DepartmentID
	if departmentID == "" {
		departmentID = uuid.NewString()
	}
	var dept models.Department
	row := s.pool.QueryRow(ctx, `
		INSERT INTO departments (department_id, code, name, description, active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		RETURNING department_id, code, name, description, active, created_at
	`, departmentID, input.Code, input.Name, input.Description, time.Now().UTC())
	if err := row.Scan(&dept.DepartmentID, &dept.Code, &dept.Name, &dept.Description, &dept.Active, &dept.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Department{}, store.ErrCodeTaken
		}
		return models.Department{}, err
	}
	return dept, nil
}

func (s *Store) GetDepartment(ctx context.Context, departmentID string) (models.Department, error) {
	var dept models.Department
	row := s.pool.QueryRow(ctx, `
		SELECT department_id, code, name, description, active, created_at
		FROM departments
		WHERE department_id = $1
	`, departmentID)
	if err := row.Scan(&dept.DepartmentID, &dept.Code, &dept.Name, &dept.Description, &dept.Active, &dept.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Department{}, store.ErrDepartmentNotFound
		}
		return models.Department{}, err
	}
	return dept, nil
}

func (s *Store) ListDepartments(ctx context.Context, activeOnly bool) ([]models.Department, error) {
	query := `
		SELECT department_id, code, name, description, active, created_at
		FROM departments
	`
	if activeOnly {
		query += " WHERE active = TRUE"
	}
	query += " ORDER BY name ASC"

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var departments []models.Department
	for rows.Next() {
		var dept models.Department
		if err := rows.Scan(&dept.DepartmentID, &dept.Code, &dept.Name, &dept.Description, &dept.Active, &dept.CreatedAt); err != nil {
			return nil, err
		}
		departments = append(departments, dept)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return departments, nil
}

func (s *Store) DeactivateDepartment(ctx context.Context, departmentID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE departments
		SET active = FALSE
		WHERE department_id = $1
	`, departmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDepartmentNotFound
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	var emailNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, name, email, role, available
		FROM users
		WHERE user_id = $1
	`, userID)
	if err := row.Scan(&user.UserID, &user.Name, &emailNull, &user.Role, &user.Available); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, store.ErrUserNotFound
		}
		return models.User{}, err
	}
	if emailNull.Valid {
		user.Email = emailNull.String
	}
	return user, nil
}

func (s *Store) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, token_seq, type, payload, created_at, prev_hash, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq ASC
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		if err := rows.Scan(&event.TokenID, &event.TokenSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func insertTokenEvent(ctx context.Context, tx pgx.Tx, tokenID, eventType string, token models.Token) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tokenID); err != nil {
		return err
	}

	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT token_seq, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq DESC
		LIMIT 1
		FOR UPDATE
	`, tokenID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	createdAt := time.Now().UTC()
	hash := store.ComputeTokenEventHash(prev, tokenID, eventType, payload, createdAt, nextSeq)

	_, err = tx.Exec(ctx, `
		INSERT INTO token_events (token_id, token_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tokenID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

func tokenExists(ctx context.Context, tx pgx.Tx, tokenID string) (bool, error) {
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tokens WHERE token_id = $1)
	`, tokenID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
