package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/models"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/notify"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	tokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_tokens_issued_total",
		Help: "Tokens issued across all departments.",
	})
	tokensCalled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_tokens_called_total",
		Help: "Tokens moved to serving by call-next.",
	})
	tokensCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_tokens_completed_total",
		Help: "Tokens marked completed.",
	})
	tokensSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_tokens_skipped_total",
		Help: "Tokens marked skipped.",
	})
	queueResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_resets_total",
		Help: "Department day resets.",
	})
)

// Engine owns the token lifecycle. Every mutation goes through the store's
// compare-and-set primitives, then the committed state is fanned out to
// subscribers as a fresh department snapshot.
type Engine struct {
	store    store.Store
	pub      Publisher
	notifier notify.Sender
	log      zerolog.Logger

	loc *time.Location
	now func() time.Time
}

func NewEngine(st store.Store, pub Publisher, notifier notify.Sender, log zerolog.Logger, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		store:    st,
		pub:      pub,
		notifier: notifier,
		log:      log,
		loc:      loc,
		now:      time.Now,
	}
}

// Today is the current queue date in the engine's configured timezone.
// All numbering and FIFO ordering is partitioned by this value.
func (e *Engine) Today() string {
	return e.now().In(e.loc).Format("2006-01-02")
}

type IssueTokenInput struct {
	PatientID    string
	DepartmentID string
	DoctorID     string
}

// IssueToken books a token for today. If the patient already holds an
// active token with the same doctor today, the existing token is returned
// together with ErrDuplicateActive instead of issuing a second one.
func (e *Engine) IssueToken(ctx context.Context, input IssueTokenInput) (models.Token, error) {
	dept, err := e.store.GetDepartment(ctx, input.DepartmentID)
	if err != nil {
		return models.Token{}, err
	}
	if !dept.Active {
		return models.Token{}, store.ErrDepartmentInactive
	}

	doctor, err := e.store.GetUser(ctx, input.DoctorID)
	if err != nil {
		return models.Token{}, err
	}
	if doctor.Role != models.RoleStaff {
		return models.Token{}, store.ErrUserNotFound
	}
	if !doctor.Available {
		return models.Token{}, store.ErrDoctorUnavailable
	}

	date := e.Today()
	existing, found, err := e.store.FindActiveToken(ctx, input.PatientID, input.DoctorID, date)
	if err != nil {
		return models.Token{}, err
	}
	if found {
		return existing, store.ErrDuplicateActive
	}

	token, err := e.createToken(ctx, input, dept, date)
	if errors.Is(err, store.ErrDuplicateNumber) {
		// Counter raced with a concurrent reset. A fresh number resolves it.
		token, err = e.createToken(ctx, input, dept, date)
	}
	if err != nil {
		return models.Token{}, err
	}

	tokensIssued.Inc()
	e.log.Info().
		Str("token_id", token.TokenID).
		Str("department_id", token.DepartmentID).
		Str("display_number", token.DisplayNumber).
		Msg("token issued")

	e.publish(ctx, token.DepartmentID, date)
	e.notifyBooking(input.PatientID, dept, token)
	return token, nil
}

func (e *Engine) createToken(ctx context.Context, input IssueTokenInput, dept models.Department, date string) (models.Token, error) {
	number, err := e.store.NextTokenNumber(ctx, input.DepartmentID, input.DoctorID, date)
	if err != nil {
		return models.Token{}, err
	}
	return e.store.CreateToken(ctx, store.CreateTokenInput{
		TokenNumber:   number,
		DisplayNumber: fmt.Sprintf("%s%03d", dept.Code, number),
		PatientID:     input.PatientID,
		DepartmentID:  input.DepartmentID,
		DoctorID:      input.DoctorID,
		Date:          date,
		CreatedAt:     e.now().UTC(),
	})
}

// CallNext completes the doctor's currently serving token, if any, then
// promotes the lowest-numbered waiting token to serving. Returns
// ErrQueueEmpty when no one is waiting for the doctor.
func (e *Engine) CallNext(ctx context.Context, departmentID, doctorID string) (models.Token, error) {
	date := e.Today()

	serving, err := e.store.ListServing(ctx, departmentID, date)
	if err != nil {
		return models.Token{}, err
	}
	for _, current := range serving {
		if current.DoctorID != doctorID {
			continue
		}
		_, err := e.store.Transition(ctx, store.TransitionInput{
			TokenID:         current.TokenID,
			FromStatus:      models.StatusServing,
			ToStatus:        models.StatusCompleted,
			OccurredAt:      e.now().UTC(),
			TimestampColumn: "completed_at",
		})
		if err != nil && !errors.Is(err, store.ErrStaleState) && !errors.Is(err, store.ErrTokenNotFound) {
			return models.Token{}, err
		}
		if err == nil {
			tokensCompleted.Inc()
		}
	}

	token, err := e.promoteNext(ctx, departmentID, doctorID, date)
	if errors.Is(err, store.ErrStaleState) {
		// Another caller took the head between our read and the write.
		token, err = e.promoteNext(ctx, departmentID, doctorID, date)
	}
	if err != nil {
		return models.Token{}, err
	}

	if err := e.store.SetNowServing(ctx, departmentID, doctorID, date, token.TokenNumber); err != nil {
		e.log.Error().Err(err).Str("department_id", departmentID).Msg("update serving pointer")
	}

	tokensCalled.Inc()
	e.log.Info().
		Str("token_id", token.TokenID).
		Str("department_id", departmentID).
		Str("doctor_id", doctorID).
		Str("display_number", token.DisplayNumber).
		Msg("token called")

	e.publish(ctx, departmentID, date)
	return token, nil
}

func (e *Engine) promoteNext(ctx context.Context, departmentID, doctorID, date string) (models.Token, error) {
	waiting, err := e.store.ListWaiting(ctx, departmentID, doctorID, date)
	if err != nil {
		return models.Token{}, err
	}
	if len(waiting) == 0 {
		return models.Token{}, store.ErrQueueEmpty
	}
	return e.store.Transition(ctx, store.TransitionInput{
		TokenID:         waiting[0].TokenID,
		FromStatus:      models.StatusWaiting,
		ToStatus:        models.StatusServing,
		OccurredAt:      e.now().UTC(),
		TimestampColumn: "called_at",
	})
}

// Complete marks a waiting or serving token as completed.
func (e *Engine) Complete(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := e.transitionToken(ctx, tokenID, models.StatusCompleted, "completed_at")
	if err != nil {
		return models.Token{}, err
	}
	tokensCompleted.Inc()
	return token, nil
}

// Skip sets a token aside without serving it. Only waiting or serving
// tokens can be skipped.
func (e *Engine) Skip(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := e.transitionToken(ctx, tokenID, models.StatusSkipped, "")
	if err != nil {
		return models.Token{}, err
	}
	tokensSkipped.Inc()
	return token, nil
}

func (e *Engine) transitionToken(ctx context.Context, tokenID, toStatus, timestampColumn string) (models.Token, error) {
	current, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if !store.ValidTransition(current.Status, toStatus) {
		return models.Token{}, store.ErrInvalidTransition
	}

	token, err := e.store.Transition(ctx, store.TransitionInput{
		TokenID:         tokenID,
		FromStatus:      current.Status,
		ToStatus:        toStatus,
		OccurredAt:      e.now().UTC(),
		TimestampColumn: timestampColumn,
	})
	if errors.Is(err, store.ErrStaleState) {
		return models.Token{}, store.ErrInvalidTransition
	}
	if err != nil {
		return models.Token{}, err
	}

	e.log.Info().
		Str("token_id", token.TokenID).
		Str("status", token.Status).
		Msg("token transitioned")

	e.publish(ctx, token.DepartmentID, token.Date)
	return token, nil
}

// Reset cancels every active token in the department for today and zeroes
// the counters. Calling it on an already empty day is a no-op.
func (e *Engine) Reset(ctx context.Context, departmentID string) (int64, error) {
	if _, err := e.store.GetDepartment(ctx, departmentID); err != nil {
		return 0, err
	}

	date := e.Today()
	cancelled, err := e.store.BulkCancel(ctx, departmentID, date)
	if err != nil {
		return 0, err
	}
	if err := e.store.ResetCounters(ctx, departmentID, date); err != nil {
		return 0, err
	}

	queueResets.Inc()
	e.log.Info().
		Str("department_id", departmentID).
		Int64("cancelled", cancelled).
		Msg("queue reset")

	e.publish(ctx, departmentID, date)
	return cancelled, nil
}

// Status returns the current snapshot for a department.
func (e *Engine) Status(ctx context.Context, departmentID string) (Snapshot, error) {
	if _, err := e.store.GetDepartment(ctx, departmentID); err != nil {
		return Snapshot{}, err
	}
	return e.snapshot(ctx, departmentID, e.Today())
}

// TokensForPatient lists the patient's tokens for today, newest first.
func (e *Engine) TokensForPatient(ctx context.Context, patientID string) ([]models.Token, error) {
	return e.store.ListTokensForPatient(ctx, patientID, e.Today())
}

func (e *Engine) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return e.store.GetToken(ctx, tokenID)
}

func (e *Engine) History(ctx context.Context, departmentID string, limit, offset int) (store.HistoryPage, error) {
	if _, err := e.store.GetDepartment(ctx, departmentID); err != nil {
		return store.HistoryPage{}, err
	}
	return e.store.ListHistory(ctx, departmentID, limit, offset)
}

func (e *Engine) TokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	if _, err := e.store.GetToken(ctx, tokenID); err != nil {
		return nil, err
	}
	return e.store.ListTokenEvents(ctx, tokenID)
}

func (e *Engine) snapshot(ctx context.Context, departmentID, date string) (Snapshot, error) {
	waiting, err := e.store.ListWaiting(ctx, departmentID, "", date)
	if err != nil {
		return Snapshot{}, err
	}
	serving, err := e.store.ListServing(ctx, departmentID, date)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		DepartmentID: departmentID,
		Date:         date,
		Waiting:      waiting,
		Serving:      serving,
	}, nil
}

func (e *Engine) publish(ctx context.Context, departmentID, date string) {
	if e.pub == nil {
		return
	}
	snapshot, err := e.snapshot(ctx, departmentID, date)
	if err != nil {
		e.log.Error().Err(err).Str("department_id", departmentID).Msg("build snapshot")
		return
	}
	e.pub.Publish(snapshot)
}

func (e *Engine) notifyBooking(patientID string, dept models.Department, token models.Token) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		patient, err := e.store.GetUser(ctx, patientID)
		if err != nil || patient.Email == "" {
			return
		}
		msg := notify.Message{
			Recipient: patient.Email,
			Kind:      notify.KindBookingConfirmation,
			Fields: map[string]string{
				"display_number": token.DisplayNumber,
				"department":     dept.Name,
				"date":           token.Date,
			},
		}
		if err := e.notifier.Send(ctx, msg); err != nil {
			e.log.Warn().Err(err).Str("token_id", token.TokenID).Msg("booking notification failed")
		}
	}()
}
