package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/models"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/queue"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// StatusClient reads authoritative queue state from the service. Used to
// seed positions and to resolve tokens that vanish from snapshots.
type StatusClient interface {
	MyTokens(ctx context.Context) ([]models.Token, error)
	QueueStatus(ctx context.Context, departmentID string) (queue.Snapshot, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
}

// Subscriber manages realtime channel memberships for the departments the
// tracker cares about.
type Subscriber interface {
	Join(departmentID string) error
	Leave(departmentID string) error
}

type Level int

const (
	LevelTurn Level = iota
	LevelNext
	LevelInfo
)

// Alert tells the patient their queue position changed in a way worth
// announcing.
type Alert struct {
	TokenID       string
	DisplayNumber string
	Position      int
	Level         Level
	Message       string
	Audible       bool
}

type Alerter interface {
	Alert(alert Alert)
}

type trackedToken struct {
	token    models.Token
	position int
	seen     bool
}

// Tracker follows the caller's active tokens across departments, computes
// their queue positions from snapshots, and raises alerts as their turn
// approaches. Snapshots can arrive out of order with reconciliation, so
// all position changes go through one guarded path.
type Tracker struct {
	client  StatusClient
	sub     Subscriber
	alerter Alerter
	log     zerolog.Logger

	mu      sync.Mutex
	tracked map[string]*trackedToken

	reconcileLimit *rate.Limiter
	interval       time.Duration
}

type Options struct {
	// ReconcileInterval is how often the tracker re-syncs against the
	// HTTP API. Reconciliations closer together than MinSpacing are
	// dropped.
	ReconcileInterval time.Duration
	MinSpacing        time.Duration
}

func New(client StatusClient, sub Subscriber, alerter Alerter, log zerolog.Logger, opts Options) *Tracker {
	interval := opts.ReconcileInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	spacing := opts.MinSpacing
	if spacing <= 0 {
		spacing = 2 * time.Second
	}
	return &Tracker{
		client:         client,
		sub:            sub,
		alerter:        alerter,
		log:            log,
		tracked:        make(map[string]*trackedToken),
		reconcileLimit: rate.NewLimiter(rate.Every(spacing), 1),
		interval:       interval,
	}
}

// Run reconciles immediately, then on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.Reconcile(ctx); err != nil {
		t.log.Warn().Err(err).Msg("initial reconcile failed")
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Reconcile(ctx); err != nil {
				t.log.Warn().Err(err).Msg("reconcile failed")
			}
		}
	}
}

// Reconcile fetches the caller's tokens and each department's snapshot,
// then seeds or corrects positions without alerting. Alerts only fire on
// movement observed through snapshots.
func (t *Tracker) Reconcile(ctx context.Context) error {
	if !t.reconcileLimit.Allow() {
		return nil
	}
	return t.resync(ctx)
}

// Resync reconciles immediately, ignoring the spacing limit. Called
// after a realtime reconnect, when the server has forgotten our channel
// memberships and waiting out the limiter would miss events.
func (t *Tracker) Resync(ctx context.Context) error {
	return t.resync(ctx)
}

func (t *Tracker) resync(ctx context.Context) error {
	tokens, err := t.client.MyTokens(ctx)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	active := make(map[string]models.Token)
	departments := make(map[string]struct{})
	for _, token := range tokens {
		if store.Terminal(token.Status) {
			continue
		}
		active[token.TokenID] = token
		departments[token.DepartmentID] = struct{}{}
	}

	t.mu.Lock()
	for id, entry := range t.tracked {
		if _, ok := active[id]; !ok {
			t.dropLocked(id, entry)
		}
	}
	for id, token := range active {
		if _, ok := t.tracked[id]; !ok {
			t.tracked[id] = &trackedToken{token: token}
		}
	}
	t.mu.Unlock()

	// Joins are idempotent, so every pass re-issues them. A reconnect
	// leaves the server with no memberships for this session and the
	// tracker cannot tell that happened.
	if t.sub != nil {
		for departmentID := range departments {
			if err := t.sub.Join(departmentID); err != nil {
				t.log.Warn().Err(err).Str("department_id", departmentID).Msg("join channel")
			}
		}
	}

	for departmentID := range departments {
		snapshot, err := t.client.QueueStatus(ctx, departmentID)
		if err != nil {
			t.log.Warn().Err(err).Str("department_id", departmentID).Msg("fetch status")
			continue
		}
		t.apply(ctx, snapshot, false)
	}
	return nil
}

// Observe feeds a realtime snapshot into the tracker.
func (t *Tracker) Observe(ctx context.Context, snapshot queue.Snapshot) {
	t.apply(ctx, snapshot, true)
}

func (t *Tracker) apply(ctx context.Context, snapshot queue.Snapshot, alerting bool) {
	var missing []string
	t.mu.Lock()
	for id, entry := range t.tracked {
		if entry.token.DepartmentID != snapshot.DepartmentID || entry.token.Date != snapshot.Date {
			continue
		}
		position, found := positionIn(snapshot, entry.token)
		if !found {
			missing = append(missing, id)
			continue
		}
		t.updateLocked(entry, position, alerting)
	}
	t.mu.Unlock()

	for _, id := range missing {
		t.resolveMissing(ctx, id)
	}
}

// positionIn computes the token's place in line. Serving is position zero.
// Waiting tokens count only those ahead of them for the same doctor.
func positionIn(snapshot queue.Snapshot, token models.Token) (int, bool) {
	for _, serving := range snapshot.Serving {
		if serving.TokenID == token.TokenID {
			return 0, true
		}
	}
	ahead := 0
	for _, waiting := range snapshot.Waiting {
		if waiting.DoctorID != token.DoctorID {
			continue
		}
		if waiting.TokenID == token.TokenID {
			return ahead + 1, true
		}
		ahead++
	}
	return 0, false
}

// resolveMissing handles a tracked token absent from its snapshot. The
// snapshot alone cannot say whether it completed, was skipped, or the
// snapshot is simply stale, so the store is asked directly. The fetch
// runs unlocked; the entry may be gone by the time the answer arrives.
func (t *Tracker) resolveMissing(ctx context.Context, id string) {
	token, err := t.client.GetToken(ctx, id)
	if err != nil {
		t.log.Warn().Err(err).Str("token_id", id).Msg("resolve missing token")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.tracked[id]
	if !ok {
		return
	}
	if store.Terminal(token.Status) {
		t.dropLocked(id, entry)
		return
	}
	entry.token = token
}

func (t *Tracker) updateLocked(entry *trackedToken, position int, alerting bool) {
	firstSeen := !entry.seen
	improved := entry.seen && position < entry.position
	entry.position = position
	entry.seen = true

	if !alerting || t.alerter == nil {
		return
	}
	if !firstSeen && !improved {
		return
	}
	alert, ok := buildAlert(entry.token, position)
	if !ok {
		return
	}
	t.alerter.Alert(alert)
}

func buildAlert(token models.Token, position int) (Alert, bool) {
	switch {
	case position == 0:
		return Alert{
			TokenID:       token.TokenID,
			DisplayNumber: token.DisplayNumber,
			Position:      0,
			Level:         LevelTurn,
			Message:       fmt.Sprintf("Token %s: it is your turn now", token.DisplayNumber),
			Audible:       true,
		}, true
	case position == 1:
		return Alert{
			TokenID:       token.TokenID,
			DisplayNumber: token.DisplayNumber,
			Position:      1,
			Level:         LevelNext,
			Message:       fmt.Sprintf("Token %s: you are next", token.DisplayNumber),
		}, true
	case position <= 5:
		return Alert{
			TokenID:       token.TokenID,
			DisplayNumber: token.DisplayNumber,
			Position:      position,
			Level:         LevelInfo,
			Message:       fmt.Sprintf("Token %s: %d people ahead of you", token.DisplayNumber, position-1),
		}, true
	default:
		return Alert{}, false
	}
}

func (t *Tracker) dropLocked(id string, entry *trackedToken) {
	delete(t.tracked, id)
	if t.sub == nil {
		return
	}
	departmentID := entry.token.DepartmentID
	for _, other := range t.tracked {
		if other.token.DepartmentID == departmentID {
			return
		}
	}
	if err := t.sub.Leave(departmentID); err != nil {
		t.log.Warn().Err(err).Str("department_id", departmentID).Msg("leave channel")
	}
}

// Position reports the last known position for a token.
func (t *Tracker) Position(tokenID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.tracked[tokenID]
	if !ok || !entry.seen {
		return 0, false
	}
	return entry.position, true
}
