// Package evaluation defines the records tracking an asynchronous risk
// evaluation from submission to its terminal state.
package evaluation

import (
	"context"
	"time"

	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
)

// Status is the lifecycle state of an evaluation.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result codes stored while no classification exists.
const (
	ResultPending = -1
	ResultFailed  = -2
)

// Evaluation is one submitted analysis. Its ID doubles as the correlation id
// carried by the job request and result.
type Evaluation struct {
	ID              string     `gorm:"primaryKey;size:26" json:"id"`
	Domain          string     `gorm:"index;size:32;not null" json:"domain"`
	Status          Status     `gorm:"index;size:16;not null" json:"status"`
	ResultCode      int        `gorm:"not null" json:"resultCode"`
	Recommendation  string     `gorm:"type:text" json:"recommendation"`
	OwnerID         string     `gorm:"index;size:64;not null" json:"ownerId"`
	QuestionnaireID string     `gorm:"size:26;not null" json:"questionnaireId"`
	CreatedAt       time.Time  `gorm:"index" json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// NewPending creates an evaluation awaiting its result.
func NewPending(id, domain, ownerID, questionnaireID, pendingText string, now time.Time) *Evaluation {
	return &Evaluation{
		ID:              id,
		Domain:          domain,
		Status:          StatusPending,
		ResultCode:      ResultPending,
		Recommendation:  pendingText,
		OwnerID:         ownerID,
		QuestionnaireID: questionnaireID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Complete records a classification. It fails once the evaluation is terminal.
func (e *Evaluation) Complete(code int, recommendation string, now time.Time) error {
	if e.Status.Terminal() {
		return errspkg.ErrTerminalState
	}
	e.Status = StatusCompleted
	e.ResultCode = code
	e.Recommendation = recommendation
	e.UpdatedAt = now
	e.CompletedAt = &now
	return nil
}

// Fail records that no result will arrive. It fails once the evaluation is terminal.
func (e *Evaluation) Fail(reason string, now time.Time) error {
	if e.Status.Terminal() {
		return errspkg.ErrTerminalState
	}
	e.Status = StatusFailed
	e.ResultCode = ResultFailed
	e.Recommendation = reason
	e.UpdatedAt = now
	e.CompletedAt = &now
	return nil
}

// SameOutcome reports whether two terminal evaluations carry the same result.
func (e *Evaluation) SameOutcome(other *Evaluation) bool {
	return e.Status == other.Status &&
		e.ResultCode == other.ResultCode &&
		e.Recommendation == other.Recommendation
}

// Questionnaire is the submitted input an evaluation was computed from.
type Questionnaire struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	Domain    string    `gorm:"index;size:32;not null" json:"domain"`
	OwnerID   string    `gorm:"index;size:64;not null" json:"ownerId"`
	Payload   []byte    `gorm:"not null" json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// Owner is the clinician submitting questionnaires.
type Owner struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// OwnerFinder resolves submitting owners.
type OwnerFinder interface {
	FindOwnerByID(ctx context.Context, id string) (*Owner, bool, error)
}

// Recorder persists new submissions and their outcomes.
type Recorder interface {
	// CreateEvaluation stores the questionnaire and its pending evaluation atomically.
	CreateEvaluation(ctx context.Context, q *Questionnaire, e *Evaluation) error
	// SaveEvaluation stores a terminal outcome of a pending evaluation.
	SaveEvaluation(ctx context.Context, e *Evaluation) error
}

// Finder loads evaluations and the questionnaires behind them.
type Finder interface {
	FindEvaluationByID(ctx context.Context, id string) (*Evaluation, bool, error)
	FindQuestionnaireByID(ctx context.Context, id string) (*Questionnaire, bool, error)
}

// History lists an owner's evaluations, newest first.
type History interface {
	ListEvaluationsByOwner(ctx context.Context, ownerID string, limit int) ([]*Evaluation, error)
}

// Store is the full record store.
type Store interface {
	OwnerFinder
	Recorder
	Finder
	History
}
