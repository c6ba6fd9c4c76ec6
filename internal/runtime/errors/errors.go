package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected         = sterrors.New("cardiocheck: broker connection is not established")
	ErrConnectionClosed     = sterrors.New("cardiocheck: broker connection was closed")
	ErrConnectionLost       = sterrors.New("cardiocheck: broker connection lost after exhausting reconnects")
	ErrServiceUnavailable   = sterrors.New("cardiocheck: analysis service is unavailable, try again later")
	ErrOwnerNotFound        = sterrors.New("cardiocheck: owner not found")
	ErrPublishFailed        = sterrors.New("cardiocheck: job request could not be published")
	ErrCorrelationMiss      = sterrors.New("cardiocheck: no evaluation matches the result request id")
	ErrQuestionnaireMissing = sterrors.New("cardiocheck: questionnaire for evaluation not found")
	ErrMalformedResult      = sterrors.New("cardiocheck: malformed job result")
	ErrUnknownDomain        = sterrors.New("cardiocheck: unknown evaluation domain")
	ErrTerminalState        = sterrors.New("cardiocheck: evaluation already reached a terminal state")
	ErrSubjectNotCovered    = sterrors.New("cardiocheck: subject is not covered by any stream")
	ErrHandlerRequired      = sterrors.New("cardiocheck: handler function is required")
	ErrSubjectRequired      = sterrors.New("cardiocheck: subject is required")
	ErrStreamRequired       = sterrors.New("cardiocheck: stream name is required")
	ErrDurableRequired      = sterrors.New("cardiocheck: durable consumer name is required")
	ErrBrokerRequired       = sterrors.New("cardiocheck: broker is required")
	ErrStoreRequired        = sterrors.New("cardiocheck: store is required")
	ErrDomainRequired       = sterrors.New("cardiocheck: risk domain is required")
)

// ConnectionError reports a failed dial to the broker cluster.
type ConnectionError struct {
	Servers []string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cardiocheck: connect to %s: %v", strings.Join(e.Servers, ","), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError wraps a broker publish failure with its subject.
type PublishError struct {
	Subject string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("cardiocheck: publish to %q: %v", e.Subject, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// SubmissionError is returned when an evaluation was recorded but its job
// request never reached the broker. The evaluation is already FAILED.
type SubmissionError struct {
	EvaluationID string
	Domain       string
	Err          error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("cardiocheck: %s evaluation %s not dispatched: %v", e.Domain, e.EvaluationID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Is makes every SubmissionError match ErrPublishFailed.
func (e *SubmissionError) Is(target error) bool {
	return target == ErrPublishFailed
}
