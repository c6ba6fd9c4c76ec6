package correlation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/cardiocheck/internal/evaluation"
	"github.com/drblury/cardiocheck/internal/risk"
	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	"github.com/drblury/cardiocheck/internal/store"
	"github.com/drblury/cardiocheck/transport"
	"github.com/drblury/cardiocheck/transport/channel"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.GormStore {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	sqlDB, err := s.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRegistry(t *testing.T) *risk.Registry {
	t.Helper()
	r, err := risk.NewRegistry(risk.Cardiac(""), risk.Sleep(""))
	require.NoError(t, err)
	return r
}

func cardiacInput() risk.CardiacInput {
	return risk.CardiacInput{Age: 55, RestingBloodPressure: 125, SerumCholesterol: 190, MaxHeartRate: 140, Sex: 1, StSlope: 1}
}

// seedPending records a PENDING evaluation with its questionnaire.
func seedPending(t *testing.T, s *store.GormStore, id, domain string, input any) *evaluation.Evaluation {
	t.Helper()
	var payload []byte
	var err error
	switch in := input.(type) {
	case risk.CardiacInput:
		payload, err = risk.Cardiac("").Encode(in)
	case risk.SleepInput:
		payload, err = risk.Sleep("").Encode(in)
	}
	require.NoError(t, err)

	q := &evaluation.Questionnaire{ID: "q-" + id, Domain: domain, OwnerID: "dr-1", Payload: payload, CreatedAt: t0}
	e := evaluation.NewPending(id, domain, "dr-1", q.ID, "processing", t0)
	require.NoError(t, s.CreateEvaluation(context.Background(), q, e))
	return e
}

func newService(t *testing.T, sub transport.Subscriber, s Store) *Service {
	t.Helper()
	svc, err := New(sub, s, newRegistry(t), Config{Stream: "RESULTS", ConsumeFailures: true}, Options{
		Now: func() time.Time { return t0.Add(time.Minute) },
	})
	require.NoError(t, err)
	return svc
}

func code(v int) *int { return &v }

func TestNew_Validation(t *testing.T) {
	s := newTestStore(t)
	b := channel.New(nil, nil)

	_, err := New(nil, s, newRegistry(t), Config{Stream: "RESULTS"}, Options{})
	assert.ErrorIs(t, err, errspkg.ErrBrokerRequired)
	_, err = New(b, nil, newRegistry(t), Config{Stream: "RESULTS"}, Options{})
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)
	_, err = New(b, s, nil, Config{Stream: "RESULTS"}, Options{})
	assert.ErrorIs(t, err, errspkg.ErrDomainRequired)
	_, err = New(b, s, newRegistry(t), Config{}, Options{})
	assert.ErrorIs(t, err, errspkg.ErrStreamRequired)
}

func TestHandleCompleted_FinalizesEvaluation(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, channel.New(nil, nil), s)
	ctx := context.Background()
	seedPending(t, s, "e1", risk.CardiacName, cardiacInput())

	require.NoError(t, svc.HandleCompleted(ctx, CompletedResult{RequestID: "e1", Result: code(1)}))

	e, found, err := s.FindEvaluationByID(ctx, "e1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, evaluation.StatusCompleted, e.Status)
	assert.Equal(t, 1, e.ResultCode)
	assert.Equal(t, risk.Cardiac("").RecommendFor(1, cardiacInput()), e.Recommendation)
	require.NotNil(t, e.CompletedAt)
}

func TestHandleCompleted_RedeliveryIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, channel.New(nil, nil), s)
	ctx := context.Background()
	seedPending(t, s, "e1", risk.CardiacName, cardiacInput())

	require.NoError(t, svc.HandleCompleted(ctx, CompletedResult{RequestID: "e1", Result: code(0)}))
	first, _, err := s.FindEvaluationByID(ctx, "e1")
	require.NoError(t, err)

	require.NoError(t, svc.HandleCompleted(ctx, CompletedResult{RequestID: "e1", Result: code(0)}))
	second, _, err := s.FindEvaluationByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHandleCompleted_ConflictingResultIsAcknowledged(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, channel.New(nil, nil), s)
	ctx := context.Background()
	seedPending(t, s, "e1", risk.CardiacName, cardiacInput())

	require.NoError(t, svc.HandleCompleted(ctx, CompletedResult{RequestID: "e1", Result: code(0)}))
	require.NoError(t, svc.HandleCompleted(ctx, CompletedResult{RequestID: "e1", Result: code(1)}))

	e, _, err := s.FindEvaluationByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, e.ResultCode, "terminal evaluations never move")
}

func TestHandleCompleted_UnknownEvaluation(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, channel.New(nil, nil), s)
	ctx := context.Background()

	err := svc.HandleCompleted(ctx, CompletedResult{RequestID: "ghost", Result: code(1)})
	assert.ErrorIs(t, err, errspkg.ErrCorrelationMiss)

	_, found, err := s.FindEvaluationByID(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found, "a miss never creates a record")
}

func TestHandleCompleted_Malformed(t *testing.T) {
	svc := newService(t, channel.New(nil, nil), newTestStore(t))
	ctx := context.Background()

	for _, r := range []CompletedResult{
		{Result: code(1)},
		{RequestID: "e1"},
		{RequestID: "e1", Result: code(-1)},
	} {
		assert.ErrorIs(t, svc.HandleCompleted(ctx, r), errspkg.ErrMalformedResult)
	}
}

func TestHandleCompleted_UsesDomainRules(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, channel.New(nil, nil), s)
	ctx := context.Background()

	in := risk.SleepInput{Age: 45, SleepDuration: 5, QualityOfSleep: 4, PhysicalActivityLevel: 20, StressLevel: 7, HeartRate: 80, DailySteps: 3000}
	seedPending(t, s, "s1", risk.SleepName, in)

	require.NoError(t, svc.HandleCompleted(ctx, CompletedResult{RequestID: "s1", Result: code(2)}))
	e, _, err := s.FindEvaluationByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, risk.Sleep("").RecommendFor(2, in), e.Recommendation)
	assert.Contains(t, e.Recommendation, "severe")
}

func TestHandleCompleted_UndefinedCodeLeavesPending(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, channel.New(nil, nil), s)
	ctx := context.Background()

	in := risk.SleepInput{Age: 45, SleepDuration: 5, QualityOfSleep: 4, PhysicalActivityLevel: 20, StressLevel: 7, HeartRate: 80, DailySteps: 3000}
	seedPending(t, s, "s1", risk.SleepName, in)

	err := svc.HandleCompleted(ctx, CompletedResult{RequestID: "s1", Result: code(3)})
	assert.ErrorIs(t, err, errspkg.ErrMalformedResult)

	e, _, err := s.FindEvaluationByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusPending, e.Status)
}

func TestHandleCompleted_UnknownDomain(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, channel.New(nil, nil), s)
	seedPending(t, s, "x1", "lung", risk.CardiacInput{})

	err := svc.HandleCompleted(context.Background(), CompletedResult{RequestID: "x1", Result: code(1)})
	assert.ErrorIs(t, err, errspkg.ErrUnknownDomain)
}

type missingQuestionnaireStore struct{ *store.GormStore }

func (missingQuestionnaireStore) FindQuestionnaireByID(context.Context, string) (*evaluation.Questionnaire, bool, error) {
	return nil, false, nil
}

func TestHandleCompleted_MissingQuestionnaire(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, channel.New(nil, nil), missingQuestionnaireStore{s})
	seedPending(t, s, "e1", risk.CardiacName, cardiacInput())

	err := svc.HandleCompleted(context.Background(), CompletedResult{RequestID: "e1", Result: code(1)})
	assert.ErrorIs(t, err, errspkg.ErrQuestionnaireMissing)

	e, _, err := s.FindEvaluationByID(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusPending, e.Status)
}

type failingSaveStore struct{ *store.GormStore }

func (failingSaveStore) SaveEvaluation(context.Context, *evaluation.Evaluation) error {
	return errors.New("disk full")
}

func TestHandleCompleted_SaveFailureAsksForRedelivery(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, channel.New(nil, nil), failingSaveStore{s})
	seedPending(t, s, "e1", risk.CardiacName, cardiacInput())

	err := svc.HandleCompleted(context.Background(), CompletedResult{RequestID: "e1", Result: code(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestHandleFailed(t *testing.T) {
	s := newTestStore(t)
	svc := newService(t, channel.New(nil, nil), s)
	ctx := context.Background()
	seedPending(t, s, "e1", risk.CardiacName, cardiacInput())

	require.NoError(t, svc.HandleFailed(ctx, FailedResult{RequestID: "e1", Error: "model not loaded"}))
	e, _, err := s.FindEvaluationByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusFailed, e.Status)
	assert.Equal(t, evaluation.ResultFailed, e.ResultCode)
	assert.Equal(t, "analysis worker reported a failure: model not loaded", e.Recommendation)

	require.NoError(t, svc.HandleFailed(ctx, FailedResult{RequestID: "e1", Error: "again"}))
	require.NoError(t, svc.HandleCompleted(ctx, CompletedResult{RequestID: "e1", Result: code(1)}))
	e, _, err = s.FindEvaluationByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusFailed, e.Status)

	assert.ErrorIs(t, svc.HandleFailed(ctx, FailedResult{RequestID: "ghost"}), errspkg.ErrCorrelationMiss)
	assert.ErrorIs(t, svc.HandleFailed(ctx, FailedResult{}), errspkg.ErrMalformedResult)
}

func TestService_ConsumesResultsFromBroker(t *testing.T) {
	ctx := context.Background()
	streams := []transport.StreamSpec{{Name: "RESULTS", Subjects: []string{"results.completed", "results.failed"}}}
	broker := channel.New(streams, nil)
	t.Cleanup(func() { _ = broker.Close(ctx) })

	s := newTestStore(t)
	seedPending(t, s, "e1", risk.CardiacName, cardiacInput())
	seedPending(t, s, "e2", risk.CardiacName, cardiacInput())

	svc := newService(t, broker, s)
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx), "start is idempotent")

	require.NoError(t, broker.Publish(ctx, "results.completed", []byte(`{"requestId":"e1","result":1}`)))
	require.NoError(t, broker.Publish(ctx, "results.failed", []byte(`{"requestId":"e2","error":"timeout"}`)))

	require.Eventually(t, func() bool {
		e1, _, err1 := s.FindEvaluationByID(ctx, "e1")
		e2, _, err2 := s.FindEvaluationByID(ctx, "e2")
		return err1 == nil && err2 == nil &&
			e1.Status == evaluation.StatusCompleted && e2.Status == evaluation.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop(ctx))
}

func TestService_SecondInstanceCannotBindDurable(t *testing.T) {
	ctx := context.Background()
	broker := channel.New(nil, nil)
	t.Cleanup(func() { _ = broker.Close(ctx) })
	s := newTestStore(t)

	first := newService(t, broker, s)
	require.NoError(t, first.Start(ctx))

	second := newService(t, broker, s)
	assert.ErrorIs(t, second.Start(ctx), channel.ErrDurableBound)
	require.NoError(t, first.Stop(ctx))
}
