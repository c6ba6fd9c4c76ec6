package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/cardiocheck/internal/dispatch"
	"github.com/drblury/cardiocheck/internal/evaluation"
	"github.com/drblury/cardiocheck/internal/risk"
	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSubmitter[T any] struct {
	err    error
	input  T
	owner  string
	called bool
}

func (f *fakeSubmitter[T]) StartAnalysis(_ context.Context, input T, ownerID string) (dispatch.Result, error) {
	f.called, f.input, f.owner = true, input, ownerID
	if f.err != nil {
		return dispatch.Result{}, f.err
	}
	return dispatch.Result{
		Message:    "queued",
		Evaluation: evaluation.NewPending("e1", "x", ownerID, "q1", "processing", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}, nil
}

type fakeRecords struct {
	evaluations map[string]*evaluation.Evaluation
	limit       int
}

func (f *fakeRecords) FindEvaluationByID(_ context.Context, id string) (*evaluation.Evaluation, bool, error) {
	e, ok := f.evaluations[id]
	return e, ok, nil
}

func (f *fakeRecords) ListEvaluationsByOwner(_ context.Context, ownerID string, limit int) ([]*evaluation.Evaluation, error) {
	f.limit = limit
	var out []*evaluation.Evaluation
	for _, e := range f.evaluations {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

type readiness bool

func (r readiness) IsConnected() bool { return bool(r) }

const validCardiac = `{"age":58,"restingBloodPressure":130,"serumCholesterol":220,"maxHeartRate":150,"oldpeak":1.5,"sex":1,"chestPainType":2,"fastingBloodSugar":0,"restingECG":1,"exerciseAngina":0,"stSlope":2}`

func do(r http.Handler, method, path, owner, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitCardiac_Accepted(t *testing.T) {
	cardiac := &fakeSubmitter[risk.CardiacInput]{}
	r := NewRouter(Deps{Cardiac: cardiac, Records: &fakeRecords{}, Broker: readiness(true)})

	w := do(r, http.MethodPost, "/v1/questionnaires/cardiac", "dr-1", validCardiac)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var body struct {
		Message    string                `json:"message"`
		Evaluation evaluation.Evaluation `json:"evaluation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "queued", body.Message)
	assert.Equal(t, evaluation.StatusPending, body.Evaluation.Status)
	assert.Equal(t, "dr-1", cardiac.owner)
	assert.Equal(t, 1.5, cardiac.input.Oldpeak)
}

func TestSubmit_RequiresOwner(t *testing.T) {
	cardiac := &fakeSubmitter[risk.CardiacInput]{}
	r := NewRouter(Deps{Cardiac: cardiac, Records: &fakeRecords{}})

	w := do(r, http.MethodPost, "/v1/questionnaires/cardiac", "", validCardiac)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, cardiac.called)
}

func TestSubmit_ValidationErrors(t *testing.T) {
	sleep := &fakeSubmitter[risk.SleepInput]{}
	r := NewRouter(Deps{Sleep: sleep, Records: &fakeRecords{}})

	w := do(r, http.MethodPost, "/v1/questionnaires/sleep", "dr-1", `{"age":30,"qualityOfSleep":11,"stressLevel":3,"heartRate":60}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/questionnaires/sleep", "dr-1", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, sleep.called)

	w = do(r, http.MethodPost, "/v1/questionnaires/sleep", "dr-1", `{"age":30,"sleepDuration":7,"qualityOfSleep":8,"stressLevel":3,"heartRate":60,"dailySteps":9000}`)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestSubmit_ErrorMapping(t *testing.T) {
	tests := map[string]struct {
		err  error
		code int
	}{
		"unavailable":    {errspkg.ErrServiceUnavailable, http.StatusServiceUnavailable},
		"unknown owner":  {errspkg.ErrOwnerNotFound, http.StatusBadRequest},
		"publish failed": {&errspkg.SubmissionError{EvaluationID: "e1", Domain: "cardiac", Err: errors.New("timeout")}, http.StatusInternalServerError},
		"other":          {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			r := NewRouter(Deps{Cardiac: &fakeSubmitter[risk.CardiacInput]{err: tt.err}, Records: &fakeRecords{}})
			w := do(r, http.MethodPost, "/v1/questionnaires/cardiac", "dr-1", validCardiac)
			assert.Equal(t, tt.code, w.Code)
			assert.NotContains(t, w.Body.String(), "timeout", "internal causes are not exposed")
		})
	}
}

func TestGetEvaluation_IsOwnerScoped(t *testing.T) {
	e := evaluation.NewPending("e1", "cardiac", "dr-1", "q1", "processing", time.Now())
	r := NewRouter(Deps{Records: &fakeRecords{evaluations: map[string]*evaluation.Evaluation{"e1": e}}})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/v1/evaluations/e1", "dr-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/evaluations/e1", "dr-2", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/v1/evaluations/nope", "dr-1", "").Code)
}

func TestHistory(t *testing.T) {
	records := &fakeRecords{evaluations: map[string]*evaluation.Evaluation{
		"e1": evaluation.NewPending("e1", "cardiac", "dr-1", "q1", "p", time.Now()),
		"e2": evaluation.NewPending("e2", "sleep", "dr-2", "q2", "p", time.Now()),
	}}
	r := NewRouter(Deps{Records: records})

	w := do(r, http.MethodGet, "/v1/history?limit=5", "dr-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, records.limit)

	var body struct {
		Evaluations []evaluation.Evaluation `json:"evaluations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Evaluations, 1)
	assert.Equal(t, "e1", body.Evaluations[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/history?limit=x", "dr-1", "").Code)

	w = do(r, http.MethodGet, "/v1/history", "dr-3", "")
	assert.JSONEq(t, `{"evaluations":[]}`, w.Body.String())
}

func TestHealthAndReadiness(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) })

	up := NewRouter(Deps{Records: &fakeRecords{}, Broker: readiness(true), Metrics: metrics})
	assert.Equal(t, http.StatusOK, do(up, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, do(up, http.MethodGet, "/readyz", "", "").Code)
	assert.Equal(t, "metrics", do(up, http.MethodGet, "/metrics", "", "").Body.String())

	down := NewRouter(Deps{Records: &fakeRecords{}, Broker: readiness(false)})
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/readyz", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(down, http.MethodGet, "/metrics", "", "").Code)
}
