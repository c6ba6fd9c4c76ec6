package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/cardiocheck/internal/evaluation"
	"github.com/drblury/cardiocheck/internal/httpapi"
	"github.com/drblury/cardiocheck/internal/natstest"
	configpkg "github.com/drblury/cardiocheck/internal/runtime/config"
	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	"github.com/drblury/cardiocheck/internal/store"
	"github.com/drblury/cardiocheck/transport"
)

func newStore(t *testing.T) *store.GormStore {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	sqlDB, err := s.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func channelConfig() *configpkg.Config {
	cfg := configpkg.Default()
	cfg.Broker.Transport = configpkg.TransportChannel
	cfg.Broker.Servers = nil
	cfg.Consumer.AckWait = time.Second
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	return cfg
}

func newApp(t *testing.T, cfg *configpkg.Config) *App {
	t.Helper()
	a, err := New(cfg, nil, Options{Store: newStore(t), Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, a.Init(context.Background()))
	return a
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := channelConfig()
	cfg.Store.Driver = "oracle"
	_, err := New(cfg, nil, Options{})
	require.Error(t, err)

	_, err = New(nil, nil, Options{})
	require.Error(t, err)
}

func TestInit_UnknownDomainReleasesResources(t *testing.T) {
	cfg := channelConfig()
	cfg.Domains = append(cfg.Domains, configpkg.DomainConfig{Name: "renal", Subject: "analyses.request"})

	a, err := New(cfg, nil, Options{Store: newStore(t), Registry: prometheus.NewRegistry()})
	require.NoError(t, err)

	err = a.Init(context.Background())
	require.ErrorIs(t, err, errspkg.ErrUnknownDomain)
	assert.Nil(t, a.Broker(), "broker is never built")
}

func TestInit_UnknownTransport(t *testing.T) {
	cfg := channelConfig()
	a, err := New(cfg, nil, Options{
		Store:      newStore(t),
		Registry:   prometheus.NewRegistry(),
		Transports: transport.NewRegistry(),
	})
	require.NoError(t, err)
	require.Error(t, a.Init(context.Background()))
}

func TestInit_DisabledDomainIsNotServed(t *testing.T) {
	cfg := channelConfig()
	cfg.Domains = cfg.Domains[:1]
	a := newApp(t, cfg)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	req, _ := http.NewRequest(http.MethodPost, "/v1/questionnaires/sleep", strings.NewReader(`{}`))
	req.Header.Set(httpapi.OwnerHeader, "dr-1")
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRun_SubmitAndCorrelate(t *testing.T) {
	a := newApp(t, channelConfig())
	ctx := context.Background()
	require.NoError(t, a.Store().SaveOwner(ctx, &evaluation.Owner{ID: "dr-1", Name: "Dr. One"}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	runCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, a.correlation.Start(runCtx))
	runErr := make(chan error, 1)
	go func() { runErr <- a.serve(runCtx, ln) }()

	body := `{"age":58,"restingBloodPressure":130,"serumCholesterol":220,"maxHeartRate":150,"oldpeak":1.5,"sex":1,"chestPainType":2,"fastingBloodSugar":0,"restingECG":1,"exerciseAngina":0,"stSlope":2}`
	resp := call(t, http.MethodPost, base+"/v1/questionnaires/cardiac", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted struct {
		Evaluation evaluation.Evaluation `json:"evaluation"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	_ = resp.Body.Close()
	id := accepted.Evaluation.ID
	require.NotEmpty(t, id)

	payload := fmt.Sprintf(`{"requestId":%q,"result":0}`, id)
	require.NoError(t, a.Broker().Publish(ctx, "results.completed", []byte(payload)))

	require.Eventually(t, func() bool {
		resp := call(t, http.MethodGet, base+"/v1/evaluations/"+id, "")
		defer resp.Body.Close()
		var e evaluation.Evaluation
		if json.NewDecoder(resp.Body).Decode(&e) != nil {
			return false
		}
		return e.Status == evaluation.StatusCompleted && e.ResultCode == 0
	}, 5*time.Second, 20*time.Millisecond)

	resp = call(t, http.MethodGet, base+"/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = call(t, http.MethodGet, base+"/metrics", "")
	assert.Contains(t, readAll(t, resp), `cardiocheck_dispatch_submissions_total{domain="cardiac",outcome="accepted"} 1`)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
	assert.Equal(t, transport.StateClosed, a.Broker().State())
	assert.NoError(t, a.Shutdown(ctx), "repeated shutdown returns the first result")
}

func TestRun_ReturnsWhenBrokerConnectionIsLost(t *testing.T) {
	srv := natstest.Run(t)
	cfg := configpkg.Default()
	cfg.Broker.Transport = configpkg.TransportJetStream
	cfg.Broker.Servers = []string{srv.ClientURL()}
	cfg.Broker.MaxReconnects = 1
	cfg.Broker.ReconnectWait = 50 * time.Millisecond
	cfg.Streams.Request.Storage = "memory"
	cfg.Streams.Result.Storage = "memory"
	cfg.HTTP.Address = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	a := newApp(t, cfg)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	require.Eventually(t, func() bool { return a.Broker().IsConnected() }, 5*time.Second, 10*time.Millisecond)

	srv.Shutdown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errspkg.ErrConnectionLost)
	case <-time.After(10 * time.Second):
		t.Fatal("Run kept serving after the broker connection closed")
	}
	assert.Equal(t, transport.StateClosed, a.Broker().State())
}

func TestShutdown_BeforeRun(t *testing.T) {
	a := newApp(t, channelConfig())
	require.NoError(t, a.Shutdown(context.Background()))
	assert.False(t, a.Broker().IsConnected())

	err := a.Broker().Publish(context.Background(), "analyses.request", []byte(`{}`))
	assert.True(t, errors.Is(err, errspkg.ErrNotConnected))
}

func call(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.OwnerHeader, "dr-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}
