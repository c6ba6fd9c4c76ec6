package cardiocheck

import (
	"github.com/drblury/cardiocheck/internal/app"
	"github.com/drblury/cardiocheck/internal/dispatch"
	"github.com/drblury/cardiocheck/internal/evaluation"
	"github.com/drblury/cardiocheck/internal/risk"
	configpkg "github.com/drblury/cardiocheck/internal/runtime/config"
	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	idspkg "github.com/drblury/cardiocheck/internal/runtime/ids"
	jsoncodec "github.com/drblury/cardiocheck/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/cardiocheck/internal/runtime/logging"
	metadatapkg "github.com/drblury/cardiocheck/internal/runtime/metadata"
	"github.com/drblury/cardiocheck/transport"
)

type (
	Config     = configpkg.Config
	App        = app.App
	AppOptions = app.Options

	Evaluation       = evaluation.Evaluation
	EvaluationStatus = evaluation.Status
	Owner            = evaluation.Owner

	CardiacInput = risk.CardiacInput
	SleepInput   = risk.SleepInput
	JobRequest   = dispatch.JobRequest

	Broker             = transport.Broker
	BrokerState        = transport.State
	StreamSpec         = transport.StreamSpec
	SubscriptionConfig = transport.SubscriptionConfig
	TransportBuilder   = transport.Builder
	TransportRegistry  = transport.Registry

	Metadata      = metadatapkg.Metadata
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	LogOptions    = loggingpkg.Options

	ConnectionError = errspkg.ConnectionError
	PublishError    = errspkg.PublishError
	SubmissionError = errspkg.SubmissionError
)

// Evaluation statuses.
const (
	StatusPending   = evaluation.StatusPending
	StatusCompleted = evaluation.StatusCompleted
	StatusFailed    = evaluation.StatusFailed
)

var (
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig
	NewApp         = app.New

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNop

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrNotConnected       = errspkg.ErrNotConnected
	ErrConnectionClosed   = errspkg.ErrConnectionClosed
	ErrServiceUnavailable = errspkg.ErrServiceUnavailable
	ErrOwnerNotFound      = errspkg.ErrOwnerNotFound
	ErrPublishFailed      = errspkg.ErrPublishFailed
	ErrCorrelationMiss    = errspkg.ErrCorrelationMiss
	ErrTerminalState      = errspkg.ErrTerminalState
	ErrSubjectNotCovered  = errspkg.ErrSubjectNotCovered
)
