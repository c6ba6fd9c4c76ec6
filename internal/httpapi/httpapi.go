// Package httpapi exposes submission, lookup and health endpoints over gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drblury/cardiocheck/internal/dispatch"
	"github.com/drblury/cardiocheck/internal/evaluation"
	"github.com/drblury/cardiocheck/internal/risk"
	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	"github.com/drblury/cardiocheck/internal/runtime/logging"
)

// OwnerHeader carries the authenticated owner id set by the gateway.
const OwnerHeader = "X-Owner-ID"

const ownerKey = "owner_id"

// Submitter starts analyses of one domain.
type Submitter[T any] interface {
	StartAnalysis(ctx context.Context, input T, ownerID string) (dispatch.Result, error)
}

// Records reads stored evaluations.
type Records interface {
	FindEvaluationByID(ctx context.Context, id string) (*evaluation.Evaluation, bool, error)
	ListEvaluationsByOwner(ctx context.Context, ownerID string, limit int) ([]*evaluation.Evaluation, error)
}

// Readiness reports whether submissions can be accepted.
type Readiness interface {
	IsConnected() bool
}

// Deps are the handlers' collaborators. Metrics is optional.
type Deps struct {
	Cardiac Submitter[risk.CardiacInput]
	Sleep   Submitter[risk.SleepInput]
	Records Records
	Broker  Readiness
	Metrics http.Handler
	Logger  logging.ServiceLogger
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the gin engine.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	logger := deps.Logger.With(logging.LogFields{"component": "http"})

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if deps.Broker == nil || !deps.Broker.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "broker unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := r.Group("/v1", requireOwner())
	v1.POST("/questionnaires/cardiac", submit(deps.Cardiac, logger))
	v1.POST("/questionnaires/sleep", submit(deps.Sleep, logger))
	v1.GET("/evaluations/:id", getEvaluation(deps.Records))
	v1.GET("/history", history(deps.Records))
	return r
}

func requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader(OwnerHeader)
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "missing " + OwnerHeader + " header"})
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

func requestLogger(logger logging.ServiceLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request", logging.LogFields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func submit[T any](svc Submitter[T], logger logging.ServiceLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if svc == nil {
			c.JSON(http.StatusNotFound, errorResponse{Error: "domain not enabled"})
			return
		}
		var input T
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		res, err := svc.StartAnalysis(c.Request.Context(), input, c.GetString(ownerKey))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusAccepted, res)
	}
}

func getEvaluation(records Records) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, found, err := records.FindEvaluationByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not load the evaluation"})
			return
		}
		// Other owners' evaluations are reported as absent.
		if !found || e.OwnerID != c.GetString(ownerKey) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "evaluation not found"})
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

func history(records Records) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
				return
			}
			limit = n
		}

		list, err := records.ListEvaluationsByOwner(c.Request.Context(), c.GetString(ownerKey), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not load the history"})
			return
		}
		if list == nil {
			list = []*evaluation.Evaluation{}
		}
		c.JSON(http.StatusOK, gin.H{"evaluations": list})
	}
}

func writeError(c *gin.Context, logger logging.ServiceLogger, err error) {
	switch {
	case errors.Is(err, errspkg.ErrServiceUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: errspkg.ErrServiceUnavailable.Error()})
	case errors.Is(err, errspkg.ErrOwnerNotFound):
		c.JSON(http.StatusBadRequest, errorResponse{Error: errspkg.ErrOwnerNotFound.Error()})
	case errors.Is(err, errspkg.ErrPublishFailed):
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not start the analysis"})
	default:
		logger.Error("Submission failed", err, nil)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
