// Package server exposes the pipeline stages as lambda-compatible function
// invocation endpoints and the inference state machine as an execution
// endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/droughtwatch/droughtwatch/internal/eventstore"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/metrics"
	"github.com/droughtwatch/droughtwatch/internal/observability"
	"github.com/droughtwatch/droughtwatch/internal/statemachine"
)

// Function names accepted by the invocation endpoint.
const (
	FunctionProcessing = "processing"
	FunctionInference  = "inference"
	FunctionObserve    = "observe"
)

// invocationPath mirrors the lambda runtime API so existing invoke tooling
// works unchanged.
const invocationPath = "/2015-03-31/functions/:function/invocations"

// Server hosts the function handlers and the state machine over HTTP.
type Server struct {
	echo      *echo.Echo
	functions map[string]statemachine.Handler
	machine   *statemachine.Machine            // optional
	history   *eventstore.RunHistoryProjection // optional
}

// Option configures a Server.
type Option func(*Server)

// WithMachine exposes the state machine at POST /executions.
func WithMachine(m *statemachine.Machine) Option {
	return func(s *Server) { s.machine = m }
}

// WithMetricsRegistry serves the registry at GET /metrics.
func WithMetricsRegistry(reg *prom.Registry) Option {
	return func(s *Server) {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.HTTPHandler(reg)))
	}
}

// WithRunHistory serves run summaries rebuilt from the event store at
// GET /runs and GET /runs/:run_id.
func WithRunHistory(store eventstore.Store, maxHistory int) Option {
	return func(s *Server) {
		s.history = eventstore.NewRunHistoryProjection(store, maxHistory)
		s.echo.GET("/runs", s.handleRunHistory)
		s.echo.GET("/runs/:run_id", s.handleRun)
	}
}

// New creates a server for the given function handlers, keyed by function
// name.
func New(functions map[string]statemachine.Handler, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.RequestID())

	s := &Server{echo: e, functions: functions}

	e.GET("/healthz", s.handleHealth)
	e.POST(invocationPath, s.handleInvocation)
	e.POST("/executions", s.handleExecution)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the underlying HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleInvocation runs one function and returns its status envelope. The
// HTTP response is always 200 with the envelope as payload; the envelope's
// StatusCode carries the outcome, matching the lambda invocation contract.
func (s *Server) handleInvocation(c echo.Context) error {
	function := c.Param("function")
	handler, ok := s.functions[function]
	if !ok {
		return c.JSON(http.StatusNotFound, statemachine.Failed(404,
			fmt.Sprintf("unknown function %q, have %v", function, s.functionNames())))
	}

	var input statemachine.Envelope
	if err := c.Bind(&input); err != nil {
		return c.JSON(http.StatusOK, statemachine.Failed(400, "request body is not a status envelope: "+err.Error()))
	}

	ctx := observability.WithFunction(c.Request().Context(), function)
	envelope := s.invoke(ctx, function, handler, input)
	return c.JSON(http.StatusOK, envelope)
}

// invoke runs the handler with panic containment: a panicking stage becomes
// a 500 envelope with the error and stack detail, never a dead connection.
func (s *Server) invoke(ctx context.Context, function string, handler statemachine.Handler, input statemachine.Envelope) (envelope statemachine.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			observability.ErrorContext(ctx, "Function panicked",
				logfields.Error(fmt.Errorf("%v", r)))
			envelope = statemachine.Failed(500, map[string]any{
				"error":     fmt.Sprintf("%v", r),
				"traceback": string(debug.Stack()),
			})
		}
	}()

	start := time.Now()
	envelope, err := handler(ctx, input)
	if err != nil {
		observability.ErrorContext(ctx, "Function failed", logfields.Error(err))
		return statemachine.Failed(500, err.Error())
	}

	observability.InfoContext(ctx, "Function invoked",
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return envelope
}

// executionRequest starts a state-machine execution.
type executionRequest struct {
	RunID string                `json:"run_id"`
	Input statemachine.Envelope `json:"input"`
}

// executionResponse reports a finished execution.
type executionResponse struct {
	RunID       string                    `json:"run_id"`
	Terminal    string                    `json:"terminal"`
	Succeeded   bool                      `json:"succeeded"`
	Output      statemachine.Envelope     `json:"output"`
	Transitions []statemachine.Transition `json:"transitions"`
}

func (s *Server) handleExecution(c echo.Context) error {
	if s.machine == nil {
		return c.JSON(http.StatusNotImplemented, statemachine.Failed(501, "state machine not configured"))
	}

	var req executionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, statemachine.Failed(400, "unreadable execution request: "+err.Error()))
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Input.StatusCode == 0 {
		req.Input = statemachine.OK(req.Input.Body)
	}

	ctx := observability.WithRunID(c.Request().Context(), req.RunID)
	result, err := s.machine.Execute(ctx, req.RunID, req.Input)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, statemachine.Failed(500, err.Error()))
	}

	return c.JSON(http.StatusOK, executionResponse{
		RunID:       req.RunID,
		Terminal:    result.Terminal,
		Succeeded:   result.Succeeded(),
		Output:      result.Output,
		Transitions: result.Transitions,
	})
}

// handleRunHistory rebuilds the projection from the store on every request.
// Runs are few enough that a per-request rebuild beats cache invalidation.
func (s *Server) handleRunHistory(c echo.Context) error {
	if err := s.history.Rebuild(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, statemachine.Failed(500, err.Error()))
	}
	return c.JSON(http.StatusOK, s.history.GetHistory())
}

func (s *Server) handleRun(c echo.Context) error {
	if err := s.history.Rebuild(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, statemachine.Failed(500, err.Error()))
	}
	runID := c.Param("run_id")
	summary, ok := s.history.GetRun(runID)
	if !ok {
		return c.JSON(http.StatusNotFound, statemachine.Failed(404, fmt.Sprintf("unknown run %q", runID)))
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) functionNames() []string {
	names := make([]string, 0, len(s.functions))
	for name := range s.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
