package web

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/analytics"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/orchestrator"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
)

// ---- view models ----

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// PipelineRow is one entry of GET /api/v1/pipelines.
type PipelineRow struct {
	RequestID   string `json:"request_id"`
	Environment string `json:"environment"`
	Description string `json:"description"`
	Stage       string `json:"stage"`
	Attempt     int    `json:"attempt"`
	PendingGate string `json:"pending_gate,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
	UpdatedAt   string `json:"updated_at"`
	UpdatedAgo  string `json:"updated_ago"`
}

// PipelineDetail is the body of GET /api/v1/pipelines/:id.
type PipelineDetail struct {
	PipelineRow
	Route       string                      `json:"route,omitempty"`
	MaxAttempts int                         `json:"max_attempts"`
	Halt        *HaltView                   `json:"halt,omitempty"`
	Answer      string                      `json:"answer,omitempty"`
	Deadline    string                      `json:"gate_deadline,omitempty"`
	Approvals   []contract.ApprovalDecision `json:"approvals,omitempty"`
	History     []TransitionView            `json:"history"`
	Review      *ReviewView                 `json:"review,omitempty"`
	PullRequest string                      `json:"pull_request,omitempty"`
}

// HaltView explains why a pipeline stopped.
type HaltView struct {
	Stage  string `json:"stage"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// TransitionView is one history entry.
type TransitionView struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   string `json:"at"`
	Note string `json:"note,omitempty"`
}

// ReviewView summarizes the latest review.
type ReviewView struct {
	Attempt  int    `json:"attempt"`
	Status   string `json:"status"`
	Blocking int    `json:"blocking"`
	Warnings int    `json:"warnings"`
}

// DecisionRequest is the body of a gate decision.
type DecisionRequest struct {
	Granted  bool   `json:"granted"`
	Approver string `json:"approver"`
	Note     string `json:"note"`
}

// DecisionResponse acknowledges a recorded decision.
type DecisionResponse struct {
	RequestID string `json:"request_id"`
	Gate      string `json:"gate"`
	Granted   bool   `json:"granted"`
	Status    string `json:"status"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Since      string                    `json:"since"`
	Outcomes   []analytics.Outcome       `json:"outcomes"`
	Attempts   []analytics.AttemptDist   `json:"attempts"`
	Stages     []analytics.StageDuration `json:"stages"`
	Validators []analytics.ValidatorStat `json:"validators"`
	Gates      []analytics.GateStat      `json:"gates"`
}

// ---- helpers ----

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func relTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseSince accepts a duration with an optional day suffix ("36h", "7d").
func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.AddDate(0, 0, -7), nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err != nil || n < 0 {
			return time.Time{}, fmt.Errorf("invalid since %q", raw)
		}
		return now.AddDate(0, 0, -n), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid since %q", raw)
	}
	return now.Add(-d), nil
}

func (s *Server) row(ps *pipeline.PipelineState) PipelineRow {
	return PipelineRow{
		RequestID:   ps.ID(),
		Environment: string(ps.Request.Environment),
		Description: ps.Request.Description,
		Stage:       string(ps.Stage),
		Attempt:     ps.Attempt,
		PendingGate: string(ps.PendingGate),
		DryRun:      ps.Request.DryRun,
		UpdatedAt:   formatTime(ps.UpdatedAt),
		UpdatedAgo:  relTime(ps.UpdatedAt, s.now()),
	}
}

func (s *Server) detail(ps *pipeline.PipelineState) PipelineDetail {
	d := PipelineDetail{
		PipelineRow: s.row(ps),
		Route:       string(ps.Route),
		MaxAttempts: ps.MaxAttempts,
		Answer:      ps.Answer,
		Approvals:   ps.Approvals,
		History:     make([]TransitionView, 0, len(ps.History)),
	}
	if ps.Halt != nil {
		d.Halt = &HaltView{Stage: string(ps.Halt.Stage), Kind: string(ps.Halt.Kind), Reason: ps.Halt.Reason}
	}
	if ps.GateDeadline != nil {
		d.Deadline = formatTime(*ps.GateDeadline)
	}
	for _, t := range ps.History {
		d.History = append(d.History, TransitionView{From: string(t.From), To: string(t.To), At: formatTime(t.At), Note: t.Note})
	}
	if r := ps.Review; r != nil {
		d.Review = &ReviewView{Attempt: r.Attempt, Status: string(r.Status), Blocking: r.BlockingCount, Warnings: r.WarningCount}
	}
	if ps.Implementation != nil && ps.Implementation.PullRequest != nil {
		d.PullRequest = ps.Implementation.PullRequest.URL
	}
	return d
}

// httpError maps engine and store errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNotSuspended):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func pathID(c echo.Context) (string, error) {
	id := c.Param("id")
	if err := pipeline.ValidateID(id); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return id, nil
}

// ---- handlers ----

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleList(c echo.Context) error {
	filter := c.QueryParam("stage")
	if filter != "" && !pipeline.Stage(filter).Known() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown stage %q", filter))
	}
	all, err := s.engine.List(filter)
	if err != nil {
		return httpError(err)
	}
	rows := make([]PipelineRow, 0, len(all))
	for i := range all {
		rows = append(rows, s.row(&all[i]))
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleStatus(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ps, err := s.engine.Status(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.detail(ps))
}

// handleSummary returns summary.md as markdown, or as HTML when
// ?format=html is given.
func (s *Server) handleSummary(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	md, err := s.engine.Summary(id)
	if err != nil {
		return httpError(err)
	}
	if c.QueryParam("format") != "html" {
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(md))
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "render summary: "+err.Error())
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

// handleDecision records a gate decision and resumes the pipeline in the
// background.
func (s *Server) handleDecision(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	g, err := contract.ParseGateID(c.Param("gate"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Approver) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver is required")
	}

	d := contract.ApprovalDecision{
		Gate:      g,
		Granted:   req.Granted,
		Approver:  req.Approver,
		Note:      req.Note,
		DecidedAt: s.now(),
	}
	if err := s.engine.RecordDecision(id, d); err != nil {
		return httpError(err)
	}
	s.logger.Info("gate decision recorded",
		zap.String("request_id", id),
		zap.String("gate", string(g)),
		zap.Bool("granted", req.Granted),
		zap.String("approver", req.Approver),
	)
	s.resume(id)

	return c.JSON(http.StatusAccepted, DecisionResponse{
		RequestID: id,
		Gate:      string(g),
		Granted:   req.Granted,
		Status:    "resuming",
	})
}

func (s *Server) handleTimeline(c echo.Context) error {
	if s.db == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event database not configured")
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	events, err := analytics.QueryRequestDetail(c.Request().Context(), s.db, id)
	if err != nil {
		return httpError(err)
	}
	if events == nil {
		events = []analytics.RequestEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) handleStats(c echo.Context) error {
	if s.db == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event database not configured")
	}
	since, err := parseSince(c.QueryParam("since"), s.now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	resp := StatsResponse{Since: formatTime(since)}
	if resp.Outcomes, err = analytics.QueryOutcomes(ctx, s.db, since); err != nil {
		return httpError(err)
	}
	if resp.Attempts, err = analytics.QueryAttempts(ctx, s.db, since); err != nil {
		return httpError(err)
	}
	if resp.Stages, err = analytics.QueryStageDurations(ctx, s.db, since); err != nil {
		return httpError(err)
	}
	if resp.Validators, err = analytics.QueryValidators(ctx, s.db, since); err != nil {
		return httpError(err)
	}
	if resp.Gates, err = analytics.QueryGates(ctx, s.db, since); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}
