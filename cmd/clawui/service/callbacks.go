package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/repository"
	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// templateEchoMarkers identify blocker payloads where the agent echoed the
// instruction template back verbatim instead of describing a real blocker.
var templateEchoMarkers = []string{
	"what is missing and why you cannot proceed",
	"how this could be unblocked",
	"<description>",
	"<suggestion>",
}

// CallbackService routes out-of-band HTTP callbacks from the agent.
// Execution-scoped callbacks are direct store writes read back by the
// executor after the process exits. Request-scoped callbacks are in-memory
// waiters for flows where the agent must return a value.
type CallbackService struct {
	executions *repository.ExecutionRepository
	log        *logger.Logger
	timeout    time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// CallbackServiceOpts contains options for creating a CallbackService
type CallbackServiceOpts struct {
	Executions *repository.ExecutionRepository
	Log        *logger.Logger
	Timeout    time.Duration
}

// NewCallbackService creates a new callback service
func NewCallbackService(opts *CallbackServiceOpts) *CallbackService {
	return &CallbackService{
		executions: opts.Executions,
		log:        opts.Log,
		timeout:    opts.Timeout,
		pending:    make(map[string]*pendingRequest),
	}
}

type pendingRequest struct {
	done  chan struct{}
	val   json.RawMessage
	err   error
	timer *time.Timer
}

// ReportBlocker stores a blocker report on the execution row. Payloads that
// echo the prompt template are dropped so a lazy agent cannot block a node
// by parroting the instructions.
func (s *CallbackService) ReportBlocker(ctx context.Context, executionID string, report models.BlockerReport) error {
	if !models.ValidBlockerType(report.Type) {
		return Ef(KindBadRequest, "invalid blocker type: %s", report.Type)
	}
	if strings.TrimSpace(report.Description) == "" {
		return E(KindBadRequest, "blocker description is required")
	}

	if isTemplateEcho(report) {
		s.log.WithExecutionID(executionID).Warn("ignoring template-echo blocker report",
			"type", report.Type,
		)
		return nil
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return Wrap(err, "encode blocker report")
	}
	if err := s.executions.SetBlocker(ctx, executionID, string(payload)); err != nil {
		return Wrap(err, "store blocker report")
	}

	s.log.WithExecutionID(executionID).Info("blocker reported",
		"type", report.Type,
	)
	return nil
}

// ReportTaskSummary stores the agent's task summary on the execution row
func (s *CallbackService) ReportTaskSummary(ctx context.Context, executionID, summary string) error {
	if strings.TrimSpace(summary) == "" {
		return E(KindBadRequest, "summary is required")
	}
	if err := s.executions.SetTaskSummary(ctx, executionID, summary); err != nil {
		return Wrap(err, "store task summary")
	}
	return nil
}

// ReportStatus stores the agent's declared terminal status. If present at
// reconciliation time it is authoritative over any inferred outcome.
func (s *CallbackService) ReportStatus(ctx context.Context, executionID, status string, reason *string) error {
	if !models.ValidReportedStatus(status) {
		return Ef(KindBadRequest, "invalid status: %s", status)
	}
	if err := s.executions.SetReportedStatus(ctx, executionID, status, reason); err != nil {
		return Wrap(err, "store reported status")
	}

	s.log.WithExecutionID(executionID).Info("status reported", "status", status)
	return nil
}

// RegisterRequest creates a request-scoped waiter and returns its id. The
// timeout is not armed yet; call Arm when the owning task starts executing.
func (s *CallbackService) RegisterRequest() string {
	id := uuid.NewString()

	s.mu.Lock()
	s.pending[id] = &pendingRequest{done: make(chan struct{})}
	s.mu.Unlock()

	return id
}

// Arm starts the timeout clock for a registered request. Counted from task
// start, not from registration, so queue wait does not eat into it.
func (s *CallbackService) Arm(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[requestID]
	if !ok || req.timer != nil {
		return
	}
	req.timer = time.AfterFunc(s.timeout, func() {
		s.reject(requestID, Ef(KindExternalFailure, "callback %s timed out after %s", requestID, s.timeout))
	})
}

// Resolve delivers a payload to a waiting request
func (s *CallbackService) Resolve(requestID string, payload json.RawMessage) error {
	s.mu.Lock()
	req, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()

	if !ok {
		return Ef(KindNotFound, "no pending request %s", requestID)
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.val = payload
	close(req.done)
	return nil
}

func (s *CallbackService) reject(requestID string, err error) {
	s.mu.Lock()
	req, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.err = err
	close(req.done)
}

// Await blocks until the request resolves, is rejected, or ctx expires. The
// registry entry is gone afterwards either way.
func (s *CallbackService) Await(ctx context.Context, requestID string) (json.RawMessage, error) {
	s.mu.Lock()
	req, ok := s.pending[requestID]
	s.mu.Unlock()

	if !ok {
		return nil, Ef(KindNotFound, "no pending request %s", requestID)
	}

	select {
	case <-req.done:
		return req.val, req.err
	case <-ctx.Done():
		s.reject(requestID, ctx.Err())
		<-req.done
		return nil, ctx.Err()
	}
}

func isTemplateEcho(report models.BlockerReport) bool {
	combined := strings.ToLower(report.Description + " " + report.Suggestion)
	for _, marker := range templateEchoMarkers {
		if strings.Contains(combined, marker) {
			return true
		}
	}
	return false
}
