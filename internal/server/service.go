package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/appctx"
	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/events"
	"github.com/rzp-labs/kernelhost/internal/events/bus"
	"github.com/rzp-labs/kernelhost/internal/history"
	"github.com/rzp-labs/kernelhost/internal/kernel"
	"github.com/rzp-labs/kernelhost/internal/kernel/pool"
	"github.com/rzp-labs/kernelhost/internal/settings"
	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

// recordTimeout bounds the history write after an execution settles. The
// write runs on a detached context so a gone client cannot lose the row.
const recordTimeout = 5 * time.Second

// ErrSessionNotFound reports an operation on a session key the pool does
// not hold.
var ErrSessionNotFound = errors.New("session not found")

// ErrHistoryDisabled reports a history listing while persistence is off.
var ErrHistoryDisabled = errors.New("execution history is disabled")

// BusyError reports a destructive operation on a session key with an
// execution in flight.
type BusyError struct {
	Key string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("session %q has an execution in flight", e.Key)
}

// ServiceOptions configure the execution service.
type ServiceOptions struct {
	// DefaultRuntime labels results and history rows when a request names
	// no runtime of its own.
	DefaultRuntime string

	// KernelEnabled reports whether the pooled kernel path resolved as
	// usable at startup.
	KernelEnabled bool
}

// ExecutionService runs code through the pool on behalf of the HTTP and
// WebSocket surfaces. It tracks in-flight executions per session key,
// records settled executions to history and announces them on the bus.
type ExecutionService struct {
	pool     *pool.Pool
	settings *settings.Service
	history  *history.Repository // nil disables persistence
	bus      bus.EventBus        // nil disables events
	opts     ServiceOptions
	logger   *logger.Logger

	mu          sync.Mutex
	inFlight    int
	sessionBusy map[string]int
	sessionRuns map[string]int64
}

// NewExecutionService creates the service. hist and eventBus may be nil.
func NewExecutionService(p *pool.Pool, svc *settings.Service, hist *history.Repository, eventBus bus.EventBus, opts ServiceOptions, log *logger.Logger) *ExecutionService {
	return &ExecutionService{
		pool:        p,
		settings:    svc,
		history:     hist,
		bus:         eventBus,
		opts:        opts,
		logger:      log.WithFields(zap.String("component", "execution-service")),
		sessionBusy: make(map[string]int),
		sessionRuns: make(map[string]int64),
	}
}

// Execute runs one request through the pool and returns the mapped result.
// output, when non-nil, receives chunks live; as with Kernel.Execute, the
// call returning is the completion signal and the channel is never closed
// here. The request is assumed validated.
func (s *ExecutionService) Execute(ctx context.Context, req v1.ExecuteRequest, output chan<- kernel.OutputChunk) (v1.ExecuteResponse, error) {
	mode := v1.ExecutionMode(req.Mode)
	if mode == "" {
		cfg, err := s.settings.Get(ctx)
		if err != nil {
			return v1.ExecuteResponse{}, fmt.Errorf("read settings: %w", err)
		}
		mode = cfg.KernelMode
	}

	poolReq := pool.Request{
		Code:    req.Code,
		Runtime: req.Runtime,
		Reset:   req.Reset,
		Output:  output,
	}
	if req.WorkingDir != nil {
		poolReq.WorkDir = *req.WorkingDir
	}
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds == 0 {
			poolReq.Timeout = -1
		} else {
			poolReq.Timeout = time.Duration(*req.TimeoutSeconds) * time.Second
		}
	}

	runtimeName := req.Runtime
	if runtimeName == "" {
		runtimeName = s.opts.DefaultRuntime
	}

	var key string
	if mode != v1.ExecutionModePerCall {
		key = req.SessionKey
		if key == "" {
			key = v1.DefaultSessionKey
		}
	}

	id := uuid.NewString()
	s.begin(key)
	s.publishStarted(ctx, id, key, mode, runtimeName)

	started := time.Now()
	var res kernel.Result
	var err error
	if mode == v1.ExecutionModePerCall {
		res, err = s.pool.ExecutePerCall(ctx, poolReq)
	} else {
		res, err = s.pool.ExecuteSession(ctx, key, poolReq)
	}
	s.end(key, err == nil)

	if err != nil {
		return v1.ExecuteResponse{}, err
	}

	s.record(ctx, &history.Record{
		ID:             id,
		SessionKey:     key,
		Mode:           string(mode),
		Runtime:        runtimeName,
		RawStatus:      res.RawStatus,
		ExitCode:       res.ExitCode,
		Cancelled:      res.Cancelled,
		TimedOut:       res.TimedOut,
		StdinRequested: res.StdinRequested,
		OutputBytes:    len(res.Output),
		DurationMS:     res.Duration.Milliseconds(),
		StartedAt:      started,
	})
	s.publishSettled(ctx, id, res)

	return v1.ExecuteResponse{
		ExecutionID:    id,
		ExitCode:       res.ExitCode,
		Output:         res.Output,
		Cancelled:      res.Cancelled,
		TimedOut:       res.TimedOut,
		StdinRequested: res.StdinRequested,
		RawStatus:      v1.RawStatus(res.RawStatus),
		ErrorType:      res.ErrorType,
		DurationMS:     res.Duration.Milliseconds(),
	}, nil
}

// Status summarizes the pool for the status endpoint.
func (s *ExecutionService) Status() v1.StatusResponse {
	s.mu.Lock()
	inFlight := s.inFlight
	s.mu.Unlock()
	return v1.StatusResponse{
		Kernels:       len(s.pool.Sessions()),
		InFlight:      inFlight,
		KernelsTotal:  s.pool.SpawnedTotal(),
		KernelEnabled: s.opts.KernelEnabled,
	}
}

// Sessions lists every pooled session with its derived state.
func (s *ExecutionService) Sessions() []v1.SessionInfo {
	infos := s.pool.Sessions()
	out := make([]v1.SessionInfo, 0, len(infos))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range infos {
		state := "idle"
		switch {
		case s.sessionBusy[info.Key] > 0:
			state = "busy"
		case !info.Alive:
			state = "dead"
		}
		out = append(out, v1.SessionInfo{
			SessionKey: info.Key,
			KernelID:   info.KernelID,
			Runtime:    info.Runtime,
			State:      state,
			StartedAt:  info.SpawnedAt,
			Executions: s.sessionRuns[info.Key],
		})
	}
	return out
}

// DisposeSession tears down one session. A session with an execution in
// flight is left alone and reported busy rather than waited for.
func (s *ExecutionService) DisposeSession(ctx context.Context, key string) error {
	s.mu.Lock()
	busy := s.sessionBusy[key] > 0
	s.mu.Unlock()
	if busy {
		return &BusyError{Key: key}
	}

	if !s.pool.DisposeSession(ctx, key) {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	delete(s.sessionRuns, key)
	s.mu.Unlock()
	return nil
}

// ResetSession replaces the session's kernel with a fresh one, keeping the
// key and its execution count.
func (s *ExecutionService) ResetSession(ctx context.Context, key string) error {
	s.mu.Lock()
	busy := s.sessionBusy[key] > 0
	s.mu.Unlock()
	if busy {
		return &BusyError{Key: key}
	}

	ok, err := s.pool.ResetSession(ctx, key)
	if !ok && err == nil {
		return ErrSessionNotFound
	}
	return err
}

// History lists recent executions, optionally narrowed to one session key.
func (s *ExecutionService) History(ctx context.Context, sessionKey string, limit int) ([]v1.ExecutionRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}

	var (
		records []*history.Record
		err     error
	)
	if sessionKey != "" {
		records, err = s.history.ListBySession(ctx, sessionKey, limit)
	} else {
		records, err = s.history.ListRecent(ctx, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	out := make([]v1.ExecutionRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, toAPIRecord(rec))
	}
	return out, nil
}

func toAPIRecord(rec *history.Record) v1.ExecutionRecord {
	out := v1.ExecutionRecord{
		ID:             rec.ID,
		Mode:           rec.Mode,
		Runtime:        rec.Runtime,
		RawStatus:      rec.RawStatus,
		ExitCode:       rec.ExitCode,
		Cancelled:      rec.Cancelled,
		TimedOut:       rec.TimedOut,
		StdinRequested: rec.StdinRequested,
		OutputBytes:    rec.OutputBytes,
		DurationMS:     rec.DurationMS,
		StartedAt:      rec.StartedAt,
	}
	if rec.SessionKey != "" {
		key := rec.SessionKey
		out.SessionKey = &key
	}
	return out
}

func (s *ExecutionService) begin(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	if key != "" {
		s.sessionBusy[key]++
	}
}

func (s *ExecutionService) end(key string, settled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if key != "" {
		if s.sessionBusy[key]--; s.sessionBusy[key] == 0 {
			delete(s.sessionBusy, key)
		}
		if settled {
			s.sessionRuns[key]++
		}
	}
}

// record persists one settled execution. Failures are logged, never
// surfaced: a lost row must not fail the execution that produced it.
func (s *ExecutionService) record(ctx context.Context, rec *history.Record) {
	if s.history == nil {
		return
	}
	dctx, cancel := appctx.Detached(ctx, nil, recordTimeout)
	defer cancel()
	if err := s.history.Record(dctx, rec); err != nil {
		s.logger.Warn("failed to record execution",
			zap.String("execution_id", rec.ID),
			zap.Error(err))
	}
}

func (s *ExecutionService) publishStarted(ctx context.Context, id, key string, mode v1.ExecutionMode, runtimeName string) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"execution_id": id,
		"mode":         string(mode),
		"runtime":      runtimeName,
	}
	if key != "" {
		data["session_key"] = key
	}
	s.publish(ctx, events.ExecutionStarted, id, data)
}

// publishSettled announces a settled result. Executions that ended in a
// subsystem error produced no result and get no terminal event.
func (s *ExecutionService) publishSettled(ctx context.Context, id string, res kernel.Result) {
	if s.bus == nil {
		return
	}
	eventType := events.ExecutionCompleted
	if res.TimedOut {
		eventType = events.ExecutionTimeout
	}
	data := map[string]interface{}{
		"execution_id": id,
		"raw_status":   res.RawStatus,
		"cancelled":    res.Cancelled,
		"timed_out":    res.TimedOut,
		"duration_ms":  res.Duration.Milliseconds(),
	}
	if res.ExitCode != nil {
		data["exit_code"] = *res.ExitCode
	}
	s.publish(ctx, eventType, id, data)
}

func (s *ExecutionService) publish(ctx context.Context, eventType, id string, data map[string]interface{}) {
	evt := bus.NewEvent(eventType, "kernelhost", data)
	subject := events.BuildExecutionSubject(eventType, id)
	if err := s.bus.Publish(ctx, subject, evt); err != nil {
		s.logger.Warn("failed to publish execution event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
