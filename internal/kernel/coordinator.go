package kernel

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/kernel/protocol"
	"github.com/rzp-labs/kernelhost/internal/tracing"
)

// defaultInterruptGrace is how long an interrupted execution gets to settle
// before the process is killed, when no grace period was configured.
const defaultInterruptGrace = 5 * time.Second

// ExecuteRequest describes one evaluation on a kernel.
type ExecuteRequest struct {
	Code    string
	WorkDir string

	// Timeout bounds the evaluation. Zero disables the timeout; the caller
	// can still cancel through ctx.
	Timeout time.Duration

	// Output, when non-nil, receives chunks live as they arrive, in order.
	// The executor never closes this channel and stops forwarding once the
	// call's ctx is cancelled; the Execute call returning is the completion
	// signal. The caller must keep receiving until then.
	Output chan<- OutputChunk
}

// OutputChunk is one piece of interleaved stdout/stderr output.
type OutputChunk struct {
	Name string // "stdout" or "stderr"
	Text string
}

// Execute runs code on the kernel and waits for the outcome. Exactly one
// of three things settles the call: the evaluation completes, the timeout
// fires, or ctx is cancelled. On timeout or cancellation the kernel is
// interrupted rather than killed so the process stays reusable; only a
// kernel that ignores the interrupt past the grace period is torn down.
//
// The returned RawResult carries what actually happened, including flags
// forced by an interrupt. Errors mean no result exists: the kernel was
// already dead, died mid-run, or could not be stopped.
func (k *Kernel) Execute(ctx context.Context, req ExecuteRequest) (RawResult, error) {
	if !k.IsAlive() {
		return RawResult{}, &DeadKernelError{KernelID: k.ID}
	}

	_, span := tracing.TraceKernelExecute(ctx, k.ID, len(req.Code))
	defer span.End()

	start := time.Now()
	exec, err := k.client.StartExecute(req.Code, req.WorkDir)
	if err != nil {
		if errors.Is(err, protocol.ErrClosed) {
			k.dead.Store(true)
			err = &DeadKernelError{KernelID: k.ID, Err: err}
		}
		tracing.TraceKernelExecuteResult(span, "", false, false, err)
		return RawResult{}, err
	}

	// Drain the chunk stream until it closes, aggregating everything and
	// forwarding to the caller's channel while it still listens. Draining
	// must outlive ctx: the runner's result line follows its last chunk,
	// and a stalled stream would hold the whole connection.
	var buf strings.Builder
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		forward := req.Output != nil
		for chunk := range exec.Chunks() {
			buf.WriteString(chunk.Text)
			if !forward {
				continue
			}
			select {
			case req.Output <- OutputChunk{Name: chunk.Name, Text: chunk.Text}:
			case <-ctx.Done():
				forward = false
			}
		}
	}()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var timedOut, interrupted, graceExpired bool
	select {
	case <-exec.Done():
	case <-timeoutCh:
		timedOut = true
		interrupted = true
	case <-ctx.Done():
		interrupted = true
	}

	if interrupted {
		if err := k.Interrupt(); err != nil {
			// The process is unreachable. Kill whatever is left and fail
			// the call; the read loop settles the relay on EOF.
			k.forceClose()
			<-relayDone
			tracing.TraceKernelExecuteResult(span, "", true, timedOut, err)
			return RawResult{}, err
		}

		grace := k.interruptGrace
		if grace <= 0 {
			grace = defaultInterruptGrace
		}
		graceTimer := time.NewTimer(grace)
		select {
		case <-exec.Done():
			graceTimer.Stop()
		case <-graceTimer.C:
			graceExpired = true
			k.logger.Warn("kernel ignored interrupt, killing process",
				zap.Duration("grace", grace),
				zap.Bool("timed_out", timedOut))
			k.forceClose()
			<-exec.Done()
		}
	}

	<-relayDone

	res, execErr := exec.Wait(context.Background())
	duration := time.Since(start)

	if execErr != nil {
		k.dead.Store(true)
		var outErr error
		if graceExpired {
			outErr = &InterruptFailure{KernelID: k.ID, Reason: "no response within grace period", Err: execErr}
		} else {
			outErr = &DeadKernelError{KernelID: k.ID, Err: execErr}
		}
		tracing.TraceKernelExecuteResult(span, "", interrupted, timedOut, outErr)
		return RawResult{}, outErr
	}

	raw := RawResult{
		Status:         res.Status,
		Cancelled:      res.Cancelled || interrupted,
		TimedOut:       timedOut,
		StdinRequested: res.StdinRequested,
		Error:          res.Error,
		Output:         buf.String(),
		Duration:       duration,
	}
	tracing.TraceKernelExecuteResult(span, raw.Status, raw.Cancelled, raw.TimedOut, nil)
	k.logger.Debug("execution settled",
		zap.String("status", raw.Status),
		zap.Bool("cancelled", raw.Cancelled),
		zap.Bool("timed_out", raw.TimedOut),
		zap.Duration("duration", duration))
	return raw, nil
}
