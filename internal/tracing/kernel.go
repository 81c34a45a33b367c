package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const kernelTracerName = "kernelhost-kernel"

func kernelTracer() trace.Tracer {
	return Tracer(kernelTracerName)
}

// TraceKernelSpawn creates a span for kernel process spawn and handshake.
func TraceKernelSpawn(ctx context.Context, kernelID, runtimeName, launcher string) (context.Context, trace.Span) {
	ctx, span := kernelTracer().Start(ctx, "kernel.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("kernel_id", kernelID),
		attribute.String("runtime", runtimeName),
		attribute.String("launcher", launcher),
	)
	return ctx, span
}

// TraceKernelExecute creates a span for one execute call.
func TraceKernelExecute(ctx context.Context, kernelID string, codeLen int) (context.Context, trace.Span) {
	ctx, span := kernelTracer().Start(ctx, "kernel.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("kernel_id", kernelID),
		attribute.Int("code_bytes", codeLen),
	)
	return ctx, span
}

// TraceKernelExecuteResult records the execution outcome on its span.
func TraceKernelExecuteResult(span trace.Span, rawStatus string, cancelled, timedOut bool, err error) {
	span.SetAttributes(
		attribute.String("raw_status", rawStatus),
		attribute.Bool("cancelled", cancelled),
		attribute.Bool("timed_out", timedOut),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceKernelShutdown creates a span for kernel teardown.
func TraceKernelShutdown(ctx context.Context, kernelID string) (context.Context, trace.Span) {
	ctx, span := kernelTracer().Start(ctx, "kernel.shutdown",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("kernel_id", kernelID))
	return ctx, span
}

// TraceShellRun creates a span for a one-shot shell command.
func TraceShellRun(ctx context.Context, commandLen int) (context.Context, trace.Span) {
	ctx, span := kernelTracer().Start(ctx, "shell.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.Int("command_bytes", commandLen))
	return ctx, span
}
