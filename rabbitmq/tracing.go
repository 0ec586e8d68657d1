package rabbitmq

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/israelio/rabbit-rpc-core/rabbitmq"

func defaultTracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(tracerName)
}

// startRpcSpan opens a client span around one synchronous AMQP method
func startRpcSpan(ctx context.Context, tracer trace.Tracer, method string, channelID uint16) (context.Context, trace.Span) {
	return tracer.Start(ctx, "amqp "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation.name", method),
			attribute.Int("messaging.rabbitmq.channel", int(channelID)),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
