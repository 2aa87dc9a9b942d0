/*
Package tracing provides request tracing for the loader service.

Every HTTP request and every call on the gRPC health server gets a span.
Trace context travels in the X-Trace-ID and X-Span-ID headers (x-trace-id and
x-span-id in gRPC metadata); a request without them starts a new trace.
Finished spans are logged through zap from a buffered collector.

# Usage

	tracer := tracing.New("kcpu", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	server := grpc.NewServer(
		grpc.UnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)),
		grpc.StreamInterceptor(tracing.GRPCStreamInterceptor(tracer)),
	)

	span, ctx := tracer.StartSpan(ctx, "operation")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()
*/
package tracing
