package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func newObserved(t *testing.T) (*Tracer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return New("test", zap.New(core)), logs
}

func TestStartSpanInheritsTrace(t *testing.T) {
	tracer, _ := newObserved(t)
	defer tracer.Close()

	root, ctx := tracer.StartSpan(context.Background(), "root")
	assert.NotEmpty(t, root.TraceID)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, root.TraceID, GetTraceID(ctx))

	child, ctx := tracer.StartSpan(ctx, "child")
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.Equal(t, child.SpanID, GetSpanID(ctx))

	headers := map[string]string{}
	InjectTraceContext(ctx, headers)
	traceID, spanID := ExtractTraceContext(headers)
	assert.Equal(t, root.TraceID, traceID)
	assert.Equal(t, child.SpanID, spanID)
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer, logs := newObserved(t)

	var seen TraceID
	router := gin.New()
	router.Use(HTTPMiddleware(tracer))
	router.GET("/kernel/status", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})
	router.POST("/kernel/stop", func(c *gin.Context) {
		_ = c.Error(errors.New("coprocessor did not halt"))
		c.Status(http.StatusServiceUnavailable)
	})

	req := httptest.NewRequest(http.MethodGet, "/kernel/status", nil)
	req.Header.Set(TraceHeader, "trace-from-client")
	req.Header.Set(SpanHeader, "span-from-client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, TraceID("trace-from-client"), seen)
	assert.Equal(t, "trace-from-client", w.Header().Get(TraceHeader))
	assert.NotEmpty(t, w.Header().Get(SpanHeader))
	assert.NotEqual(t, "span-from-client", w.Header().Get(SpanHeader))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/kernel/stop", nil))
	assert.NotEmpty(t, w.Header().Get(TraceHeader))

	tracer.Close()

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "GET /kernel/status", entries[0].ContextMap()["operation"])
	assert.Equal(t, "span-from-client", entries[0].ContextMap()["parent_id"])
	assert.Equal(t, "200", entries[0].ContextMap()["http.status"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, []interface{}{"coprocessor did not halt"}, entries[1].ContextMap()["events"])
	assert.NotContains(t, entries[0].ContextMap(), "events")
}

func TestGRPCUnaryInterceptor(t *testing.T) {
	tracer, logs := newObserved(t)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-trace-id", "grpc-trace"))
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	var seen TraceID
	_, err := GRPCUnaryInterceptor(tracer)(ctx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = GetTraceID(ctx)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, TraceID("grpc-trace"), seen)

	tracer.Close()
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "/grpc.health.v1.Health/Check", logs.All()[0].ContextMap()["operation"])
}

func TestSubmitDropsWhenFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tracer := &Tracer{service: "test", logger: zap.New(core), spans: make(chan *Span)}

	span, _ := tracer.StartSpan(context.Background(), "dropped")
	tracer.Submit(span)

	assert.Equal(t, 1, logs.FilterMessage("span buffer full, dropping span").Len())
}
