package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/GriffinCanCode/kcpu/internal/api/http"
	"github.com/GriffinCanCode/kcpu/internal/domain/coproc"
	"github.com/GriffinCanCode/kcpu/internal/domain/image"
	"github.com/GriffinCanCode/kcpu/internal/domain/kloader"
	"github.com/GriffinCanCode/kcpu/internal/domain/library"
	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

func serve(t *testing.T) (*Client, *kloader.Loader) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := kloader.DefaultConfig()
	cfg.HandoffTimeout = 200 * time.Millisecond
	cfg.HaltTimeout = 50 * time.Millisecond
	cfg.Poll = 50 * time.Microsecond
	l, err := kloader.New(memory.NewRAM(cfg.Layout.Regions()...), coproc.NewSimulator(), cfg)
	require.NoError(t, err)

	lib, err := library.Open(filepath.Join(t.TempDir(), "kernels"), cfg.Layout)
	require.NoError(t, err)

	router := gin.New()
	apihttp.NewHandlers(l, lib, nil, nil).Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	opts := DefaultOptions()
	opts.BaseURL = srv.URL
	opts.Timeout = 5 * time.Second
	return New(opts), l
}

func kernel(t *testing.T) []byte {
	t.Helper()
	buf, err := image.Encode(bytes.Repeat([]byte{0x13}, 64), nil, []image.Symbol{
		{Name: "main"},
		{Name: "tick", Offset: 0x20},
	})
	require.NoError(t, err)
	return buf
}

func TestRoundTrip(t *testing.T) {
	c, l := serve(t)
	ctx := context.Background()

	res, err := c.Load(ctx, kernel(t))
	require.NoError(t, err)
	require.NotNil(t, res.Image)
	assert.Equal(t, uint64(1), res.Image.Generation)
	assert.Equal(t, 2, res.Image.Symbols)

	syms, err := c.Symbols(ctx)
	require.NoError(t, err)
	assert.Len(t, syms, 2)

	sym, err := c.Find(ctx, "tick")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x40400020), sym.Addr)
	assert.Equal(t, "0x40400020", sym.AddrHex)

	st, err := c.StartUser(ctx, "tick")
	require.NoError(t, err)
	assert.Equal(t, kloader.ModeUser, st.Mode)
	assert.Equal(t, "tick", st.Entry)

	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, kloader.ModeUser, st.Mode)
	assert.True(t, st.Placed)

	st, err = c.StartIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, kloader.ModeIdle, st.Mode)

	st, err = c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, kloader.ModeStopped, st.Mode)
	assert.Equal(t, kloader.ModeStopped, l.Mode())
}

func TestErrorsCarryKind(t *testing.T) {
	c, _ := serve(t)
	ctx := context.Background()

	_, err := c.Find(ctx, "main")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrSymbolNotFound)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "symbol_not_found", apiErr.Kind)

	_, err = c.Load(ctx, []byte("KCPU but not really"))
	assert.ErrorIs(t, err, fault.ErrTruncated)

	_, err = c.LoadFromLibrary(ctx, "missing")
	assert.ErrorIs(t, err, library.ErrNotFound)

	// API errors never trip the client breaker.
	assert.Equal(t, resilience.StateClosed, c.BreakerState())
}

func TestLibrary(t *testing.T) {
	c, l := serve(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "blink", kernel(t)))

	entries, err := c.Library(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "blink", entries[0].Name)

	res, err := c.LoadFromLibrary(ctx, "blink")
	require.NoError(t, err)
	assert.Equal(t, "blink", res.Name)
	assert.True(t, l.Status().Placed)

	require.NoError(t, c.Remove(ctx, "blink"))
	assert.ErrorIs(t, c.Remove(ctx, "blink"), library.ErrNotFound)

	require.NoError(t, c.Put(ctx, "a", kernel(t)))
	require.NoError(t, c.Put(ctx, "b", kernel(t)))
	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err = c.Library(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRetriesRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"status":{"mode":"idle","generation":0,"placed":false,"faulted":false,"breaker":"closed"}}`))
	}))
	t.Cleanup(srv.Close)

	opts := DefaultOptions()
	opts.BaseURL = srv.URL
	st, err := New(opts).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kloader.ModeIdle, st.Mode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestServerErrorsAreFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(`{"success":false,"error":"coprocessor timeout: no ack","kind":"timeout"}`))
	}))
	t.Cleanup(srv.Close)

	opts := DefaultOptions()
	opts.BaseURL = srv.URL
	_, err := New(opts).StartIdle(context.Background())
	assert.ErrorIs(t, err, fault.ErrTimeout)
	assert.Equal(t, int32(1), calls.Load())
}
