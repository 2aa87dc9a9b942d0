package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/kcpu/internal/domain/coproc"
	"github.com/GriffinCanCode/kcpu/internal/domain/image"
	"github.com/GriffinCanCode/kcpu/internal/domain/kloader"
	"github.com/GriffinCanCode/kcpu/internal/domain/library"
	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Device.HandoffTimeout = 200 * time.Millisecond
	cfg.Device.HaltTimeout = 50 * time.Millisecond
	cfg.Device.Poll = 50 * time.Microsecond
	cfg.Library.Dir = filepath.Join(t.TempDir(), "kernels")
	cfg.RateLimit.Enabled = false
	return cfg
}

func newServer(t *testing.T, cfg *config.Config, opts ...coproc.SimOption) (*Server, *coproc.Simulator) {
	t.Helper()
	backend := SimBackend(memory.DefaultLayout(), opts...)
	srv, err := NewServer(cfg, backend, nil)
	require.NoError(t, err)
	return srv, backend.Device.(*coproc.Simulator)
}

func TestBootIdle(t *testing.T) {
	srv, sim := newServer(t, testConfig(t))

	require.NoError(t, srv.Boot(context.Background()))
	assert.Equal(t, kloader.ModeIdle, srv.Loader().Mode())

	entry, running := sim.Running()
	require.True(t, running)
	assert.Equal(t, uint32(memory.IdleEntryAddr), entry)
}

func TestBootStartupKernel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Library.StartupKernel = "blink"

	buf, err := image.Encode(bytes.Repeat([]byte{0x13}, 32), nil, []image.Symbol{
		{Name: "init", Offset: 0x10},
		{Name: "run", Offset: 0x100},
	})
	require.NoError(t, err)

	lib, err := library.Open(cfg.Library.Dir, memory.DefaultLayout())
	require.NoError(t, err)
	_, err = lib.Put("blink", buf)
	require.NoError(t, err)

	srv, sim := newServer(t, cfg)
	require.NoError(t, srv.Boot(context.Background()))

	st := srv.Loader().Status()
	assert.Equal(t, kloader.ModeUser, st.Mode)
	assert.Equal(t, "run", st.Entry)

	entry, running := sim.Running()
	require.True(t, running)
	assert.Equal(t, uint32(memory.ExecBase+0x100), entry)
}

func TestBootMissingKernel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Library.StartupKernel = "absent"

	srv, _ := newServer(t, cfg)
	err := srv.Boot(context.Background())
	assert.ErrorIs(t, err, library.ErrNotFound)
	assert.Equal(t, kloader.ModeStopped, srv.Loader().Mode())
}

func TestRoutes(t *testing.T) {
	srv, _ := newServer(t, testConfig(t))

	for _, path := range []string{"/", "/health", "/kernel/status", "/library", "/metrics", "/metrics/json"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "kcpu_")
}

func TestServeHealthAndShutdown(t *testing.T) {
	srv, sim := newServer(t, testConfig(t))
	require.NoError(t, srv.Boot(context.Background()))

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, httpLn, grpcLn) }()

	conn, err := grpc.NewClient(grpcLn.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + httpLn.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.Equal(t, kloader.ModeStopped, srv.Loader().Mode())
	_, running := sim.Running()
	assert.False(t, running)
}

func TestHealthFollowsFault(t *testing.T) {
	srv, sim := newServer(t, testConfig(t))
	require.NoError(t, srv.Loader().StartBridge(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.watchHealth(ctx)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := srv.Health().Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		require.NoError(t, err)
		return resp.Status
	}
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	// Let the watcher subscribe before the fault is raised.
	time.Sleep(20 * time.Millisecond)

	sim.SetStuck(true)
	require.Error(t, srv.Loader().Stop(context.Background()))

	assert.Eventually(t, func() bool {
		return check() == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 10*time.Millisecond)
}
