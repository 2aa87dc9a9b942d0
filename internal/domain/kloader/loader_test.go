package kloader

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/kcpu/internal/domain/coproc"
	"github.com/GriffinCanCode/kcpu/internal/domain/image"
	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
	"github.com/GriffinCanCode/kcpu/internal/domain/symbols"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

type fixture struct {
	loader *Loader
	sim    *coproc.Simulator
	ram    *memory.RAM
	layout memory.Layout
}

func testConfig() Config {
	return Config{
		Layout:         memory.DefaultLayout(),
		HandoffTimeout: 500 * time.Millisecond,
		HaltTimeout:    50 * time.Millisecond,
		Poll:           50 * time.Microsecond,
	}
}

func newFixture(t *testing.T, cfg Config, opts ...coproc.SimOption) *fixture {
	t.Helper()

	ram := memory.NewRAM(cfg.Layout.Regions()...)
	sim := coproc.NewSimulator(opts...)
	l, err := New(ram, sim, cfg)
	require.NoError(t, err)

	return &fixture{loader: l, sim: sim, ram: ram, layout: cfg.Layout}
}

func encode(t *testing.T, code, data []byte, syms ...image.Symbol) []byte {
	t.Helper()
	buf, err := image.Encode(code, data, syms)
	require.NoError(t, err)
	return buf
}

func kernel(t *testing.T, fill byte, syms ...image.Symbol) []byte {
	return encode(t, bytes.Repeat([]byte{fill}, 256), []byte("payload"), syms...)
}

func TestLoadShortBuffersNeverWrite(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	full := kernel(t, 0x11, image.Symbol{Name: "main"})
	for n := 0; n < image.HeaderSize; n++ {
		_, err := f.loader.Load(ctx, full[:n])
		assert.True(t, errors.Is(err, fault.ErrTruncated), "length %d: %v", n, err)
	}

	assert.Zero(t, f.ram.Writes())
	assert.Empty(t, f.sim.Boots())
	assert.Equal(t, ModeStopped, f.loader.Mode())
}

func TestLoadExactCapacityRoundTrip(t *testing.T) {
	f := newFixture(t, testConfig())

	code := make([]byte, memory.ExecSize)
	data := make([]byte, memory.PayloadSize)
	for i := range code {
		code[i] = byte(i * 7)
	}
	for i := range data {
		data[i] = byte(i * 13)
	}

	info, err := f.loader.Load(context.Background(), encode(t, code, data, image.Symbol{Name: "main"}))
	require.NoError(t, err)
	assert.Equal(t, memory.ExecSize, info.CodeBytes)
	assert.Equal(t, memory.PayloadSize, info.DataBytes)
	assert.Equal(t, memory.ExecSize+memory.PayloadSize, info.Bytes)

	exec, err := memory.ReadRegion(f.ram, f.layout.Exec)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(code, exec))

	payload, err := memory.ReadRegion(f.ram, f.layout.Payload)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, payload))
}

func TestFindUniqueSymbols(t *testing.T) {
	f := newFixture(t, testConfig())

	syms := []image.Symbol{
		{Name: "main", Offset: 0},
		{Name: "rpc", Offset: 0x80},
		{Name: "table", Offset: memory.ExecSize + 0x20},
	}
	_, err := f.loader.Load(context.Background(), kernel(t, 0x22, syms...))
	require.NoError(t, err)

	for _, s := range syms {
		ep, err := f.loader.Find(s.Name)
		require.NoError(t, err, s.Name)
		_, ok := f.layout.RegionOf(ep.Addr())
		assert.True(t, ok, "%s resolves inside EXEC or PAYLOAD", s.Name)
	}

	_, err = f.loader.Find("absent")
	assert.True(t, errors.Is(err, fault.ErrSymbolNotFound))
	assert.Len(t, f.loader.Symbols(), 3)
}

func TestKernelLifecycle(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	code := bytes.Repeat([]byte{0x13}, 16<<10)
	_, err := f.loader.Load(ctx, encode(t, code, nil, image.Symbol{Name: "main"}))
	require.NoError(t, err)

	ep, err := f.loader.Find("main")
	require.NoError(t, err)
	assert.Equal(t, uint32(memory.ExecBase), ep.Addr())

	require.NoError(t, f.loader.StartUser(ctx, ep))
	assert.Equal(t, ModeUser, f.loader.Mode())

	entry, running := f.sim.Running()
	assert.True(t, running)
	assert.Equal(t, uint32(memory.ExecBase), entry)

	st := f.loader.Status()
	assert.Equal(t, "main", st.Entry)
	assert.True(t, st.Placed)
	require.NotNil(t, st.Image)

	require.NoError(t, f.loader.Stop(ctx))
	assert.Equal(t, ModeStopped, f.loader.Mode())

	_, running = f.sim.Running()
	assert.False(t, running)
}

func TestCorruptHeaderBuildsNoTable(t *testing.T) {
	f := newFixture(t, testConfig())

	buf := kernel(t, 0x33, image.Symbol{Name: "main"})
	copy(buf, "XXXX")

	_, err := f.loader.Load(context.Background(), buf)
	assert.True(t, errors.Is(err, fault.ErrBadFormat))

	_, err = f.loader.Find("main")
	assert.True(t, errors.Is(err, fault.ErrSymbolNotFound))
	assert.Zero(t, f.ram.Writes())
}

func TestStaleEntryPointRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.loader.Load(ctx, kernel(t, 0xa0, image.Symbol{Name: "main"}))
	require.NoError(t, err)
	stale, err := f.loader.Find("main")
	require.NoError(t, err)

	_, err = f.loader.Load(ctx, kernel(t, 0xb0, image.Symbol{Name: "main"}))
	require.NoError(t, err)

	require.NoError(t, f.loader.StartIdle(ctx))
	boots := len(f.sim.Boots())

	err = f.loader.StartUser(ctx, stale)
	assert.True(t, errors.Is(err, fault.ErrInvalidEntryPoint))
	assert.Equal(t, ModeIdle, f.loader.Mode(), "prior mode kept")
	assert.Len(t, f.sim.Boots(), boots, "no hand-off attempted")

	fresh, err := f.loader.Find("main")
	require.NoError(t, err)
	assert.NoError(t, f.loader.StartUser(ctx, fresh))
}

func TestZeroEntryPointRejected(t *testing.T) {
	f := newFixture(t, testConfig())

	_, err := f.loader.Load(context.Background(), kernel(t, 0x01, image.Symbol{Name: "main"}))
	require.NoError(t, err)

	err = f.loader.StartUser(context.Background(), symbols.EntryPoint{})
	assert.True(t, errors.Is(err, fault.ErrInvalidEntryPoint))
	assert.Empty(t, f.sim.Boots())
}

func TestStopIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	require.NoError(t, f.loader.Stop(ctx))
	assert.Equal(t, ModeStopped, f.loader.Mode())

	require.NoError(t, f.loader.StartBridge(ctx))
	require.NoError(t, f.loader.Stop(ctx))
	assert.Equal(t, ModeStopped, f.loader.Mode())
	require.NoError(t, f.loader.Stop(ctx))
	assert.Equal(t, ModeStopped, f.loader.Mode())
}

func TestTransitionsPassThroughStopped(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.loader.Load(ctx, kernel(t, 0x44, image.Symbol{Name: "main"}))
	require.NoError(t, err)
	ep, err := f.loader.Find("main")
	require.NoError(t, err)

	require.NoError(t, f.loader.StartBridge(ctx))
	require.NoError(t, f.loader.StartIdle(ctx))
	require.NoError(t, f.loader.StartUser(ctx, ep))
	require.NoError(t, f.loader.StartIdle(ctx))

	var entries []uint32
	for _, b := range f.sim.Boots() {
		entries = append(entries, b.Entry)
	}
	assert.Equal(t, []uint32{
		f.layout.BridgeEntry,
		f.layout.IdleEntry,
		f.layout.Exec.Base,
		f.layout.IdleEntry,
	}, entries)
	assert.Equal(t, ModeIdle, f.loader.Mode())
}

func TestLoadStopsRunningKernel(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	require.NoError(t, f.loader.StartIdle(ctx))
	_, err := f.loader.Load(ctx, kernel(t, 0x55, image.Symbol{Name: "main"}))
	require.NoError(t, err)

	assert.Equal(t, ModeStopped, f.loader.Mode())
	_, running := f.sim.Running()
	assert.False(t, running)
}

func TestFailedValidationKeepsPreviousImage(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.loader.Load(ctx, kernel(t, 0x66, image.Symbol{Name: "main"}))
	require.NoError(t, err)
	ep, err := f.loader.Find("main")
	require.NoError(t, err)
	require.NoError(t, f.loader.StartUser(ctx, ep))
	writes := f.ram.Writes()

	dup := kernel(t, 0x77, image.Symbol{Name: "main"}, image.Symbol{Name: "main", Offset: 4})
	_, err = f.loader.Load(ctx, dup)
	assert.True(t, errors.Is(err, fault.ErrDuplicateSymbol))

	bad := kernel(t, 0x77, image.Symbol{Name: "main"})
	bad[len(bad)-1] ^= 0xff
	_, err = f.loader.Load(ctx, bad)
	assert.True(t, errors.Is(err, fault.ErrCorrupt))

	assert.Equal(t, writes, f.ram.Writes())
	assert.Equal(t, ModeUser, f.loader.Mode())

	again, err := f.loader.Find("main")
	require.NoError(t, err)
	assert.Equal(t, ep, again)
}

func TestSymbolOutOfRange(t *testing.T) {
	f := newFixture(t, testConfig())

	_, err := f.loader.Load(context.Background(), kernel(t, 0x01,
		image.Symbol{Name: "main"},
		image.Symbol{Name: "far", Offset: 0x00100000},
	))
	require.NoError(t, err)

	_, err = f.loader.Find("far")
	assert.True(t, errors.Is(err, fault.ErrAddressOutOfRange))
}

func TestHandoffTimeoutForcesStopped(t *testing.T) {
	cfg := testConfig()
	cfg.HandoffTimeout = 10 * time.Millisecond
	f := newFixture(t, cfg, coproc.Unresponsive())
	ctx := context.Background()

	err := f.loader.StartIdle(ctx)
	assert.True(t, errors.Is(err, fault.ErrTimeout), "got %v", err)
	assert.Equal(t, ModeStopped, f.loader.Mode())
	assert.False(t, f.loader.Faulted())

	_, running := f.sim.Running()
	assert.False(t, running, "core held in reset after a failed hand-off")
	assert.Contains(t, f.loader.Status().LastError, "timeout")
}

func TestStopSupersedesPendingStart(t *testing.T) {
	cfg := testConfig()
	cfg.HandoffTimeout = 5 * time.Second
	f := newFixture(t, cfg, coproc.WithAckDelay(time.Second))
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- f.loader.StartBridge(ctx) }()

	require.Eventually(t, func() bool { return len(f.sim.Boots()) == 1 }, time.Second, time.Millisecond)

	began := time.Now()
	require.NoError(t, f.loader.Stop(ctx))
	assert.Less(t, time.Since(began), 500*time.Millisecond)

	err := <-errCh
	assert.True(t, errors.Is(err, fault.ErrSuperseded), "got %v", err)
	assert.Equal(t, ModeStopped, f.loader.Mode())
}

func TestHardwareFault(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	require.NoError(t, f.loader.StartIdle(ctx))
	f.sim.SetStuck(true)

	err := f.loader.Stop(ctx)
	require.Error(t, err)
	assert.True(t, fault.IsFatal(err))
	assert.True(t, f.loader.Faulted())
	assert.Equal(t, ModeStopped, f.loader.Mode())

	err = f.loader.StartBridge(ctx)
	assert.True(t, errors.Is(err, fault.ErrHardwareFault))

	f.sim.SetStuck(false)
	require.NoError(t, f.loader.Stop(ctx))
	assert.False(t, f.loader.Faulted())
	assert.NoError(t, f.loader.StartBridge(ctx))
}

func TestBreakerOpensAfterTimeouts(t *testing.T) {
	cfg := testConfig()
	cfg.HandoffTimeout = 5 * time.Millisecond
	f := newFixture(t, cfg, coproc.Unresponsive())
	f.loader.WithBreaker(resilience.Settings{
		Timeout: time.Minute,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := f.loader.StartIdle(ctx)
		require.True(t, errors.Is(err, fault.ErrTimeout))
	}
	require.Len(t, f.sim.Boots(), 2)
	assert.Equal(t, "open", f.loader.Status().Breaker)

	err := f.loader.StartIdle(ctx)
	assert.True(t, errors.Is(err, fault.ErrHardwareFault))
	assert.Len(t, f.sim.Boots(), 2, "open breaker never touches the core")
	assert.Equal(t, ModeStopped, f.loader.Mode())
}

func TestInvalidEntryPointDoesNotTripBreaker(t *testing.T) {
	f := newFixture(t, testConfig())
	f.loader.WithBreaker(resilience.Settings{
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	})

	for i := 0; i < 3; i++ {
		_ = f.loader.StartUser(context.Background(), symbols.EntryPoint{})
	}
	assert.Equal(t, "closed", f.loader.Status().Breaker)
}

func TestEventsAndMetrics(t *testing.T) {
	f := newFixture(t, testConfig())
	m := monitoring.NewMetrics()
	f.loader.WithMetrics(m)
	ctx := context.Background()

	events, cancel := f.loader.Subscribe()
	defer cancel()

	_, err := f.loader.Load(ctx, kernel(t, 0x01, image.Symbol{Name: "main"}))
	require.NoError(t, err)
	require.NoError(t, f.loader.StartIdle(ctx))
	_, err = f.loader.Load(ctx, []byte("nope"))
	require.Error(t, err)

	var got []Event
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}

	assert.Equal(t, EventLoaded, got[0].Type)
	assert.Equal(t, uint64(1), got[0].Generation)
	assert.NotEmpty(t, got[0].LoadID)

	assert.Equal(t, EventMode, got[1].Type)
	assert.Equal(t, ModeIdle, got[1].Mode)
	assert.Equal(t, "idle", got[1].Entry)

	assert.Equal(t, EventLoadFailed, got[2].Type)
	assert.Equal(t, "truncated", got[2].Kind)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadsTotal.WithLabelValues("truncated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("idle", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mode.WithLabelValues("idle")))
	assert.Equal(t, 1, m.Snapshot().Handoff.Count)
}

func TestNewRejectsBadLayout(t *testing.T) {
	cfg := testConfig()
	cfg.Layout.Payload.Base = cfg.Layout.Exec.Base

	_, err := New(memory.NewRAM(), coproc.NewSimulator(), cfg)
	assert.Error(t, err)
}

func TestModeText(t *testing.T) {
	for _, name := range ModeNames() {
		m, err := ParseMode(name)
		require.NoError(t, err)
		text, err := m.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, name, string(text))

		var back Mode
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, m, back)
	}

	_, err := ParseMode("running")
	assert.Error(t, err)
}
