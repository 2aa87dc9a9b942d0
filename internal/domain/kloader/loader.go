// Package kloader places kernel images into coprocessor memory and controls
// which execution mode the coprocessor runs.
//
// All control operations are serialised. Every start passes through Stopped:
// the core is held in reset and the mailbox cleared before the new entry
// address is handed over. A failed hand-off always leaves the core Stopped.
package kloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/kcpu/internal/domain/coproc"
	"github.com/GriffinCanCode/kcpu/internal/domain/image"
	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
	"github.com/GriffinCanCode/kcpu/internal/domain/symbols"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/logging"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
	"github.com/GriffinCanCode/kcpu/internal/shared/id"
)

// Defaults for Config.
const (
	DefaultHandoffTimeout = 2 * time.Second
	DefaultHaltTimeout    = 2 * time.Second
)

// Config holds the fixed parameters of a loader.
type Config struct {
	Layout memory.Layout

	// HandoffTimeout bounds the wait for the coprocessor to acknowledge
	// its entry address.
	HandoffTimeout time.Duration
	// HaltTimeout bounds the wait for the coprocessor to halt on reset.
	HaltTimeout time.Duration
	// Poll is the interval between hardware status reads.
	Poll time.Duration
}

// DefaultConfig returns the configuration for the reference board.
func DefaultConfig() Config {
	return Config{
		Layout:         memory.DefaultLayout(),
		HandoffTimeout: DefaultHandoffTimeout,
		HaltTimeout:    DefaultHaltTimeout,
		Poll:           coproc.DefaultPoll,
	}
}

// LoadInfo describes the image currently placed in memory.
type LoadInfo struct {
	ID         id.LoadID `json:"id"`
	Generation uint64    `json:"generation"`
	CodeBytes  int       `json:"code_bytes"`
	DataBytes  int       `json:"data_bytes"`
	Bytes      int       `json:"bytes"`
	Symbols    int       `json:"symbols"`
	Checksum   uint64    `json:"checksum"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Status is a point-in-time view of the loader.
type Status struct {
	Mode       Mode      `json:"mode"`
	Entry      string    `json:"entry,omitempty"`
	EntryAddr  uint32    `json:"entry_addr,omitempty"`
	Generation uint64    `json:"generation"`
	Placed     bool      `json:"placed"`
	Faulted    bool      `json:"faulted"`
	Image      *LoadInfo `json:"image,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Breaker    string    `json:"breaker"`
}

// Loader owns the coprocessor: its memory regions, its reset line and
// mailbox, the placed image and the current mode.
type Loader struct {
	cfg     Config
	mem     memory.Memory
	dev     coproc.Device
	mailbox *coproc.Mailbox

	// mu serialises Load, Start* and Stop.
	mu sync.Mutex

	// smu guards the fields below for readers that must not wait behind a
	// hand-off in progress.
	smu       sync.RWMutex
	mode      Mode
	entry     string
	entryAddr uint32
	gen       uint64
	placed    bool
	table     *symbols.Table
	info      *LoadInfo
	faulted   bool
	lastErr   error

	// pending cancels the hand-off currently waiting for acknowledgement.
	pendingMu sync.Mutex
	pending   context.CancelCauseFunc

	breaker *resilience.Breaker
	events  *broadcaster
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// New creates a loader over mem and dev. The coprocessor is assumed Stopped
// and nothing is placed.
func New(mem memory.Memory, dev coproc.Device, cfg Config) (*Loader, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = DefaultHandoffTimeout
	}
	if cfg.HaltTimeout <= 0 {
		cfg.HaltTimeout = DefaultHaltTimeout
	}
	if cfg.Poll <= 0 {
		cfg.Poll = coproc.DefaultPoll
	}

	l := &Loader{
		cfg:     cfg,
		mem:     mem,
		dev:     dev,
		mailbox: coproc.NewMailbox(dev),
		events:  newBroadcaster(),
		logger:  zap.NewNop(),
	}
	l.breaker = resilience.New("handoff", l.breakerSettings(resilience.Settings{}))
	return l, nil
}

// WithLogger sets the logger
func (l *Loader) WithLogger(logger *zap.Logger) *Loader {
	if logger != nil {
		l.logger = logger.Named("kloader")
	}
	return l
}

// WithMetrics adds metrics tracking to the loader
func (l *Loader) WithMetrics(metrics *monitoring.Metrics) *Loader {
	l.metrics = metrics
	if metrics != nil {
		metrics.SetMode(ModeStopped.String(), ModeNames())
	}
	return l
}

// WithBreaker replaces the hand-off circuit breaker settings.
func (l *Loader) WithBreaker(settings resilience.Settings) *Loader {
	l.breaker = resilience.New("handoff", l.breakerSettings(settings))
	return l
}

func (l *Loader) breakerSettings(s resilience.Settings) resilience.Settings {
	if s.ReadyToTrip == nil {
		s.ReadyToTrip = func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 3
		}
	}
	if s.Timeout == 0 {
		s.Timeout = 10 * time.Second
	}
	// Only the coprocessor failing to answer counts; caller mistakes and
	// superseded starts do not.
	s.IsFailure = func(err error) bool {
		return errors.Is(err, fault.ErrTimeout) || errors.Is(err, fault.ErrHardwareFault)
	}
	user := s.OnStateChange
	s.OnStateChange = func(name string, from, to resilience.State) {
		l.logger.Warn("Hand-off breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if l.metrics != nil {
			l.metrics.SetBreakerState(int(to))
		}
		if user != nil {
			user(name, from, to)
		}
	}
	return s
}

// Layout returns the memory layout the loader was built for.
func (l *Loader) Layout() memory.Layout {
	return l.cfg.Layout
}

// Load validates buf, stops the coprocessor and places the image. On a
// validation error nothing is written and the previous image, its symbol
// table and the current mode are kept.
func (l *Loader) Load(ctx context.Context, buf []byte) (*LoadInfo, error) {
	info, err := l.load(ctx, buf)
	if err != nil {
		l.recordLoad(fault.Kind(err), 0)
		l.publish(Event{Type: EventLoadFailed, Error: err.Error(), Kind: fault.Kind(err)})
		return nil, err
	}

	l.recordLoad("ok", info.Bytes)
	l.publish(Event{Type: EventLoaded, LoadID: info.ID.String()})
	return info, nil
}

func (l *Loader) load(ctx context.Context, buf []byte) (*LoadInfo, error) {
	img, err := image.Validate(buf, l.cfg.Layout)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.smu.RLock()
	gen := l.gen + 1
	l.smu.RUnlock()

	table, err := symbols.Build(img.Symbols, l.cfg.Layout, gen)
	if err != nil {
		return nil, err
	}

	if err := l.halt(ctx); err != nil {
		return nil, err
	}

	// From here on handles of the previous image are stale.
	l.smu.Lock()
	l.gen = gen
	l.placed = false
	l.table = nil
	l.info = nil
	l.smu.Unlock()

	placement, err := memory.Place(l.mem, l.cfg.Layout, img.Code, img.Data)
	if err != nil {
		l.setLastErr(err)
		return nil, err
	}

	info := &LoadInfo{
		ID:         id.NewLoadID(),
		Generation: gen,
		CodeBytes:  placement.CodeBytes,
		DataBytes:  placement.DataBytes,
		Bytes:      placement.Bytes(),
		Symbols:    table.Len(),
		Checksum:   img.Header.Checksum,
		LoadedAt:   time.Now(),
	}

	l.smu.Lock()
	l.table = table
	l.info = info
	l.placed = true
	l.lastErr = nil
	l.smu.Unlock()

	l.logger.Info("Kernel placed",
		zap.String("load_id", info.ID.String()),
		zap.Uint64("generation", gen),
		zap.Int("code_bytes", info.CodeBytes),
		zap.Int("data_bytes", info.DataBytes),
		zap.Int("symbols", info.Symbols),
	)
	return info, nil
}

// Find resolves name in the symbol table of the placed image.
func (l *Loader) Find(name string) (symbols.EntryPoint, error) {
	l.smu.RLock()
	table := l.table
	l.smu.RUnlock()

	if table == nil {
		return symbols.EntryPoint{}, fault.Errorf(fault.ErrSymbolNotFound, "symbol %q: no image placed", name)
	}
	return table.Resolve(name)
}

// Symbols lists the symbol table of the placed image.
func (l *Loader) Symbols() []symbols.Entry {
	l.smu.RLock()
	table := l.table
	l.smu.RUnlock()

	if table == nil {
		return nil
	}
	return table.Entries()
}

// StartBridge runs the resident bridge firmware.
func (l *Loader) StartBridge(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.start(ctx, ModeBridge, l.cfg.Layout.BridgeEntry, ModeBridge.String())
}

// StartIdle runs the built-in idle kernel.
func (l *Loader) StartIdle(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.start(ctx, ModeIdle, l.cfg.Layout.IdleEntry, ModeIdle.String())
}

// StartUser runs the placed image from ep. The handle must come from Find
// on the image that is currently placed.
func (l *Loader) StartUser(ctx context.Context, ep symbols.EntryPoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkEntryPoint(ep); err != nil {
		l.recordTransition(ModeUser, err)
		return err
	}
	return l.start(ctx, ModeUser, ep.Addr(), ep.Name())
}

func (l *Loader) checkEntryPoint(ep symbols.EntryPoint) error {
	l.smu.RLock()
	defer l.smu.RUnlock()

	switch {
	case ep.IsZero():
		return fault.Errorf(fault.ErrInvalidEntryPoint, "entry point was never resolved")
	case ep.Generation() != l.gen:
		return fault.Errorf(fault.ErrInvalidEntryPoint, "entry point %s is stale, current generation %d", ep, l.gen)
	case !l.placed:
		return fault.Errorf(fault.ErrInvalidEntryPoint, "entry point %s: image not placed", ep)
	}
	if _, ok := l.cfg.Layout.RegionOf(ep.Addr()); !ok {
		return fault.Errorf(fault.ErrInvalidEntryPoint, "entry point %s outside loadable regions", ep)
	}
	return nil
}

// Stop holds the coprocessor in reset. Stopping a stopped coprocessor does
// nothing. A Stop issued while a start waits for acknowledgement supersedes
// that start.
func (l *Loader) Stop(ctx context.Context) error {
	l.supersede()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.smu.RLock()
	idle := l.mode == ModeStopped && !l.faulted
	l.smu.RUnlock()
	if idle {
		return nil
	}

	err := l.halt(ctx)
	l.recordTransition(ModeStopped, err)
	if err == nil {
		l.publish(Event{Type: EventMode})
	}
	return err
}

// Mode returns the current execution mode.
func (l *Loader) Mode() Mode {
	l.smu.RLock()
	defer l.smu.RUnlock()
	return l.mode
}

// Faulted reports whether the coprocessor failed to halt and has not been
// stopped successfully since.
func (l *Loader) Faulted() bool {
	l.smu.RLock()
	defer l.smu.RUnlock()
	return l.faulted
}

// Status returns a snapshot of the loader state.
func (l *Loader) Status() Status {
	l.smu.RLock()
	defer l.smu.RUnlock()

	s := Status{
		Mode:       l.mode,
		Entry:      l.entry,
		EntryAddr:  l.entryAddr,
		Generation: l.gen,
		Placed:     l.placed,
		Faulted:    l.faulted,
		Breaker:    l.breaker.State().String(),
	}
	if l.info != nil {
		info := *l.info
		s.Image = &info
	}
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	return s
}

// Subscribe returns a stream of loader events. cancel closes the channel.
func (l *Loader) Subscribe() (<-chan Event, func()) {
	_, ch, cancel := l.events.subscribe()
	return ch, cancel
}

// start hands entry to the coprocessor. mu must be held.
func (l *Loader) start(ctx context.Context, target Mode, entry uint32, name string) error {
	err := l.transition(ctx, target, entry)
	l.recordTransition(target, err)
	if err != nil {
		l.setLastErr(err)
		l.logger.Warn("Start failed",
			zap.String("target", target.String()),
			zap.String("entry", name),
			zap.String("kind", fault.Kind(err)),
			zap.Error(err),
		)
		// A failed start always ends Stopped.
		l.publish(Event{Type: EventMode, Error: err.Error(), Kind: fault.Kind(err)})
		return err
	}

	l.smu.Lock()
	l.mode = target
	l.entry = name
	l.entryAddr = entry
	l.lastErr = nil
	l.smu.Unlock()

	l.setModeMetric(target)
	l.logger.Info("Coprocessor started",
		zap.String("mode", target.String()),
		zap.String("entry", name),
		logging.Addr("addr", entry),
	)
	l.publish(Event{Type: EventMode, Entry: name})
	return nil
}

func (l *Loader) transition(ctx context.Context, target Mode, entry uint32) error {
	l.smu.RLock()
	faulted := l.faulted
	l.smu.RUnlock()
	if faulted {
		return fault.Errorf(fault.ErrHardwareFault, "coprocessor faulted, stop it before starting %s", target)
	}

	if err := l.halt(ctx); err != nil {
		return err
	}

	cctx, cancelCause := context.WithCancelCause(ctx)
	hctx, cancel := context.WithTimeout(cctx, l.cfg.HandoffTimeout)
	defer cancel()

	l.setPending(cancelCause)
	defer l.setPending(nil)

	began := time.Now()
	err := l.breaker.Execute(func() error {
		return l.handoff(hctx, entry)
	})
	switch {
	case err == nil:
		if l.metrics != nil {
			l.metrics.RecordHandoff(target.String(), time.Since(began))
		}
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		// Never touched the hardware; the core is still held in reset.
		return fault.Errorf(fault.ErrHardwareFault, "hand-off to %s rejected: %v", target, err)
	case errors.Is(context.Cause(cctx), fault.ErrSuperseded):
		err = fault.Errorf(fault.ErrSuperseded, "start %s", target)
	}

	// Whatever went wrong, the core must not keep running.
	if herr := l.halt(context.Background()); herr != nil {
		return errors.Join(err, herr)
	}
	return err
}

// handoff sends entry through the mailbox, releases reset and waits for the
// coprocessor to take the address.
func (l *Loader) handoff(ctx context.Context, entry uint32) error {
	if err := l.mailbox.Send(entry); err != nil {
		return fault.Errorf(fault.ErrHardwareFault, "%v", err)
	}
	if err := l.dev.ReleaseReset(); err != nil {
		return fault.Errorf(fault.ErrHardwareFault, "release reset: %v", err)
	}
	if err := l.mailbox.Wait(ctx, l.cfg.Poll); err != nil {
		if errors.Is(err, fault.ErrTimeout) || errors.Is(err, context.Canceled) {
			return err
		}
		return fault.Errorf(fault.ErrHardwareFault, "%v", err)
	}
	return nil
}

// halt asserts reset, waits for the core to halt and clears the mailbox.
// It runs to completion regardless of ctx cancellation, bounded by
// HaltTimeout. mu must be held.
func (l *Loader) halt(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.HaltTimeout)
	defer cancel()

	err := l.dev.AssertReset()
	if err == nil {
		err = coproc.WaitHalted(hctx, l.dev, l.cfg.Poll)
	}
	if err != nil {
		return l.markFaulted(err)
	}
	if err := l.mailbox.Clear(); err != nil {
		return l.markFaulted(err)
	}

	l.smu.Lock()
	l.mode = ModeStopped
	l.entry = ""
	l.entryAddr = 0
	l.faulted = false
	l.smu.Unlock()

	l.setModeMetric(ModeStopped)
	return nil
}

func (l *Loader) markFaulted(cause error) error {
	err := fault.Errorf(fault.ErrHardwareFault, "coprocessor did not halt: %v", cause)

	l.smu.Lock()
	l.mode = ModeStopped
	l.entry = ""
	l.entryAddr = 0
	l.faulted = true
	l.lastErr = err
	l.smu.Unlock()

	l.setModeMetric(ModeStopped)
	if l.metrics != nil {
		l.metrics.IncHardwareFaults()
	}
	l.logger.Error("Coprocessor failed to halt", zap.Error(cause))
	l.publish(Event{Type: EventFault, Error: err.Error(), Kind: fault.Kind(err)})
	return err
}

func (l *Loader) setPending(cancel context.CancelCauseFunc) {
	l.pendingMu.Lock()
	l.pending = cancel
	l.pendingMu.Unlock()
}

func (l *Loader) supersede() {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	if l.pending != nil {
		l.pending(fault.ErrSuperseded)
	}
}

func (l *Loader) setLastErr(err error) {
	l.smu.Lock()
	l.lastErr = err
	l.smu.Unlock()
}

func (l *Loader) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	l.smu.RLock()
	ev.Mode = l.mode
	ev.Generation = l.gen
	l.smu.RUnlock()

	if dropped := l.events.publish(ev); dropped > 0 {
		l.logger.Debug("Dropped events for slow subscribers", zap.Int("dropped", dropped))
	}
}

func (l *Loader) setModeMetric(m Mode) {
	if l.metrics != nil {
		l.metrics.SetMode(m.String(), ModeNames())
	}
}

func (l *Loader) recordLoad(result string, bytes int) {
	if l.metrics != nil {
		l.metrics.RecordLoad(result, bytes)
	}
}

func (l *Loader) recordTransition(target Mode, err error) {
	if l.metrics != nil {
		l.metrics.RecordTransition(target.String(), fault.Kind(err))
	}
}
