// Package session programs a set of counters on one core from a config.Config
// and drives them as a group.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/pmc/internal/config"
	"github.com/tinyrange/pmc/internal/events"
	"github.com/tinyrange/pmc/internal/hw"
	"github.com/tinyrange/pmc/internal/hw/host"
	"github.com/tinyrange/pmc/internal/pmu"
	"github.com/tinyrange/pmc/internal/regtrace"
)

var ErrNoPerfMonitoring = errors.New("session: cpu reports no architectural performance monitoring")

// Counter is one configured counter.
type Counter struct {
	Name  string
	Event pmu.EventDescriptor
	*pmu.Counter
}

// Skipped is a configured counter that was not programmed because another
// owner already uses its slot.
type Skipped struct {
	Name string
	Slot pmu.Slot
}

// Reading is one counter value.
type Reading struct {
	Name       string
	Slot       pmu.Slot
	Value      uint64
	Overflowed bool
}

// SampleFunc is called from HandleInterrupt for every sampling counter that
// overflowed.
type SampleFunc func(name string, c *pmu.Counter)

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCatalog merges extra events over the architectural ones and any
// catalog named by the config.
func WithCatalog(c *events.Catalog) Option {
	return func(s *Session) { s.extra = c }
}

func WithSampleFunc(fn SampleFunc) Option {
	return func(s *Session) { s.onSample = fn }
}

// Session owns the controller of one core and the counters programmed on it.
type Session struct {
	cfg      config.Config
	caps     pmu.Capabilities
	ctrl     *pmu.GlobalController
	dispatch *pmu.Dispatcher
	catalog  *events.Catalog

	counters []*Counter
	skipped  []Skipped

	logger   *slog.Logger
	extra    *events.Catalog
	onSample SampleFunc
	closers  []io.Closer
}

// apicLocator is implemented by platforms that know where the local APIC of
// their core is mapped.
type apicLocator interface {
	APICBase() uint64
}

type unwrapper interface {
	Unwrap() hw.Platform
}

func apicBase(p hw.Platform) (uint64, bool) {
	for p != nil {
		if l, ok := p.(apicLocator); ok {
			return l.APICBase(), true
		}
		u, ok := p.(unwrapper)
		if !ok {
			break
		}
		p = u.Unwrap()
	}
	return 0, false
}

// New discovers the PMU through platform and programs every counter in cfg
// without starting it. cfg must already be normalized, as config.Load does.
// CPUID must execute on the configured core; callers pin beforehand.
func New(cfg config.Config, platform hw.Platform, opts ...Option) (*Session, error) {
	s := &Session{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	caps, err := pmu.Discover(platform, platform)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	if caps.Version == 0 {
		return nil, ErrNoPerfMonitoring
	}
	s.caps = caps
	s.logger.Info("performance monitoring discovered", "cpu", cfg.CPU, "caps", caps.String())

	ctrlOpts := []pmu.ControllerOption{pmu.WithLogger(s.logger)}
	if cfg.LAPICBase != 0 {
		ctrlOpts = append(ctrlOpts, pmu.WithLocalAPICBase(cfg.LAPICBase))
	} else if base, ok := apicBase(platform); ok {
		ctrlOpts = append(ctrlOpts, pmu.WithLocalAPICBase(base))
	}
	s.ctrl = pmu.NewGlobalController(caps, platform, ctrlOpts...)
	s.dispatch = pmu.NewDispatcher(s.ctrl)

	s.catalog = events.Architectural(caps)
	if cfg.Catalog != "" {
		extra, err := events.Load(cfg.Catalog)
		if err != nil {
			return nil, err
		}
		s.catalog.Merge(extra)
	}
	if s.extra != nil {
		s.catalog.Merge(s.extra)
	}

	if err := s.ctrl.RouteInterrupt(cfg.InterruptVector); err != nil {
		return nil, err
	}

	for _, cc := range cfg.Counters {
		c, err := s.program(cc)
		if errors.Is(err, pmu.ErrCounterInUse) {
			s.logger.Warn("counter already in use, skipping", "counter", cc.Name, "slot", c.Slot().String())
			s.skipped = append(s.skipped, Skipped{Name: cc.Name, Slot: c.Slot()})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("counter %q: %w", cc.Name, err)
		}
		s.counters = append(s.counters, c)
	}
	return s, nil
}

// program builds cc and loads its initial value. Nothing is written to the
// slot until it is known to be free and not claimed by an earlier counter.
func (s *Session) program(cc config.Counter) (*Counter, error) {
	desc, err := s.catalog.Lookup(cc.Event)
	if err != nil {
		return nil, err
	}

	c := &Counter{Name: cc.Name, Event: desc, Counter: pmu.NewCounter(s.ctrl)}
	if err := c.BuildFromEvent(desc, cc.Index); err != nil {
		return nil, err
	}
	for _, other := range s.counters {
		if other.Slot() == c.Slot() {
			return nil, fmt.Errorf("%s already assigned to %q", c.Slot(), other.Name)
		}
	}
	used, err := c.IsInUse()
	if err != nil {
		return nil, err
	}
	if used {
		return c, pmu.ErrCounterInUse
	}

	if cc.ExcludeKernel {
		c.ExcludeKernel()
	}
	if cc.ExcludeUser {
		c.ExcludeUser()
	}
	if cc.NoInterrupt {
		c.DisableInterrupt()
	}
	if err := c.Reset(); err != nil {
		return nil, err
	}

	if cc.SamplePeriod != 0 {
		name := cc.Name
		err := s.dispatch.Register(c.Counter, cc.SamplePeriod, func(pc *pmu.Counter) {
			if s.onSample != nil {
				s.onSample(name, pc)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Capabilities returns what discovery found.
func (s *Session) Capabilities() pmu.Capabilities { return s.caps }

// Controller returns the core's global controller.
func (s *Session) Controller() *pmu.GlobalController { return s.ctrl }

// Counters returns the programmed counters in config order.
func (s *Session) Counters() []*Counter { return s.counters }

// Skipped returns counters left unprogrammed because their slot was busy.
func (s *Session) Skipped() []Skipped { return s.skipped }

// Counter returns the programmed counter called name.
func (s *Session) Counter(name string) (*Counter, bool) {
	for _, c := range s.counters {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// StartAll starts every counter. If one fails, those already started are
// stopped again.
func (s *Session) StartAll() error {
	for i, c := range s.counters {
		if err := c.Start(); err != nil {
			for _, started := range s.counters[:i] {
				if serr := started.Stop(); serr != nil {
					s.logger.Warn("stop after failed start", "counter", started.Name, "error", serr)
				}
			}
			return fmt.Errorf("start %q: %w", c.Name, err)
		}
	}
	return nil
}

// StopAll stops every running counter.
func (s *Session) StopAll() error {
	var errs []error
	for _, c := range s.counters {
		if !c.Running() {
			continue
		}
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %q: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ReadAll reads every counter. Overflow is only reported on PMUs with global
// status.
func (s *Session) ReadAll() ([]Reading, error) {
	out := make([]Reading, 0, len(s.counters))
	for _, c := range s.counters {
		v, err := c.Read()
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", c.Name, err)
		}
		r := Reading{Name: c.Name, Slot: c.Slot(), Value: v}
		if s.caps.HasGlobalControl() {
			if r.Overflowed, err = c.CheckOverflow(); err != nil {
				return nil, fmt.Errorf("read %q: %w", c.Name, err)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// HandleInterrupt services one performance-monitor interrupt.
func (s *Session) HandleInterrupt() (pmu.Slot, error) {
	return s.dispatch.HandleInterrupt()
}

// Close stops every counter and releases whatever Open acquired.
func (s *Session) Close() error {
	errs := []error{s.StopAll()}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// Open opens the host backend for cfg.CPU, optionally tracing register
// accesses to cfg.Trace, and builds a session on it.
func Open(cfg config.Config, opts ...Option) (*Session, error) {
	logger := slog.Default()
	probe := &Session{logger: logger}
	for _, opt := range opts {
		opt(probe)
	}
	logger = probe.logger

	hp, err := host.Open(host.Options{
		CPU:       cfg.CPU,
		MSRDevice: cfg.MSRDevice,
		MemDevice: cfg.MemDevice,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{hp}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}

	var platform hw.Platform = hp
	if cfg.Trace != "" {
		log, err := regtrace.Create(cfg.Trace)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("create trace: %w", err)
		}
		closers = append(closers, log)
		traced := regtrace.Wrap(hp, log, fmt.Sprintf("cpu%d", cfg.CPU))
		traced.SetLogger(logger)
		platform = traced
	}

	unpin, err := hp.Pin()
	if err != nil {
		closeAll()
		return nil, err
	}
	s, err := New(cfg, platform, opts...)
	unpin()
	if err != nil {
		closeAll()
		return nil, err
	}
	s.closers = closers
	return s, nil
}
