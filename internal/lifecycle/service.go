// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lifecycle drives plugins and their extensions through load,
// enable and unload. Extensions are dependency-sorted, every hook runs
// under a fixed time bound, and a failing extension takes down only the
// extensions that depend on it.
package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/tickhost/internal/flowbus"
	"github.com/holomush/tickhost/internal/plugin"
	"github.com/holomush/tickhost/internal/registry"
	"github.com/holomush/tickhost/internal/session"
	"github.com/holomush/tickhost/pkg/errutil"
)

// HookTimeout bounds every extension hook.
const HookTimeout = 5 * time.Second

var tracer = otel.Tracer("tickhost/lifecycle")

// Host is the main thread plus its plugin-owned scheduled tasks.
// *tick.Loop implements it.
type Host interface {
	session.MainThread
	ActiveTasks(owner string) []ulid.ULID
	CancelTask(id ulid.ULID) bool
}

// Service is the lifecycle orchestrator.
//
// Operations on one plugin are serialized by a per-plugin mutex; different
// plugins may be driven concurrently.
type Service struct {
	registry    *registry.Registry
	bus         *flowbus.Bus
	discovery   Discovery
	host        Host
	metrics     *Metrics
	logger      *slog.Logger
	sessionOpts []session.Option
	hookTimeout time.Duration
	spawner     *session.Spawner

	mu      sync.Mutex
	data    map[string]*PluginData
	locks   map[string]*sync.Mutex
	started []string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithMetrics records lifecycle metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithSessionOptions configures the sessions created for plugins.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Service) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// New creates an orchestrator.
func New(reg *registry.Registry, bus *flowbus.Bus, discovery Discovery, host Host, opts ...Option) *Service {
	s := &Service{
		registry:    reg,
		bus:         bus,
		discovery:   discovery,
		host:        host,
		logger:      slog.Default(),
		hookTimeout: HookTimeout,
		spawner:     session.NewSpawner(),
		data:        make(map[string]*PluginData),
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Data returns p's cache entry, creating it on first access.
func (s *Service) Data(p plugin.Plugin) *PluginData {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.data[p.Name()]
	if !ok {
		d = &PluginData{}
		s.data[p.Name()] = d
	}
	return d
}

// Session returns p's session, creating it when p has none. It fails for
// a disabled plugin.
func (s *Service) Session(p plugin.Plugin) (*session.Session, error) {
	data := s.Data(p)

	data.mu.Lock()
	defer data.mu.Unlock()

	if data.session != nil && !data.session.Disposed() {
		return data.session, nil
	}
	sess, err := session.New(p, s.host, s.sessionOpts...)
	if err != nil {
		return nil, err
	}
	data.session = sess
	return sess, nil
}

// Loaded returns the names of started plugins in start order.
func (s *Service) Loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

// IsLoaded reports whether the named plugin has been started.
func (s *Service) IsLoaded(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsString(s.started, name)
}

// LoadPlugin registers p, runs its OnLoad hook, discovers its extensions
// and configs, and runs the LOAD sequence. Extension failures are isolated
// and logged; only plugin-level failures are returned.
func (s *Service) LoadPlugin(ctx context.Context, p plugin.Plugin) (err error) {
	unlock := s.lockPlugin(p.Name())
	defer unlock()

	ctx, span := tracer.Start(ctx, "plugin.load", trace.WithAttributes(attribute.String("plugin.name", p.Name())))
	defer func() { endSpan(span, err) }()

	key := PluginKey(p)
	if err := s.registry.Register(p, key); err != nil {
		return oops.Code("PLUGIN_LOAD_FAILED").With("plugin", p.Name()).Wrap(err)
	}

	if h, ok := p.(plugin.Loader); ok {
		if err := session.RunWithTimeout(ctx, s.spawner, 0, h.OnLoad); err != nil {
			s.registry.Unregister(key)
			return oops.Code("PLUGIN_LOAD_FAILED").With("plugin", p.Name()).With("hook", "on_load").Wrap(err)
		}
	}

	descs, err := s.discovery.Extensions(p)
	if err != nil {
		return oops.Code("PLUGIN_DISCOVERY_FAILED").With("plugin", p.Name()).Wrap(err)
	}
	configs, err := s.discovery.Configs(p)
	if err != nil {
		return oops.Code("PLUGIN_DISCOVERY_FAILED").With("plugin", p.Name()).Wrap(err)
	}

	data := s.Data(p)
	for _, c := range configs {
		if err := s.loadConfig(p, data, c); err != nil {
			return err
		}
	}

	valid := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			p.Logger().Warn("skipping invalid extension descriptor", "extension", string(d.Type), "error", err)
			continue
		}
		valid = append(valid, d)
	}
	data.addFactories(valid)

	if len(valid) > 0 {
		s.loadSequence(ctx, p, data)
	}
	p.Logger().Info("plugin loaded",
		"extensions", len(data.Loaded()),
		"failed", len(data.Failed()),
		"configs", len(configs))
	return nil
}

// StartPlugin runs p's OnEnable hook and the ENABLE sequence with
// heartbeat manipulation on, subscribes p's listeners, publishes its
// metrics and runs OnAfterLoad.
func (s *Service) StartPlugin(ctx context.Context, p plugin.Plugin) (err error) {
	unlock := s.lockPlugin(p.Name())
	defer unlock()

	ctx, span := tracer.Start(ctx, "plugin.start", trace.WithAttributes(attribute.String("plugin.name", p.Name())))
	defer func() { endSpan(span, err) }()

	sess, err := s.Session(p)
	if err != nil {
		return oops.Code("PLUGIN_START_FAILED").With("plugin", p.Name()).Wrap(err)
	}
	data := s.Data(p)

	err = sess.WithManipulatedHeartbeat(func() error {
		if h, ok := p.(plugin.Enabler); ok {
			if err := sess.RunWithTimeout(ctx, s.spawner, 0, h.OnEnable); err != nil {
				return oops.Code("PLUGIN_START_FAILED").With("plugin", p.Name()).With("hook", "on_enable").Wrap(err)
			}
		}

		s.enableSequence(ctx, data, sess)

		if err := s.registerListeners(p, data); err != nil {
			return err
		}
		if m, ok := p.(plugin.MetricsIdentified); ok && m.MetricsID() > 0 {
			id := m.MetricsID()
			data.mu.Lock()
			data.metricsID = &id
			data.mu.Unlock()
		}

		if h, ok := p.(plugin.AfterLoader); ok {
			if err := sess.RunWithTimeout(ctx, s.spawner, 0, h.OnAfterLoad); err != nil {
				return oops.Code("PLUGIN_START_FAILED").With("plugin", p.Name()).With("hook", "on_after_load").Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	first := !containsString(s.started, p.Name())
	if first {
		s.started = append(s.started, p.Name())
	}
	s.mu.Unlock()

	if first {
		data.mu.RLock()
		metricsID := data.metricsID
		data.mu.RUnlock()
		s.metrics.pluginStarted(p.Name(), metricsID)
	}

	started := PluginStarted{Plugin: p.Name()}
	for _, e := range data.Loaded() {
		started.Enabled = append(started.Enabled, e.Name())
	}
	for _, e := range data.Failed() {
		started.Failed = append(started.Failed, e.Name())
	}
	s.bus.Post(started)
	p.Logger().Info("plugin started", "enabled", len(started.Enabled), "failed", len(started.Failed))
	return nil
}

// UnloadPlugin cancels p's scheduled tasks, runs the UNLOAD sequence in
// reverse load order, runs OnDisable and drops everything held for p.
func (s *Service) UnloadPlugin(ctx context.Context, p plugin.Plugin) (err error) {
	unlock := s.lockPlugin(p.Name())
	defer unlock()

	ctx, span := tracer.Start(ctx, "plugin.unload", trace.WithAttributes(attribute.String("plugin.name", p.Name())))
	defer func() { endSpan(span, err) }()

	logger := p.Logger()
	cancelled := 0
	for _, id := range s.host.ActiveTasks(p.Name()) {
		if s.host.CancelTask(id) {
			cancelled++
		}
	}
	if cancelled > 0 {
		logger.Debug("cancelled scheduled tasks", "count", cancelled)
	}

	s.mu.Lock()
	data, hasData := s.data[p.Name()]
	s.mu.Unlock()

	var sess *session.Session
	if hasData {
		sess = data.currentSession()
		if len(data.Loaded()) > 0 {
			s.unloadSequence(ctx, data, sess)
		}
	}

	if h, ok := p.(plugin.Disabler); ok {
		if hookErr := session.RunWithTimeout(ctx, s.spawner, 0, h.OnDisable); hookErr != nil {
			err = oops.Code("PLUGIN_UNLOAD_FAILED").With("plugin", p.Name()).With("hook", "on_disable").Wrap(hookErr)
			errutil.LogError(logger, "plugin disable hook failed", err)
		}
	}

	var metricsID *int
	if hasData {
		data.mu.Lock()
		recv, configs := data.receiver, data.configs
		metricsID = data.metricsID
		data.receiver, data.configs, data.session = nil, nil, nil
		data.mu.Unlock()

		if recv != nil {
			recv.Close()
		}
		for _, k := range configs {
			s.registry.Unregister(k)
		}
		if sess != nil {
			sess.Dispose()
		}
	}
	s.registry.Unregister(PluginKey(p))

	s.mu.Lock()
	wasStarted := containsString(s.started, p.Name())
	s.started = removeString(s.started, p.Name())
	delete(s.data, p.Name())
	s.mu.Unlock()

	s.metrics.pluginUnloaded(p.Name(), metricsID, wasStarted)
	s.bus.Post(PluginUnloaded{Plugin: p.Name()})
	logger.Info("plugin unloaded")
	return err
}

func (s *Service) loadConfig(p plugin.Plugin, data *PluginData, c ConfigDescriptor) error {
	if c.Load == nil {
		return oops.Code("PLUGIN_CONFIG_FAILED").With("plugin", p.Name()).With("config", c.Name).Errorf("config loader is required")
	}
	v, err := c.Load()
	if err != nil {
		return oops.Code("PLUGIN_CONFIG_FAILED").With("plugin", p.Name()).With("config", c.Name).Wrap(err)
	}
	key := ConfigKey(p.Name(), c.Name)
	if err := s.registry.Register(v, key); err != nil {
		return oops.Code("PLUGIN_CONFIG_FAILED").With("plugin", p.Name()).With("config", c.Name).Wrap(err)
	}
	data.addConfig(key)
	return nil
}

func (s *Service) registerListeners(p plugin.Plugin, data *PluginData) error {
	lp, ok := p.(plugin.ListenerProvider)
	if !ok {
		return nil
	}

	recv := flowbus.NewReceiver(s.bus)
	for _, l := range lp.Listeners() {
		if err := l.Register(recv); err != nil {
			recv.Close()
			return oops.Code("PLUGIN_LISTENER_FAILED").With("plugin", p.Name()).Wrap(err)
		}
	}

	data.mu.Lock()
	old := data.receiver
	data.receiver = recv
	data.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// loadSequence instantiates pending factories and loads them in
// dependency order.
func (s *Service) loadSequence(ctx context.Context, p plugin.Plugin, data *PluginData) {
	var fresh []*Extension
	for _, d := range data.takeFactories() {
		fresh = append(fresh, newExtension(p, d, s.bus))
	}
	order := Sort(append(data.Loaded(), fresh...))

	for _, e := range order {
		if e.State() != StateUnloaded {
			continue
		}
		if e.buildErr != nil {
			s.fail(data, order, e, PhaseLoad, e.buildErr)
			continue
		}
		if err := s.registry.Register(e.impl, e.BindTarget()); err != nil {
			s.fail(data, order, e, PhaseLoad, err)
			continue
		}

		s.transition(e, StateLoading)
		if err := s.runHook(ctx, nil, e, PhaseLoad); err != nil {
			s.fail(data, order, e, PhaseLoad, err)
			continue
		}
		s.transition(e, StateLoaded)
		data.markLoaded(e)
	}
}

func (s *Service) enableSequence(ctx context.Context, data *PluginData, sess *session.Session) {
	order := Sort(data.Loaded())

	for _, e := range order {
		if e.State() != StateLoaded {
			continue
		}
		if !s.registry.Bound(e.BindTarget(), e.impl) {
			if err := s.registry.Register(e.impl, e.BindTarget()); err != nil {
				s.fail(data, order, e, PhaseEnable, err)
				continue
			}
		}
		if err := e.attach(sess); err != nil {
			s.fail(data, order, e, PhaseEnable, err)
			continue
		}

		s.transition(e, StateEnabling)
		if err := s.runHook(ctx, sess, e, PhaseEnable); err != nil {
			s.fail(data, order, e, PhaseEnable, err)
			continue
		}
		s.transition(e, StateEnabled)
	}
}

// unloadSequence walks the loaded list backwards. Failures are logged and
// never cascade.
func (s *Service) unloadSequence(ctx context.Context, data *PluginData, sess *session.Session) {
	loaded := data.Loaded()
	for i := len(loaded) - 1; i >= 0; i-- {
		e := loaded[i]
		if e.State().Failed() {
			continue
		}

		s.transition(e, StateUnloading)
		if err := s.runHook(ctx, sess, e, PhaseUnload); err != nil {
			s.logFailure(e, PhaseUnload, err, nil)
			s.transition(e, StateFailedUnloading)
		} else {
			s.transition(e, StateUnloaded)
		}

		s.unbind(e)
		e.detach()
		closeImpl(e)
		data.markUnloaded(e)
	}
}

// runHook invokes the phase hook under the fixed bound. Implementations
// without the hook are skipped without scheduling anything.
func (s *Service) runHook(ctx context.Context, sess *session.Session, e *Extension, phase Phase) (err error) {
	hook := e.hook(phase)
	if hook == nil {
		return nil
	}

	ctx, span := tracer.Start(ctx, "extension."+string(phase), trace.WithAttributes(
		attribute.String("plugin.name", e.plugin.Name()),
		attribute.String("extension.name", e.Name()),
	))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	if sess != nil && !sess.Disposed() {
		err = sess.RunWithTimeout(ctx, s.spawner, s.hookTimeout, hook)
	} else {
		err = session.RunWithTimeout(ctx, s.spawner, s.hookTimeout, hook)
	}
	s.metrics.hook(phase, time.Since(start), err)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrTimeout):
		return oops.Code("EXTENSION_HOOK_TIMEOUT").
			With("plugin", e.plugin.Name()).
			With("extension", e.Name()).
			With("phase", string(phase)).
			Wrap(err)
	default:
		return oops.Code("EXTENSION_HOOK_FAILED").
			With("plugin", e.plugin.Name()).
			With("extension", e.Name()).
			With("phase", string(phase)).
			Wrap(err)
	}
}

// fail marks e failed and cascades FAILED_DEPENDENCIES to everything in
// order that depends on it, without calling their hooks.
func (s *Service) fail(data *PluginData, order []*Extension, e *Extension, phase Phase, cause error) {
	s.transition(e, phase.failed())
	s.unbind(e)
	e.detach()
	closeImpl(e)
	data.markFailed(e)

	var dependents []*Extension
	for _, d := range dependentsOf(e, order) {
		if !d.State().Failed() {
			dependents = append(dependents, d)
		}
	}
	names := make([]string, 0, len(dependents))
	for _, d := range dependents {
		names = append(names, d.Name())
	}

	s.logFailure(e, phase, cause, names)

	for _, d := range dependents {
		s.transition(d, StateFailedDependencies)
		s.unbind(d)
		d.detach()
		closeImpl(d)
		data.markFailed(d)
	}
	s.metrics.cascade(phase, len(dependents))
	if len(dependents) > 0 {
		e.plugin.Logger().Error("dependent extensions will not load",
			"extension", e.Name(),
			"phase", string(phase),
			"dependents", names)
	}
}

func (s *Service) logFailure(e *Extension, phase Phase, err error, dependents []string) {
	logger := e.plugin.Logger()
	attrs := []any{"extension", e.Name(), "phase", string(phase)}
	if len(dependents) > 0 {
		attrs = append(attrs, "dependents", dependents)
	}

	if errors.Is(err, session.ErrTimeout) {
		attrs = append(attrs, "timeout", s.hookTimeout.String())
		logger.Warn("extension hook timed out", attrs...)
		return
	}
	errutil.LogError(logger, "extension hook failed", err, attrs...)
}

func (s *Service) transition(e *Extension, to State) {
	e.transition(to)
	s.metrics.transition(e.plugin.Name(), to)
}

func (s *Service) unbind(e *Extension) {
	if e.impl != nil && s.registry.Bound(e.BindTarget(), e.impl) {
		s.registry.Unregister(e.BindTarget())
	}
}

// closeImpl releases implementations holding resources once they leave
// the loaded list.
func closeImpl(e *Extension) {
	c, ok := e.impl.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		errutil.LogError(e.plugin.Logger(), "extension close failed", err, "extension", e.Name())
	}
}

func (s *Service) lockPlugin(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
