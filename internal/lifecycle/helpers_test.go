// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/tickhost/internal/flowbus"
	"github.com/holomush/tickhost/internal/lifecycle"
	"github.com/holomush/tickhost/internal/plugin"
	"github.com/holomush/tickhost/internal/registry"
	"github.com/holomush/tickhost/internal/tick"
)

// pluginCall prefixes the entries testPlugin records.
const pluginCall = "plugin."

// callLog records hook invocations across extensions and the plugin.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// withSuffix returns the extension calls ending in suffix, in call order,
// with the suffix stripped. The plugin's own hooks are left out.
func (l *callLog) withSuffix(suffix string) []string {
	var out []string
	for _, c := range l.all() {
		if strings.HasPrefix(c, pluginCall) {
			continue
		}
		if strings.HasSuffix(c, suffix) {
			out = append(out, strings.TrimSuffix(c, suffix))
		}
	}
	return out
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.all() {
		if c == call {
			n++
		}
	}
	return n
}

// probe is an extension implementation that supplies every hook.
type probe struct {
	name     string
	log      *callLog
	onLoad   func(ctx context.Context) error
	onEnable func(ctx context.Context) error
	onUnload func(ctx context.Context) error

	mu  sync.Mutex
	ext *lifecycle.Extension
}

func (p *probe) Attach(e *lifecycle.Extension) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ext = e
}

func (p *probe) extension() *lifecycle.Extension {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ext
}

func (p *probe) OnLoad(ctx context.Context) error {
	p.log.add(p.name + ".load")
	if p.onLoad != nil {
		return p.onLoad(ctx)
	}
	return nil
}

func (p *probe) OnEnable(ctx context.Context) error {
	p.log.add(p.name + ".enable")
	if p.onEnable != nil {
		return p.onEnable(ctx)
	}
	return nil
}

func (p *probe) OnUnload(ctx context.Context) error {
	p.log.add(p.name + ".unload")
	if p.onUnload != nil {
		return p.onUnload(ctx)
	}
	return nil
}

// descriptor builds a descriptor whose factory yields a probe.
func descriptor(log *callLog, probes map[string]*probe, name string, configure func(*probe), deps ...string) lifecycle.Descriptor {
	ids := make([]lifecycle.TypeID, 0, len(deps))
	for _, d := range deps {
		ids = append(ids, lifecycle.TypeID(d))
	}
	return lifecycle.Descriptor{
		Type:         lifecycle.TypeID(name),
		Dependencies: ids,
		Factory: func(plugin.Plugin) (any, error) {
			p := &probe{name: name, log: log}
			if configure != nil {
				configure(p)
			}
			if probes != nil {
				probes[name] = p
			}
			return p, nil
		},
	}
}

func failWith(err error) func(*probe) {
	return func(p *probe) {
		p.onLoad = func(context.Context) error { return err }
	}
}

// staticDiscovery returns fixed descriptors.
type staticDiscovery struct {
	extensions []lifecycle.Descriptor
	configs    []lifecycle.ConfigDescriptor
	err        error
}

func (d *staticDiscovery) Extensions(plugin.Plugin) ([]lifecycle.Descriptor, error) {
	return d.extensions, d.err
}

func (d *staticDiscovery) Configs(plugin.Plugin) ([]lifecycle.ConfigDescriptor, error) {
	return d.configs, nil
}

// testPlugin records its own hooks.
type testPlugin struct {
	*plugin.Base
	log       *callLog
	listeners []plugin.Listener
	metricsID int
	bindTo    string
}

func newTestPlugin(name string, log *callLog) *testPlugin {
	return &testPlugin{Base: plugin.NewBase(name, nil), log: log}
}

func (p *testPlugin) OnLoad(context.Context) error      { p.log.add("plugin.load"); return nil }
func (p *testPlugin) OnEnable(context.Context) error    { p.log.add("plugin.enable"); return nil }
func (p *testPlugin) OnAfterLoad(context.Context) error { p.log.add("plugin.afterload"); return nil }
func (p *testPlugin) OnDisable(context.Context) error   { p.log.add("plugin.disable"); return nil }
func (p *testPlugin) Listeners() []plugin.Listener      { return p.listeners }
func (p *testPlugin) MetricsID() int                    { return p.metricsID }
func (p *testPlugin) BindTo() string                    { return p.bindTo }

// listenerFunc adapts a function to plugin.Listener.
type listenerFunc func(r *flowbus.Receiver) error

func (f listenerFunc) Register(r *flowbus.Receiver) error { return f(r) }

type harness struct {
	svc      *lifecycle.Service
	reg      *registry.Registry
	bus      *flowbus.Bus
	loop     *tick.Loop
	disc     *staticDiscovery
	metrics  *lifecycle.Metrics
	promReg  *prometheus.Registry
	log      *callLog
	probes   map[string]*probe
	plugin   *testPlugin
	transits *transitionLog
}

// newHarness wires a service around a tick loop that is not running, so
// any main-thread work must be pumped by the orchestrator.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		reg:      registry.New(),
		bus:      flowbus.New(),
		loop:     tick.New(),
		disc:     &staticDiscovery{},
		promReg:  prometheus.NewRegistry(),
		log:      &callLog{},
		probes:   make(map[string]*probe),
		transits: &transitionLog{},
	}
	h.metrics = lifecycle.NewMetrics(h.promReg)
	h.svc = lifecycle.New(h.reg, h.bus, h.disc, h.loop, lifecycle.WithMetrics(h.metrics))
	lifecycle.SetHookTimeout(h.svc, 300*time.Millisecond)
	h.plugin = newTestPlugin("alpha", h.log)

	recv := flowbus.NewReceiver(h.bus)
	if err := flowbus.Subscribe(recv, flowbus.Options{SkipRetained: true}, h.transits.add); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.bus.Close)
	return h
}

func (h *harness) add(name string, configure func(*probe), deps ...string) {
	h.disc.extensions = append(h.disc.extensions, descriptor(h.log, h.probes, name, configure, deps...))
}

func (h *harness) state(t *testing.T, name string) lifecycle.State {
	t.Helper()
	e, ok := h.svc.Data(h.plugin).Extension(lifecycle.TypeID(name))
	if !ok {
		t.Fatalf("extension %s not found", name)
	}
	return e.State()
}

func (h *harness) loadAndStart(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.svc.LoadPlugin(ctx, h.plugin); err != nil {
		t.Fatal(err)
	}
	h.plugin.SetEnabled(true)
	if err := h.svc.StartPlugin(ctx, h.plugin); err != nil {
		t.Fatal(err)
	}
}

func extNames(list []*lifecycle.Extension) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.Name())
	}
	return out
}

// transitionLog collects StateChanged events.
type transitionLog struct {
	mu     sync.Mutex
	events []lifecycle.StateChanged
}

func (l *transitionLog) add(_ context.Context, ev lifecycle.StateChanged) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// path returns the states an extension moved through, in order.
func (l *transitionLog) path(name string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for _, ev := range l.events {
		if ev.Extension.Name() == name {
			out = append(out, ev.From.String()+">"+ev.To.String())
		}
	}
	return out
}
