// Package sandbox runs user strategy scripts in isolated JavaScript runtimes.
// Each script owns a goja runtime driven by one event loop goroutine and can
// only reach the host through the functions its grants install.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/infra/telemetry"
	"github.com/coachpo/venuekit/internal/observability"
)

// Options configures a Sandbox.
type Options struct {
	Host             Host
	DefaultCallRate  float64
	DefaultCallBurst int
	FaultBuffer      int
	UnloadTimeout    time.Duration
}

// ScriptSpec describes a script to load. Either Source or Compiled must be set.
type ScriptSpec struct {
	Name      string
	Source    string
	Compiled  *Source
	Grants    Grants
	CallRate  float64
	CallBurst int
	Config    map[string]any
}

// Fault reports a script that was terminated by the sandbox.
type Fault struct {
	Script string
	RunID  string
	Err    error
	At     time.Time
}

// Info describes a loaded script.
type Info struct {
	Name     string
	RunID    string
	Hash     string
	Grants   Grants
	LoadedAt time.Time
}

// Sandbox owns the set of loaded scripts.
type Sandbox struct {
	opts Options

	mu      sync.Mutex
	scripts map[string]*scriptContext
	infos   map[string]Info
	closed  bool

	faults chan Fault

	hostCalls metric.Int64Counter
	faulted   metric.Int64Counter
}

// New constructs a sandbox bound to host.
func New(opts Options) (*Sandbox, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("sandbox: host required")
	}
	if opts.DefaultCallRate <= 0 {
		opts.DefaultCallRate = 10
	}
	if opts.DefaultCallBurst <= 0 {
		opts.DefaultCallBurst = 20
	}
	if opts.FaultBuffer <= 0 {
		opts.FaultBuffer = 64
	}
	if opts.UnloadTimeout <= 0 {
		opts.UnloadTimeout = 5 * time.Second
	}
	s := &Sandbox{
		opts:    opts,
		scripts: make(map[string]*scriptContext),
		infos:   make(map[string]Info),
		faults:  make(chan Fault, opts.FaultBuffer),
	}
	meter := otel.Meter("sandbox")
	s.hostCalls, _ = meter.Int64Counter("sandbox.host_calls",
		metric.WithDescription("Host functions invoked by scripts"),
		metric.WithUnit("{call}"))
	s.faulted, _ = meter.Int64Counter("sandbox.faults",
		metric.WithDescription("Scripts terminated after a fault"),
		metric.WithUnit("{fault}"))
	return s, nil
}

// Faults delivers terminated scripts. The channel is closed by Close.
// Faults are dropped when the buffer is full.
func (s *Sandbox) Faults() <-chan Fault {
	return s.faults
}

// Load compiles and starts a script, running its module body and calling
// main(host, config). Load returns once main has been invoked; errors thrown
// synchronously by the module body or main fail the load.
func (s *Sandbox) Load(ctx context.Context, spec ScriptSpec) (Info, error) {
	name := strings.ToLower(strings.TrimSpace(spec.Name))
	if name == "" && spec.Compiled != nil {
		name = spec.Compiled.Name
	}
	if name == "" {
		return Info{}, errs.New("", errs.CodeInvalid, errs.WithMessage("script name required"))
	}
	src := spec.Compiled
	if src == nil {
		var err error
		src, err = Compile(name, spec.Source)
		if err != nil {
			return Info{}, errs.New("", errs.CodeInvalid, errs.WithScript(name), errs.WithMessage(err.Error()), errs.WithCause(err))
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Info{}, errs.New("", errs.CodeInvalid, errs.WithScript(name), errs.WithMessage("sandbox closed"))
	}
	if _, exists := s.scripts[name]; exists {
		s.mu.Unlock()
		return Info{}, errs.New("", errs.CodeInvalid, errs.WithScript(name), errs.WithMessage("script already loaded"))
	}
	callRate, callBurst := spec.CallRate, spec.CallBurst
	if callRate <= 0 {
		callRate = s.opts.DefaultCallRate
	}
	if callBurst <= 0 {
		callBurst = s.opts.DefaultCallBurst
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sc := &scriptContext{
		name:    name,
		runID:   uuid.NewString(),
		sandbox: s,
		host:    s.opts.Host,
		grants:  spec.Grants,
		limiter: rate.NewLimiter(rate.Limit(callRate), callBurst),
		rt:      goja.New(),
		ctx:     runCtx,
		cancel:  cancel,
		queue:   make(chan func(), queueSize),
		done:    make(chan struct{}),

		unhandled: make(map[*goja.Promise]struct{}),
	}
	sc.rt.SetPromiseRejectionTracker(sc.trackRejection)
	info := Info{Name: name, RunID: sc.runID, Hash: src.Hash, Grants: spec.Grants, LoadedAt: time.Now().UTC()}
	s.scripts[name] = sc
	s.infos[name] = info
	s.mu.Unlock()

	go sc.loop()

	started := make(chan error, 1)
	if !sc.enqueue(func() { started <- sc.start(src, spec.Config) }) {
		started <- context.Canceled
	}
	var err error
	select {
	case err = <-started:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = s.unload(name)
		if errs.CodeOf(err) == "" {
			err = errs.New("", errs.CodeScriptFault, errs.WithScript(name), errs.WithMessage(err.Error()), errs.WithCause(err))
		}
		return Info{}, err
	}
	observability.Log().Info("script loaded",
		observability.Field{Key: "script", Value: name},
		observability.Field{Key: "run_id", Value: sc.runID},
		observability.Field{Key: "hash", Value: src.Hash})
	return info, nil
}

// start runs on the script loop.
func (c *scriptContext) start(src *Source, config map[string]any) error {
	exports, err := runModule(c.rt, src.Program, c.name)
	if err != nil {
		return err
	}
	c.exports = exports
	main, ok := c.export("main")
	if !ok {
		return errs.New("", errs.CodeInvalid, errs.WithScript(c.name), errs.WithMessage("main function required"))
	}
	cfg, err := toJSON(config)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if _, err := main(goja.Undefined(), c.hostObject(), c.rt.ToValue(cfg)); err != nil {
		return err
	}
	return c.checkRejections()
}

// Unload stops a script. Busy scripts are interrupted.
func (s *Sandbox) Unload(name string) error {
	return s.unload(strings.ToLower(strings.TrimSpace(name)))
}

func (s *Sandbox) unload(name string) error {
	s.mu.Lock()
	sc, ok := s.scripts[name]
	if ok {
		delete(s.scripts, name)
		delete(s.infos, name)
	}
	s.mu.Unlock()
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithScript(name), errs.WithMessage("script not loaded"))
	}
	sc.stop()
	return sc.wait(s.opts.UnloadTimeout)
}

func (c *scriptContext) stop() {
	c.cancel()
	c.rt.Interrupt(errScriptUnloaded)
}

var errScriptUnloaded = errors.New("script unloaded")

func (c *scriptContext) wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		return errs.New("", errs.CodeScriptFault, errs.WithScript(c.name), errs.WithMessage("script did not stop in time"))
	}
	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-timer.C:
		return errs.New("", errs.CodeScriptFault, errs.WithScript(c.name), errs.WithMessage("host calls did not stop in time"))
	}
}

// report removes a faulted script and publishes the fault.
func (s *Sandbox) report(c *scriptContext, err error) {
	s.faulted.Add(context.Background(), 1, metric.WithAttributes(telemetry.ScriptAttributes(c.name, "")...))
	observability.Log().Error("script fault",
		observability.Field{Key: "script", Value: c.name},
		observability.Field{Key: "run_id", Value: c.runID},
		observability.Err(err))

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.scripts[c.name]; ok && cur == c {
		delete(s.scripts, c.name)
		delete(s.infos, c.name)
	}
	if s.closed {
		return
	}
	select {
	case s.faults <- Fault{Script: c.name, RunID: c.runID, Err: err, At: time.Now().UTC()}:
	default:
	}
}

// Scripts lists loaded scripts by name.
func (s *Sandbox) Scripts() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.infos))
	for _, info := range s.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close unloads every script and closes the fault channel.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	names := make([]string, 0, len(s.scripts))
	for name := range s.scripts {
		names = append(names, name)
	}
	s.mu.Unlock()

	var failures []error
	for _, name := range names {
		if err := s.unload(name); err != nil && !errs.Is(err, errs.CodeNotFound) {
			failures = append(failures, err)
		}
	}
	s.mu.Lock()
	close(s.faults)
	s.mu.Unlock()
	return observability.AggregateErrors("sandbox close", failures)
}
