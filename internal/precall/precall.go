package precall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Standard variable names every call carries.
const (
	VarCallID    = "call_id"
	VarCaller    = "caller"
	VarCalled    = "called"
	VarContext   = "context"
	VarDirection = "direction"
	VarDuration  = "duration"
	VarOutcome   = "outcome"
)

type Mode string

const (
	// ModeSequential runs lookups in order; each sees the results of the previous ones.
	ModeSequential Mode = "sequential"
	// ModeParallel runs lookups concurrently against the PBX variables only.
	ModeParallel Mode = "parallel"
)

var ErrUnknownMode = errors.New("unknown pre-call mode")

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeSequential:
		return ModeSequential, nil
	case ModeParallel:
		return ModeParallel, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, raw)
}

// Lookup resolves extra variables for a call before the agent speaks.
type Lookup interface {
	Name() string
	Resolve(ctx context.Context, vars map[string]string) (map[string]string, error)
}

// Failure records a lookup that did not contribute variables.
type Failure struct {
	Lookup string `json:"lookup"`
	Error  string `json:"error"`
}

type Result struct {
	Variables map[string]string
	Failures  []Failure
	Elapsed   time.Duration
}

// Runner merges lookup results into a call's variable map. Lookup failures are
// recorded and never fail the call; PBX-supplied values are never overwritten.
type Runner struct {
	mode    Mode
	timeout time.Duration
	lookups []Lookup
	logger  *slog.Logger
}

func NewRunner(mode Mode, timeout time.Duration, logger *slog.Logger, lookups ...Lookup) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = ModeSequential
	}
	return &Runner{mode: mode, timeout: timeout, lookups: lookups, logger: logger.With("component", "precall")}
}

func (r *Runner) Mode() Mode { return r.mode }

// Run resolves all lookups within the aggregate timeout.
func (r *Runner) Run(ctx context.Context, base map[string]string) Result {
	start := time.Now()
	vars := maps.Clone(base)
	if vars == nil {
		vars = make(map[string]string)
	}
	if len(r.lookups) == 0 {
		return Result{Variables: vars}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var failures []Failure
	if r.mode == ModeParallel {
		failures = r.runParallel(ctx, base, vars)
	} else {
		failures = r.runSequential(ctx, base, vars)
	}
	for _, f := range failures {
		r.logger.Warn("pre-call lookup failed", "lookup", f.Lookup, "error", f.Error, "call_id", base[VarCallID])
	}
	return Result{Variables: vars, Failures: failures, Elapsed: time.Since(start)}
}

func (r *Runner) runSequential(ctx context.Context, base, vars map[string]string) []Failure {
	var failures []Failure
	for _, l := range r.lookups {
		if err := ctx.Err(); err != nil {
			failures = append(failures, Failure{Lookup: l.Name(), Error: err.Error()})
			continue
		}
		got, err := l.Resolve(ctx, maps.Clone(vars))
		if err != nil {
			failures = append(failures, Failure{Lookup: l.Name(), Error: err.Error()})
			continue
		}
		merge(vars, base, got)
	}
	return failures
}

func (r *Runner) runParallel(ctx context.Context, base, vars map[string]string) []Failure {
	results := make([]map[string]string, len(r.lookups))
	errs := make([]error, len(r.lookups))

	// Lookups are independent; one failing must not cancel the others, so the
	// group's derived context is not used.
	var g errgroup.Group
	for i, l := range r.lookups {
		g.Go(func() error {
			got, err := l.Resolve(ctx, maps.Clone(base))
			results[i], errs[i] = got, err
			return nil
		})
	}
	_ = g.Wait()

	var failures []Failure
	for i, l := range r.lookups {
		if errs[i] != nil {
			failures = append(failures, Failure{Lookup: l.Name(), Error: errs[i].Error()})
			continue
		}
		merge(vars, base, results[i])
	}
	return failures
}

func merge(dst, base, src map[string]string) {
	for k, v := range src {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, fromPBX := base[k]; fromPBX {
			continue
		}
		dst[k] = v
	}
}

// StaticLookup contributes a fixed set of variables.
type StaticLookup struct {
	name string
	vars map[string]string
}

func NewStaticLookup(name string, vars map[string]string) *StaticLookup {
	return &StaticLookup{name: name, vars: maps.Clone(vars)}
}

func (s *StaticLookup) Name() string { return s.name }

func (s *StaticLookup) Resolve(ctx context.Context, _ map[string]string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return maps.Clone(s.vars), nil
}

// ParseStatic reads "key=value,key2=value2".
func ParseStatic(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid variable %q (expected key=value)", part)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// Expand replaces {{name}} placeholders in text with call variables. Unknown
// placeholders are left as they are.
func Expand(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Set is a goroutine-safe variable map for one call.
type Set struct {
	mu   sync.RWMutex
	vars map[string]string
}

func NewSet(vars map[string]string) *Set {
	return &Set{vars: maps.Clone(vars)}
}

func (s *Set) Put(k, v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vars == nil {
		s.vars = make(map[string]string)
	}
	s.vars[k] = v
}

func (s *Set) Get(k string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[k]
	return v, ok
}

func (s *Set) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.vars)
}
