package sim

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Simulator serves a Scenario as a telemetry source and command sender.
type Simulator struct {
	mu       sync.Mutex
	params   map[string]*param
	commands map[string]*command
	sent     []engine.Command
	logger   zerolog.Logger
}

type param struct {
	name   string
	iface  string
	values []any
	raw    []any
	period time.Duration
	loop   bool
	index  int

	invalid map[int]bool
	updated time.Time

	// changed is closed and replaced whenever a new sample is published.
	changed chan struct{}
}

type command struct {
	spec  CommandSpec
	sends int
}

// New creates a simulator for sc.
func New(sc *Scenario, logger zerolog.Logger) *Simulator {
	s := &Simulator{
		params:   make(map[string]*param, len(sc.Parameters)),
		commands: make(map[string]*command, len(sc.Commands)),
		logger:   logger.With().Str("component", "sim").Str("scenario", sc.Name).Logger(),
	}
	now := time.Now()
	for _, p := range sc.Parameters {
		iface := p.Interface
		if iface == "" {
			iface = DefaultInterface
		}
		period := p.Period
		if period == 0 {
			period = sc.Period
		}
		invalid := make(map[int]bool, len(p.Invalid))
		for _, i := range p.Invalid {
			invalid[i] = true
		}
		s.params[p.Name] = &param{
			name:    p.Name,
			iface:   iface,
			values:  slices.Clone(p.Values),
			raw:     slices.Clone(p.Raw),
			period:  period,
			loop:    p.Loop,
			invalid: invalid,
			updated: now,
			changed: make(chan struct{}),
		}
	}
	for _, c := range sc.Commands {
		s.commands[c.Name] = &command{spec: c}
	}
	return s
}

// Run advances timed parameters until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	for _, p := range s.params {
		if p.period <= 0 {
			continue
		}
		name, period := p.name, p.period
		g.Go(func() error {
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := s.Advance(name); err != nil {
						return err
					}
				}
			}
		})
	}
	s.mu.Unlock()
	return g.Wait()
}

// Advance publishes the next sample of name.
func (s *Simulator) Advance(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.params[name]
	if !ok {
		return unknownItem(name)
	}
	p.advance()
	return nil
}

// Set replaces the samples of name with the single value v and publishes it.
func (s *Simulator) Set(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.params[name]
	if !ok {
		return unknownItem(name)
	}
	p.set(v)
	return nil
}

// Sent returns the accepted commands in order.
func (s *Simulator) Sent() []engine.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

// Resolve implements engine.TelemetrySource.
func (s *Simulator) Resolve(ctx context.Context, name string) (engine.ItemHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.params[name]
	if !ok {
		return engine.ItemHandle{}, unknownItem(name)
	}
	return engine.ItemHandle{Name: p.name, Interface: p.iface}, nil
}

// Fetch implements engine.TelemetrySource. A waiting fetch of a timed
// parameter blocks until the next sample is published or ctx is done.
// Polled parameters return the current sample and move on.
func (s *Simulator) Fetch(ctx context.Context, h engine.ItemHandle, req engine.FetchRequest) (engine.Sample, error) {
	s.mu.Lock()
	p, ok := s.params[h.Name]
	if !ok {
		s.mu.Unlock()
		return engine.Sample{}, unknownItem(h.Name)
	}

	if req.Wait && p.period > 0 {
		changed := p.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return engine.Sample{}, ctx.Err()
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	sample := p.sample(req.Format)
	if p.period <= 0 {
		p.advance()
	}
	return sample, nil
}

// Send implements engine.CommandSender.
func (s *Simulator) Send(ctx context.Context, cmd engine.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[cmd.Name]
	if !ok {
		return engine.NewSyntaxError("unknown command", nil).
			WithCode(engine.ErrCodeUnknownItem).
			WithItem(cmd.Name)
	}
	// resolve every effect first so a bad argument leaves no partial state
	targets := slices.Sorted(maps.Keys(c.spec.Effects))
	values := make([]any, len(targets))
	for i, target := range targets {
		v := c.spec.Effects[target]
		if ref, ok := v.(string); ok && strings.HasPrefix(ref, "$") {
			arg, found := cmd.Args[ref[1:]]
			if !found {
				return engine.NewSyntaxError(fmt.Sprintf("missing argument %s", ref[1:]), nil).
					WithCode(engine.ErrCodeArguments).
					WithItem(cmd.Name)
			}
			v = arg
		}
		values[i] = v
	}

	c.sends++
	if c.sends <= c.spec.FailFirst {
		s.logger.Debug().Str("command", cmd.Name).Int("send", c.sends).Msg("Rejecting command")
		return engine.NewOperationError(fmt.Sprintf("command rejected (%d/%d)", c.sends, c.spec.FailFirst), nil).
			WithCode(engine.ErrCodeCommandRejected).
			WithItem(cmd.Name)
	}

	for i, target := range targets {
		s.params[target].set(values[i])
	}
	s.sent = append(s.sent, cmd)
	s.logger.Info().Str("command", cmd.Name).Int("effects", len(c.spec.Effects)).Msg("Command accepted")
	return nil
}

func (p *param) sample(format engine.ValueFormat) engine.Sample {
	v := p.values[p.index]
	if format == engine.FormatRaw && len(p.raw) > 0 {
		v = p.raw[p.index]
	}
	return engine.Sample{Value: v, Valid: !p.invalid[p.index], Time: p.updated}
}

func (p *param) advance() {
	switch {
	case p.index < len(p.values)-1:
		p.index++
	case p.loop:
		p.index = 0
	}
	p.publish()
}

func (p *param) set(v any) {
	p.values = []any{v}
	p.raw = nil
	p.index = 0
	p.loop = false
	p.invalid = nil
	p.publish()
}

func (p *param) publish() {
	p.updated = time.Now()
	close(p.changed)
	p.changed = make(chan struct{})
}

func unknownItem(name string) error {
	return engine.NewSyntaxError("unknown telemetry item", nil).
		WithCode(engine.ErrCodeUnknownItem).
		WithItem(name)
}
