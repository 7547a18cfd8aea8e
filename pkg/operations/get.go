package operations

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/verify"
)

// KindGet is the kind of telemetry read operations.
const KindGet = "get"

// Get reads one telemetry value.
type Get struct {
	name   string
	source engine.TelemetrySource
	req    engine.FetchRequest
	logger zerolog.Logger

	handle *engine.ItemHandle
}

// NewGet creates a read of name with req.
func NewGet(name string, source engine.TelemetrySource, req engine.FetchRequest, logger zerolog.Logger) *Get {
	return &Get{name: name, source: source, req: req, logger: logger}
}

// RequestFrom builds the fetch request of a read from resolved options.
func RequestFrom(o engine.Options) engine.FetchRequest {
	return engine.FetchRequest{Wait: o.Wait, Timeout: o.Timeout, Format: o.ValueFormat}
}

// Name implements engine.Operation.
func (g *Get) Name() string { return "get " + g.name }

// Kind implements engine.Operation.
func (g *Get) Kind() string { return KindGet }

// Do implements engine.Operation.
func (g *Get) Do(ctx context.Context) (engine.Outcome, error) {
	if g.handle == nil {
		h, err := verify.ResolveItem(ctx, g.source, g.name)
		if err != nil {
			return engine.Outcome{}, err
		}
		g.handle = &h
	}

	sample, err := verify.Fetch(ctx, g.source, *g.handle, g.req)
	if err != nil {
		return engine.Outcome{}, err
	}
	if !sample.Valid {
		return engine.Outcome{}, engine.NewDataError(fmt.Sprintf("invalid value %v", sample.Value), nil).
			WithCode(engine.ErrCodeInvalidValue).
			WithItem(g.name)
	}
	return engine.Outcome{Value: sample.Value, NotifyMessage: fmt.Sprintf("%s = %v", g.name, sample.Value)}, nil
}

// Repeat implements engine.Repeater.
func (g *Get) Repeat(ctx context.Context) error {
	g.logger.Info().Str("parameter", g.name).Msg("Repeating telemetry read")
	return nil
}

// Skip implements engine.Skipper; a skipped read yields no value.
func (g *Get) Skip(ctx context.Context) (any, error) {
	return nil, nil
}

// Cancel implements engine.Canceller.
func (g *Get) Cancel(ctx context.Context) (any, error) {
	return nil, nil
}

// FailureItem implements engine.FailureDescriber.
func (g *Get) FailureItem() string { return g.name }
