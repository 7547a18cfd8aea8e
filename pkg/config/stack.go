package config

import (
	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Stack holds the configured layers below the call site: global defaults,
// per-interface and per-item overrides.
type Stack struct {
	Defaults   Layer
	Interfaces map[string]Layer
	Items      map[string]Layer
}

// Layers returns the layers applying to item on iface, lowest first.
func (s *Stack) Layers(iface, item string) []Layer {
	if s == nil {
		return nil
	}
	layers := []Layer{s.Defaults}
	if l, ok := s.Interfaces[iface]; ok && iface != "" {
		layers = append(layers, l)
	}
	if l, ok := s.Items[item]; ok && item != "" {
		layers = append(layers, l)
	}
	return layers
}

// Resolve merges defaults, interface, item and call-site layers into an
// option snapshot.
func (s *Stack) Resolve(iface, item string, call Layer) (engine.Options, error) {
	return Resolve(append(s.Layers(iface, item), call)...)
}
