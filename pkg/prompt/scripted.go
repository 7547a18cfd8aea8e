package prompt

import (
	"context"
	"strings"
	"sync"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Scripted answers prompts from a fixed list, for unattended runs and tests.
// Once the list is exhausted every prompt gets the fallback answer.
type Scripted struct {
	mu       sync.Mutex
	answers  []string
	fallback string
	asked    []engine.PromptRequest
}

// NewScripted creates a scripted prompt. A fallback of "" aborts.
func NewScripted(fallback string, answers ...string) *Scripted {
	return &Scripted{answers: answers, fallback: fallback}
}

// ParseAnswers splits a comma separated answer list, e.g. "R,R,S".
func ParseAnswers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Prompt implements engine.PromptSink.
func (s *Scripted) Prompt(ctx context.Context, p engine.PromptRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, p)
	if len(s.answers) == 0 {
		return s.fallback, nil
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

// Asked returns the prompts received so far.
func (s *Scripted) Asked() []engine.PromptRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.PromptRequest, len(s.asked))
	copy(out, s.asked)
	return out
}
