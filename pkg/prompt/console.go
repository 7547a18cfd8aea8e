package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Console asks the operator on the terminal with a select form.
type Console struct {
	mu         sync.Mutex
	in         io.Reader
	out        io.Writer
	accessible bool
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithIO sets the terminal streams.
func WithIO(in io.Reader, out io.Writer) ConsoleOption {
	return func(c *Console) {
		c.in = in
		c.out = out
	}
}

// WithAccessible switches to huh's line-based accessible mode, which works
// without a TTY.
func WithAccessible(accessible bool) ConsoleOption {
	return func(c *Console) { c.accessible = accessible }
}

// NewConsole creates a console prompt on stdin/stdout.
func NewConsole(opts ...ConsoleOption) *Console {
	c := &Console{in: os.Stdin, out: os.Stdout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prompt implements engine.PromptSink. Dismissing the form answers
// engine.CancelAnswer.
func (c *Console) Prompt(ctx context.Context, p engine.PromptRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(c.out, Styles.PromptBox.Render(Styles.Title.Render(p.Operation)+"\n"+p.Message))

	options := make([]huh.Option[string], 0, len(p.Options)+1)
	for _, o := range p.Options {
		options = append(options, huh.NewOption(o, optionKey(o)))
	}
	options = append(options, huh.NewOption("Cancel", engine.CancelAnswer))

	var answer string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Choose an action").
				Options(options...).
				Value(&answer),
		),
	).
		WithInput(c.in).
		WithOutput(c.out).
		WithAccessible(c.accessible)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return engine.CancelAnswer, nil
		}
		return "", fmt.Errorf("prompt form: %w", err)
	}
	return answer, nil
}

// optionKey extracts the key of an option rendered as "K: Label".
func optionKey(option string) string {
	key, _, found := strings.Cut(option, ":")
	if !found {
		return option
	}
	return strings.TrimSpace(key)
}
