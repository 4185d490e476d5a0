package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"taskweave/internal/plan"
)

// ConsoleOperator prompts on a terminal. Answers are read on a goroutine so
// Ask honors ctx cancellation even while blocked on input. Unrecognized
// answers re-prompt instead of failing the decision.
type ConsoleOperator struct {
	in  io.Reader
	out io.Writer
}

// NewConsoleOperator reads from stdin and writes to stderr, keeping stdout
// free for machine-readable output.
func NewConsoleOperator() *ConsoleOperator {
	return &ConsoleOperator{in: os.Stdin, out: os.Stderr}
}

// NewConsoleOperatorWith uses the given streams.
func NewConsoleOperatorWith(in io.Reader, out io.Writer) *ConsoleOperator {
	return &ConsoleOperator{in: in, out: out}
}

func (c *ConsoleOperator) Ask(ctx context.Context, d *plan.Decision) (string, error) {
	fmt.Fprintf(c.out, "\nDecision needed (%s confidence), raised by %s:\n", d.Confidence, d.RaisedBy)
	fmt.Fprintf(c.out, "  %s\n", d.Question)
	if d.Context != "" {
		fmt.Fprintf(c.out, "  %s\n", d.Context)
	}
	for i, opt := range d.Options {
		marker := " "
		if opt.Value == d.Recommended {
			marker = "*"
		}
		if opt.Description != "" {
			fmt.Fprintf(c.out, "  %s %d) %s - %s\n", marker, i+1, opt.Value, opt.Description)
		} else {
			fmt.Fprintf(c.out, "  %s %d) %s\n", marker, i+1, opt.Value)
		}
	}
	if d.Reason != "" {
		fmt.Fprintf(c.out, "  recommended: %s (%s)\n", d.Recommended, d.Reason)
	}

	reader := bufio.NewReader(c.in)
	for {
		fmt.Fprintf(c.out, "Choice [enter for %s]: ", d.Recommended)
		line, err := readLine(ctx, reader)
		if err != nil {
			if err == io.EOF {
				return "", nil
			}
			return "", err
		}
		choice := resolveChoice(d, line)
		if choice == "" || len(d.Options) == 0 || optionExists(d, choice) {
			return choice, nil
		}
		fmt.Fprintf(c.out, "Unrecognized answer %q.\n", line)
	}
}

func readLine(ctx context.Context, r *bufio.Reader) (string, error) {
	type lineResult struct {
		line string
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			ch <- lineResult{err: err}
			return
		}
		ch <- lineResult{line: strings.TrimSpace(line)}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil {
			if res.err == io.EOF {
				return "", io.EOF
			}
			return "", fmt.Errorf("failed to read answer: %w", res.err)
		}
		return res.line, nil
	}
}

// resolveChoice accepts either a 1-based option number or a literal option
// value.
func resolveChoice(d *plan.Decision, line string) string {
	if line == "" {
		return ""
	}
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(d.Options) {
		return d.Options[n-1].Value
	}
	return line
}

func optionExists(d *plan.Decision, value string) bool {
	for _, opt := range d.Options {
		if opt.Value == value {
			return true
		}
	}
	return false
}
