package plan

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Gate verifies a plan whose tasks have all completed.
type Gate interface {
	Check(ctx context.Context, p *Plan) (*GateResult, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, p *Plan) (*GateResult, error)

func (f GateFunc) Check(ctx context.Context, p *Plan) (*GateResult, error) {
	return f(ctx, p)
}

// Command is one shell check run by CommandGate.
type Command struct {
	Name    string
	Command string
	Timeout time.Duration
}

// CommandGate runs each command with sh -c in Dir. A non-zero exit fails that check;
// every command runs even after a failure so the result lists all of them.
type CommandGate struct {
	Dir      string
	Commands []Command
	Now      func() time.Time
}

const maxDetailBytes = 4000

func (g *CommandGate) Check(ctx context.Context, _ *Plan) (*GateResult, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	result := &GateResult{Passed: true}
	for _, c := range g.Commands {
		check := g.run(ctx, c)
		if !check.Passed {
			result.Passed = false
		}
		result.Checks = append(result.Checks, check)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gate check interrupted: %w", ctx.Err())
		}
	}
	result.CheckedAt = now().UTC()
	return result, nil
}

func (g *CommandGate) run(ctx context.Context, c Command) GateCheck {
	name := c.Name
	if name == "" {
		name = c.Command
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Dir = g.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	detail := strings.TrimSpace(out.String())
	if len(detail) > maxDetailBytes {
		detail = detail[len(detail)-maxDetailBytes:]
	}
	if err != nil {
		if detail == "" {
			detail = err.Error()
		} else {
			detail = fmt.Sprintf("%s\n%s", detail, err)
		}
		return GateCheck{Name: name, Passed: false, Detail: detail}
	}
	return GateCheck{Name: name, Passed: true, Detail: detail}
}
