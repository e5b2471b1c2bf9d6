package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ExecDiagnostics captures execution details for an allowlisted command.
type ExecDiagnostics struct {
	Command  []string      `json:"command"`
	Workdir  string        `json:"workdir,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Exec runs one fixed, operator-configured command. The command is pinned
// at construction; query text never reaches the shell.
type Exec struct {
	name    string
	command []string
	workdir string
}

// NewExec creates the tool. name defaults to the command binary.
func NewExec(name string, command []string, workdir string) (*Exec, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("exec tool requires a command")
	}
	if name == "" {
		name = command[0]
	}
	return &Exec{name: name, command: command, workdir: workdir}, nil
}

func (e *Exec) Name() string { return e.name }

func (e *Exec) Invoke(ctx context.Context, _ map[string]any) (any, error) {
	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	if e.workdir != "" {
		cmd.Dir = e.workdir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("exec tool failed to run: %w", err)
		}
	}

	diag := &ExecDiagnostics{
		Command:  append([]string{}, e.command...),
		Workdir:  e.workdir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
	}
	if exitCode != 0 {
		return diag, fmt.Errorf("command exited with status %d", exitCode)
	}
	return diag, nil
}
