package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd []string
	mu  sync.Mutex
}

// NewExec returns an engine that starts command once per call and speaks
// the stdio protocol with it.
func NewExec(command string) (SongAPI, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	e := &execEngine{cmd: args}
	return remote{call: e.call}, nil
}

func (e *execEngine) call(ctx context.Context, req Request) (Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}

	command := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	command.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Response{}, fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("decode engine response: %w", err)
	}
	return resp, nil
}
