package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
)

// ConnectionHandle is a live connection to a materialized agent.
type ConnectionHandle interface {
	// Done is closed when the connection ends on its own.
	Done() <-chan struct{}
	// Close tears the connection down.
	Close(ctx context.Context) error
}

// Materializer turns an agent definition into a running agent connection.
type Materializer interface {
	Materialize(ctx context.Context, def pool.AgentDefinition) (ConnectionHandle, error)
}

// ExecMaterializer starts Command for every agent. The definition blob is
// written to the command's stdin; AGENT_NAME and one AGENT_HINT_<KEY> per
// launch hint are added to its environment. The process lives as long as
// the agent connection.
type ExecMaterializer struct {
	Command []string
}

var _ Materializer = ExecMaterializer{}

func (m ExecMaterializer) Materialize(ctx context.Context, def pool.AgentDefinition) (ConnectionHandle, error) {
	if len(m.Command) == 0 {
		return nil, errors.New("no materialize command configured")
	}
	logger := log.FromContext(ctx).WithName("exec-materializer").WithValues("agent", def.Name)

	// The process outlives the request that triggered it.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, m.Command[0], m.Command[1:]...)
	cmd.Stdin = bytes.NewReader(def.Definition)
	cmd.Env = append(os.Environ(), "AGENT_NAME="+def.Name)
	keys := make([]string, 0, len(def.LaunchHints))
	for k := range def.LaunchHints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, "AGENT_HINT_"+envName(k)+"="+def.LaunchHints[k])
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s for agent %s: %w", m.Command[0], def.Name, err)
	}
	logger.Info("Agent process started", "pid", cmd.Process.Pid)

	h := &execHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err != nil && procCtx.Err() == nil {
			logger.Info("Agent process exited", "error", err.Error(), "stderr", strings.TrimSpace(stderr.String()))
		} else {
			logger.V(1).Info("Agent process exited")
		}
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Close(ctx context.Context) error {
	h.once.Do(h.cancel)
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
}
