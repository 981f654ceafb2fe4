package payload

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"supertask/internal/job"
	logx "supertask/pkg/logx"

	"github.com/stretchr/testify/require"
)

func TestRegisteredTask(t *testing.T) {
	r := NewRegistry(logx.Nop())
	var got Call
	r.Register("report", func(_ context.Context, c Call) error {
		got = c
		return nil
	})

	def := job.Definition{ID: "1", Payload: "task:report weekly  "}
	require.NoError(t, r.Execute(context.Background(), def))
	require.Equal(t, "weekly", got.Args)
	require.Equal(t, "1", got.Def.ID)

	got = Call{}
	require.NoError(t, r.Execute(context.Background(), job.Definition{ID: "2", Payload: "report"}))
	require.Equal(t, "2", got.Def.ID)

	require.Equal(t, []string{"noop", "report", "sleep"}, r.Names())
}

func TestUnknownExplicitTaskFails(t *testing.T) {
	r := NewRegistry(logx.Nop())
	err := r.Execute(context.Background(), job.Definition{ID: "1", Payload: "task:missing"})
	require.ErrorContains(t, err, `unknown task "missing"`)
}

func TestDefaultHandlerLogsPayload(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(logx.NewWriter(&buf, "info"))
	require.NoError(t, r.Execute(context.Background(), job.Definition{ID: "42", Payload: "print hello"}))
	require.Contains(t, buf.String(), "running job")
	require.Contains(t, buf.String(), "print hello")
}

func TestShellPayload(t *testing.T) {
	r := NewRegistry(logx.Nop())
	var cmds []string
	r.Shell = func(_ context.Context, command string) ([]byte, error) {
		cmds = append(cmds, command)
		if command == "false" {
			return nil, errors.New("exit status 1")
		}
		return []byte("ok\n"), nil
	}
	require.NoError(t, r.Execute(context.Background(), job.Definition{ID: "1", Payload: "exec: echo ok"}))
	require.Error(t, r.Execute(context.Background(), job.Definition{ID: "1", Payload: "sh:false"}))
	require.Error(t, r.Execute(context.Background(), job.Definition{ID: "1", Payload: "exec:   "}))
	require.Equal(t, []string{"echo ok", "false"}, cmds)
}

func TestRealShell(t *testing.T) {
	out, err := runShell(context.Background(), "echo hi")
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(out))
}

func TestSleepTaskHonorsContext(t *testing.T) {
	r := NewRegistry(logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Execute(ctx, job.Definition{ID: "1", Payload: "task:sleep 1h"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Error(t, r.Execute(context.Background(), job.Definition{ID: "1", Payload: "task:sleep soon"}))
	require.NoError(t, r.Execute(context.Background(), job.Definition{ID: "1", Payload: "task:sleep 1ms"}))
}
