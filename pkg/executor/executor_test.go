package executor_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/mnha/pkg/executor"
	"github.com/cuemby/mnha/pkg/executor/executortest"
	"github.com/cuemby/mnha/pkg/log"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(r executor.Runner, dryRun bool) *executor.Executor {
	return executor.New(executor.Config{
		DryRun:  dryRun,
		Backoff: time.Millisecond,
		Runner:  r,
	})
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name         string
		dryRun       bool
		failures     int
		cmd          executor.Command
		wantErr      bool
		wantAttempts int
	}{
		{
			name:         "success on first attempt",
			cmd:          executor.Command{Name: "true", Retries: 3},
			wantAttempts: 1,
		},
		{
			name:         "dry run never runs",
			dryRun:       true,
			failures:     10,
			cmd:          executor.Command{Name: "systemctl", Args: []string{"stop", "xcatd"}, Retries: 3},
			wantAttempts: 0,
		},
		{
			name:         "zero retries fails immediately",
			failures:     10,
			cmd:          executor.Command{Name: "false"},
			wantErr:      true,
			wantAttempts: 1,
		},
		{
			name:         "recovers within retry budget",
			failures:     2,
			cmd:          executor.Command{Name: "flaky", Retries: 3},
			wantAttempts: 3,
		},
		{
			name:         "exhausts retries",
			failures:     10,
			cmd:          executor.Command{Name: "false", Retries: 3},
			wantErr:      true,
			wantAttempts: 4,
		},
		{
			name:         "ignore failure",
			failures:     10,
			cmd:          executor.Command{Name: "ip", Args: []string{"addr", "del"}, Retries: 3, IgnoreFailure: true},
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remaining := tt.failures
			r := executortest.New().OnFunc("", func(executor.Command) (string, error) {
				if remaining > 0 {
					remaining--
					return "boom", executortest.ErrExit
				}
				return "", nil
			})
			e := newExecutor(r, tt.dryRun)

			err := e.Execute(context.Background(), tt.cmd)
			if tt.wantErr {
				require.Error(t, err)
				var cmdErr *executor.CommandError
				require.True(t, errors.As(err, &cmdErr))
				assert.Equal(t, tt.wantAttempts, cmdErr.Attempts)
				assert.Equal(t, "boom", cmdErr.Output)
				assert.ErrorIs(t, err, executortest.ErrExit)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, r.Calls(), tt.wantAttempts)
		})
	}
}

func TestExecuteLogsEveryFailedAttempt(t *testing.T) {
	var buf bytes.Buffer
	saved, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = saved
		zerolog.SetGlobalLevel(level)
	})
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})

	r := executortest.New().Fail("systemctl start xcatd")
	e := newExecutor(r, false)

	err := e.Execute(context.Background(), executor.Command{
		Name:    "systemctl",
		Args:    []string{"start", "xcatd"},
		Retries: 2,
	})
	require.Error(t, err)

	failed := 0
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `"level":"debug"`) && strings.Contains(line, "systemctl start xcatd [Failed]") {
			failed++
		}
	}
	assert.Equal(t, 3, failed)
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestQueryRunsInDryRun(t *testing.T) {
	r := executortest.New().On("hostname", "node1\n", nil)
	e := newExecutor(r, true)

	out, err := e.Query(context.Background(), "hostname")
	require.NoError(t, err)
	assert.Equal(t, "node1", out)
	assert.Equal(t, []string{"hostname"}, r.Commands())
}

func TestQueryFailure(t *testing.T) {
	r := executortest.New().Fail("systemctl status")
	e := newExecutor(r, false)

	_, err := e.Query(context.Background(), "systemctl", "status", "xcatd")
	assert.Error(t, err)
}

func TestCommandStringMasksSecrets(t *testing.T) {
	cmd := executor.Command{
		Name:    "pgsqlsetup",
		Args:    []string{"-i", "-a", "10.0.0.5"},
		Env:     []string{"XCATPGPW=cluster"},
		Display: "export XCATPGPW=xxxxxx;pgsqlsetup -i -a 10.0.0.5",
	}
	assert.NotContains(t, cmd.String(), "cluster")

	cmd.Display = ""
	assert.Equal(t, "pgsqlsetup -i -a 10.0.0.5", cmd.String())
}

func TestOSRunner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	out, err := executor.OSRunner{}.Run(context.Background(), executor.Command{
		Name: "/bin/sh",
		Args: []string{"-c", "echo $MNHA_TEST_VALUE"},
		Env:  []string{"MNHA_TEST_VALUE=hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.TrimSpace(string(out)))
}

func TestAugmentPathOnce(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	e := newExecutor(executortest.New(), false)

	assert.True(t, e.AugmentPath([]string{"/opt/xcat/bin", "/opt/xcat/sbin"}))
	assert.Equal(t, "/opt/xcat/bin:/opt/xcat/sbin:/usr/bin", os.Getenv("PATH"))

	assert.False(t, e.AugmentPath([]string{"/opt/xcat/bin", "/opt/xcat/sbin"}))
	assert.Equal(t, "/opt/xcat/bin:/opt/xcat/sbin:/usr/bin", os.Getenv("PATH"))
}
