package client

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordLogger keeps every formatted line, prefixed by its level.
type recordLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordLogger) add(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(format, args...))
}

func (l *recordLogger) Debug(format string, args ...interface{}) { l.add("DEBUG", format, args...) }
func (l *recordLogger) Info(format string, args ...interface{})  { l.add("INFO", format, args...) }
func (l *recordLogger) Warn(format string, args ...interface{})  { l.add("WARN", format, args...) }
func (l *recordLogger) Error(format string, args ...interface{}) { l.add("ERROR", format, args...) }

func (l *recordLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX processes and signals")
	}
}

func TestLaunchSpecCommand(t *testing.T) {
	spec := LaunchSpec{Argv: []string{"python", "-m", "ipykernel_launcher", "-f", "{connection_file}"}}
	argv, err := spec.Command("/tmp/k.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"python", "-m", "ipykernel_launcher", "-f", "/tmp/k.json"}, argv)

	spec = LaunchSpec{Argv: []string{"kernel", "--file={connection_file}"}}
	argv, err = spec.Command("/tmp/k.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"kernel", "--file=/tmp/k.json"}, argv)

	spec = LaunchSpec{Argv: []string{"kernel"}}
	argv, err = spec.Command("/tmp/k.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"kernel", "/tmp/k.json"}, argv)

	_, err = LaunchSpec{}.Command("/tmp/k.json")
	assert.Error(t, err)
}

func TestSupervisorLogsOutputAndReportsExit(t *testing.T) {
	skipOnWindows(t)
	logger := &recordLogger{}
	dir := t.TempDir()
	spec := LaunchSpec{
		Argv: []string{"sh", "-c", `echo "hello $GREETING"; pwd; echo oops >&2; exit 3`, "sh", ConnectionFilePlaceholder},
		Env:  map[string]string{"GREETING": "world"},
		Dir:  dir,
	}

	proc, err := NewSupervisor(spec, WithLogger(logger)).Start(context.Background(), "conn.json")
	require.NoError(t, err)
	assert.NotZero(t, proc.Pid())

	var calls atomic.Int32
	proc.OnExit(func(error) { calls.Add(1) })

	err = proc.Wait()
	require.Error(t, err)
	assert.True(t, proc.Exited())
	assert.Equal(t, int32(1), calls.Load())

	assert.True(t, logger.contains("INFO kernel stdout: hello world"))
	assert.True(t, logger.contains("WARN kernel stderr: oops"))
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.True(t, logger.contains(dir) || logger.contains(resolved))

	// Registering after exit runs the callback at once.
	proc.OnExit(func(error) { calls.Add(1) })
	assert.Equal(t, int32(2), calls.Load())

	// Killing an exited process is a no-op.
	proc.Kill()
}

func TestSupervisorKill(t *testing.T) {
	skipOnWindows(t)
	spec := LaunchSpec{Argv: []string{"sleep", "30"}}
	proc, err := NewSupervisor(spec, quiet(WithKillTimeout(500*time.Millisecond))...).Start(context.Background(), "")
	require.NoError(t, err)

	exited := make(chan error, 1)
	proc.OnExit(func(err error) { exited <- err })

	start := time.Now()
	proc.Kill()
	assert.True(t, proc.Exited())
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case err := <-exited:
		assert.Error(t, err)
	default:
		t.Fatal("exit callback not run before Kill returned")
	}
}

func TestSupervisorKillEscalates(t *testing.T) {
	skipOnWindows(t)
	spec := LaunchSpec{Argv: []string{"sh", "-c", `trap "" INT; while true; do sleep 0.05; done`}}
	proc, err := NewSupervisor(spec, quiet(WithKillTimeout(200*time.Millisecond))...).Start(context.Background(), "")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		proc.Kill()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process ignoring SIGINT was not killed")
	}
	assert.True(t, proc.Exited())
}

func TestSupervisorStartErrors(t *testing.T) {
	_, err := NewSupervisor(LaunchSpec{}, quiet()...).Start(context.Background(), "f")
	assert.Error(t, err)

	_, err = NewSupervisor(LaunchSpec{Argv: []string{"/nonexistent/kernel-binary"}}, quiet()...).Start(context.Background(), "f")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSupervisor(LaunchSpec{Argv: []string{"sleep", "1"}}, quiet()...).Start(ctx, "f")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLineLoggerSplitsWrites(t *testing.T) {
	logger := &recordLogger{}
	w := &lineLogger{log: logger.Info, prefix: "out: "}

	fmt.Fprint(w, "par")
	fmt.Fprint(w, "tial\nsecond\r\n\nthird")
	assert.Equal(t, []string{"INFO out: partial", "INFO out: second"}, logger.lines)

	fmt.Fprint(w, "\n")
	assert.Equal(t, "INFO out: third", logger.lines[2])
}
