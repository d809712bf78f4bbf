package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrScriptFailed wraps nonzero exits and timeouts of external scripts.
var ErrScriptFailed = errors.New("script failed")

// A Runner runs an external script with exactly the given environment
// and returns its standard output.
type Runner interface {
	Run(ctx context.Context, script string, env map[string]string) (string, error)
}

// ExecRunner runs scripts from Dir as local processes.
// It is replaced in tests to avoid needing real cloud scripts.
type ExecRunner struct {
	Dir string

	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed on context expiry.
	WaitDelay time.Duration
}

func NewExecRunner(dir string) *ExecRunner {
	return &ExecRunner{Dir: dir, WaitDelay: 5 * time.Second}
}

// Path returns the location of script within the runner's directory.
func (r *ExecRunner) Path(script string) string {
	if filepath.IsAbs(script) || r.Dir == "" {
		return script
	}
	return filepath.Join(r.Dir, script)
}

func (r *ExecRunner) Run(ctx context.Context, script string, env map[string]string) (string, error) {
	if script == "" {
		return "", fmt.Errorf("missing script")
	}
	path := r.Path(script)

	c := exec.CommandContext(ctx, path)
	c.Env = Environ(env)
	c.WaitDelay = r.WaitDelay

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrScriptFailed, script, ctxErr)
		}
		return "", fmt.Errorf("%w: %s: %v\n%s", ErrScriptFailed, script, err, tail(stderr.String(), 2048))
	}
	return stdout.String(), nil
}

// Environ renders env as a sorted KEY=VALUE list, adding PATH from the
// current process when env does not set it.
func Environ(env map[string]string) []string {
	out := make([]string, 0, len(env)+1)
	if _, ok := env["PATH"]; !ok {
		out = append(out, "PATH="+os.Getenv("PATH"))
	}
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
