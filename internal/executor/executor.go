// Package executor spawns the subprocess that embodies one job script (or
// iterates a bundle), enforcing a timeout and a manual kill channel,
// capturing line-streamed stdout/stderr, and optionally teeing output to
// a size-rotated log file.
//
// Grounded on arkeep's agent/internal/hooks/runner.go (subprocess spawn,
// timeout-vs-context racing, captured output, ExitError inspection),
// generalized here from a fixed shell-wrapped hook to jobtypes.BaseJob's
// arbitrary cmd_name+args+code contract, and extended with process-group
// kill and bundle iteration, neither of which the hooks runner needed.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
	"github.com/jiascheduler/jiascheduler/internal/metrics"
)

// killedExitCode is the convention used when a process is killed (by
// timeout or manual Kill) without producing a real exit code; grounded on
// the original Rust BundleOutput::parse fallback (automate/src/bridge/msg.rs).
const killedExitCode = 9

// Output is the captured result of one subprocess run.
type Output struct {
	ExitCode   *int
	ExitStatus string
	Stdout     string
	Stderr     string
}

// Executor runs jobtypes.BaseJob scripts. LogDir, if non-empty, enables
// tee-to-rotating-log per run; see rotatelog.go.
type Executor struct {
	LogDir string
}

// New returns an Executor that tees output under logDir. Pass "" to
// disable log rotation entirely.
func New(logDir string) *Executor {
	return &Executor{LogDir: logDir}
}

// Run executes one BaseJob (ignoring any bundle_script; see RunBundle for
// that). kill, if non-nil, is a channel the caller can send on to force
// termination; it is in addition to job.TimeoutSeconds.
func (e *Executor) Run(ctx context.Context, job jobtypes.BaseJob, env map[string]string, kill <-chan struct{}) (Output, error) {
	return e.run(ctx, job.Eid, job.CmdName, job.Args, job.Code, job.ReadCodeFromStdin, job.WorkDir, job.WorkUser, job.TimeoutSeconds, env, kill)
}

// RunBundle executes every entry of bundle sequentially, relaying a
// single outer kill channel to each entry's own kill channel, and
// collecting eid -> Output. Per spec.md section 4.5, the outer kill stays
// live across entries: killing mid-bundle must not let subsequent
// entries start.
func (e *Executor) RunBundle(ctx context.Context, bundle []jobtypes.BundleScript, workDir, workUser string, timeoutSeconds int, env map[string]string, kill <-chan struct{}) map[string]Output {
	results := make(map[string]Output, len(bundle))

	killed := false
	var killedMu sync.Mutex
	relay := make(chan struct{})
	done := make(chan struct{})
	go func() {
		select {
		case <-kill:
			killedMu.Lock()
			killed = true
			killedMu.Unlock()
			close(relay)
		case <-done:
		}
	}()
	defer close(done)

	for _, entry := range bundle {
		killedMu.Lock()
		alreadyKilled := killed
		killedMu.Unlock()
		if alreadyKilled {
			code := killedExitCode
			results[entry.Eid] = Output{ExitCode: &code, ExitStatus: "killed", Stdout: "", Stderr: "bundle aborted by kill signal"}
			continue
		}

		out, _ := e.run(ctx, entry.Eid, entry.CmdName, entry.Args, entry.Code, false, workDir, workUser, timeoutSeconds, env, relay)
		results[entry.Eid] = out
	}
	return results
}

func (e *Executor) run(ctx context.Context, eid, cmdName string, args []string, code string, codeOnStdin bool, workDir, workUser string, timeoutSeconds int, env map[string]string, kill <-chan struct{}) (Output, error) {
	cmdArgs := append([]string{}, args...)
	if !codeOnStdin && code != "" {
		cmdArgs = append(cmdArgs, code)
	}

	cmd := exec.Command(cmdName, cmdArgs...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Env = mergeEnv(env)

	if codeOnStdin && code != "" {
		cmd.Stdin = bytes.NewBufferString(code)
	}

	if workUser != "" {
		if err := applyWorkUser(cmd, workUser); err != nil {
			code := 127
			metrics.ExecutorRuns.WithLabelValues("failed").Inc()
			return Output{ExitCode: &code, ExitStatus: "setup failed", Stderr: err.Error()}, err
		}
	}
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		metrics.ExecutorRuns.WithLabelValues("failed").Inc()
		return Output{}, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		metrics.ExecutorRuns.WithLabelValues("failed").Inc()
		return Output{}, fmt.Errorf("executor: stderr pipe: %w", err)
	}

	var logger *rotatingLog
	if e.LogDir != "" {
		logger, err = openRotatingLog(filepath.Join(e.LogDir, eid+".log"))
		if err != nil {
			logger = nil
		}
	}
	if logger != nil {
		defer logger.Close()
	}

	if err := cmd.Start(); err != nil {
		// No process ran, so no exit code is reported.
		metrics.ExecutorRuns.WithLabelValues("failed").Inc()
		return Output{ExitStatus: "start failed", Stderr: err.Error()}, err
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdoutPipe, &stdoutBuf, logger, "stdout")
	go streamLines(&wg, stderrPipe, &stderrBuf, logger, "stderr")

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if timeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(timeoutSeconds) * time.Second)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var waitErr error
	killedRun := false
	timedOut := false
	select {
	case waitErr = <-waitDone:
	case <-timeoutC:
		killProcessGroup(cmd)
		waitErr = <-waitDone
		killedRun = true
		timedOut = true
	case <-kill:
		killProcessGroup(cmd)
		waitErr = <-waitDone
		killedRun = true
	case <-ctx.Done():
		killProcessGroup(cmd)
		waitErr = <-waitDone
		killedRun = true
	}

	wg.Wait()

	out := Output{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}

	if killedRun {
		code := killedExitCode
		out.ExitCode = &code
		out.ExitStatus = "killed"
		if timedOut {
			metrics.ExecutorRuns.WithLabelValues("timeout").Inc()
		} else {
			metrics.ExecutorRuns.WithLabelValues("killed").Inc()
		}
		return out, fmt.Errorf("executor: %s killed", eid)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		code := 1
		if errAs(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		out.ExitCode = &code
		out.ExitStatus = fmt.Sprintf("exit %d", code)
		metrics.ExecutorRuns.WithLabelValues("failed").Inc()
		return out, waitErr
	}

	code := 0
	out.ExitCode = &code
	out.ExitStatus = "exit 0"
	metrics.ExecutorRuns.WithLabelValues("success").Inc()
	return out, nil
}

func errAs(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func streamLines(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, logger *rotatingLog, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if logger != nil {
			logger.WriteLine(stream, line)
		}
	}
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func applyWorkUser(cmd *exec.Cmd, workUser string) error {
	u, err := user.Lookup(workUser)
	if err != nil {
		return fmt.Errorf("executor: lookup work_user %q: %w", workUser, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("executor: parse uid for %q: %w", workUser, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("executor: parse gid for %q: %w", workUser, err)
	}
	setCredential(cmd, uint32(uid), uint32(gid))
	return nil
}
