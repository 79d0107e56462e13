package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// waitGrace bounds how long Wait lingers on a cancelled generator before
// force-killing it.
const waitGrace = 2 * time.Second

// generatorProcess is one invocation of an external generator: JSON on
// stdin, JSON on stdout, progress and log lines on stderr.
type generatorProcess struct {
	cmd      *exec.Cmd
	onStderr func(line string)
}

// exchange is what a finished generator process left behind.
type exchange struct {
	stdout []byte
	stderr []byte
}

// newGeneratorProcess prepares name in its own process group. Cancelling
// ctx kills the whole group rather than just the leader.
func newGeneratorProcess(ctx context.Context, dir, name string, args []string, onStderr func(string)) *generatorProcess {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return signalGroup(cmd, syscall.SIGKILL) }
	cmd.WaitDelay = waitGrace
	return &generatorProcess{cmd: cmd, onStderr: onStderr}
}

// run writes input to the generator and collects its output. Both pipes are
// drained before Wait so a chatty generator cannot block on a full buffer.
func (p *generatorProcess) run(input []byte, pm *ProcessManager) (exchange, error) {
	p.cmd.Stdin = bytes.NewReader(input)

	stdoutPipe, err := p.cmd.StdoutPipe()
	if err != nil {
		return exchange{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := p.cmd.StderrPipe()
	if err != nil {
		return exchange{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := p.cmd.Start(); err != nil {
		return exchange{}, fmt.Errorf("starting generator: %w", err)
	}
	if pm != nil {
		pm.Track(p.cmd)
		defer pm.Untrack(p.cmd)
	}

	var (
		wg  sync.WaitGroup
		out exchange
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		out.stdout, _ = io.ReadAll(stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		out.stderr = p.scanStderr(stderrPipe)
	}()
	wg.Wait()

	if err := p.cmd.Wait(); err != nil {
		return out, fmt.Errorf("generator %s: %w", p.cmd.Path, err)
	}
	return out, nil
}

func (p *generatorProcess) scanStderr(r io.Reader) []byte {
	var buf bytes.Buffer
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if p.onStderr != nil {
			p.onStderr(line)
		}
	}
	// Overlong line: keep the rest raw so the writer never blocks.
	_, _ = io.Copy(&buf, r)
	return buf.Bytes()
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signalling process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager tracks running generator subprocesses so a stuck shutdown
// can take them all down.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess. Unstarted commands are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.procs[cmd.Process.Pid] = cmd
	pm.mu.Unlock()
}

func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	delete(pm.procs, cmd.Process.Pid)
	pm.mu.Unlock()
}

// KillAll sends SIGKILL to every tracked process group. Processes stay
// tracked until their runner untracks them.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for _, cmd := range pm.procs {
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked subprocesses.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
