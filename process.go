package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/subfusc/vakt/config"
	"golang.org/x/time/rate"
)

// RestartInterval is the minimum time between two restarts.
const RestartInterval = 1 * time.Second

var ProcessBuildFailed = errors.New("Build failed")

type Executable struct {
	Program string
	Args    []string
}

type Process struct {
	mu     sync.Mutex
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	builder    Executable
	runner     Executable
	firstBuild bool

	cmd     *exec.Cmd
	cancel  context.CancelFunc
	exited  chan struct{}
	limiter *rate.Limiter
	pending *time.Timer
	now     func() time.Time

	onRestart func(restarted bool, err error)
}

func ProgramNotFound(err error) error {
	return fmt.Errorf("Failed to find program: [%w]", err)
}

func NewProcess(c *config.Config, logger *slog.Logger, stdout io.Writer, stderr io.Writer) (*Process, error) {
	builder, err := exec.LookPath(c.Build.Name)
	if err != nil {
		return nil, ProgramNotFound(err)
	}

	return &Process{
		logger: logger,
		stdout: stdout,
		stderr: stderr,
		runner: Executable{
			Program: c.Program.Name,
			Args:    c.Program.Args,
		},
		builder: Executable{
			Program: builder,
			Args:    c.Build.Args,
		},
		firstBuild: true,
		limiter:    rate.NewLimiter(rate.Every(RestartInterval), 1),
		now:        time.Now,
	}, nil
}

func (p *Process) newCmd(e Executable) (*exec.Cmd, context.CancelFunc) {
	ctx, ctl := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, e.Program, e.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}

	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	return cmd, ctl
}

func (p *Process) build() error {
	cmd, cancel := p.newCmd(p.builder)
	defer cancel()

	t := p.now()
	err := cmd.Run()
	p.logger.Info("Build", "time", p.now().Sub(t))
	if err != nil {
		return fmt.Errorf("%w: [%w]", ProcessBuildFailed, err)
	}
	return nil
}

func (p *Process) run() error {
	if p.firstBuild {
		program, err := exec.LookPath(p.runner.Program)
		if err != nil {
			return ProgramNotFound(err)
		}
		p.runner.Program = program
		p.firstBuild = false
	}

	cmd, cancel := p.newCmd(p.runner)
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("Unable to start %s: [%w]", p.runner.Program, err)
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		err := cmd.Wait()
		p.logger.Debug("Program exited", "err", err)
	}()

	p.cmd, p.cancel, p.exited = cmd, cancel, exited
	return nil
}

// kill stops the running program, if any, and waits for it to exit.
func (p *Process) kill() {
	if p.cmd == nil {
		return
	}
	p.cancel()
	<-p.exited
	p.cmd, p.cancel, p.exited = nil, nil, nil
}

// Start builds and starts the program.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.limiter.AllowN(p.now(), 1)
	if err := p.build(); err != nil {
		return err
	}
	return p.run()
}

// Stop cancels a deferred restart and stops the program.
func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
	p.kill()
}

// OnRestart registers a function told about every restart attempt, including
// the deferred ones Restart schedules. It must not call back into Process.
func (p *Process) OnRestart(fn func(restarted bool, err error)) {
	p.mu.Lock()
	p.onRestart = fn
	p.mu.Unlock()
}

func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Restart rebuilds the program and replaces the running instance. A call within
// RestartInterval of the previous attempt is deferred until the interval has
// passed, and any further calls until then are folded into that one restart.
// Deferred calls report false. The old instance keeps running when the build
// fails.
func (p *Process) Restart() (bool, error) {
	p.mu.Lock()

	if p.pending != nil {
		p.mu.Unlock()
		return false, nil
	}

	now := p.now()
	if delay := p.limiter.ReserveN(now, 1).DelayFrom(now); delay > 0 {
		p.logger.Debug("Deferring restart", "delay", delay)
		p.pending = time.AfterFunc(delay, p.deferredRestart)
		p.mu.Unlock()
		return false, nil
	}

	restarted, err := p.restart()
	onRestart := p.onRestart
	p.mu.Unlock()

	if onRestart != nil {
		onRestart(restarted, err)
	}
	return restarted, err
}

func (p *Process) deferredRestart() {
	p.mu.Lock()
	if p.pending == nil {
		// Stopped in the meantime.
		p.mu.Unlock()
		return
	}
	p.pending = nil

	restarted, err := p.restart()
	onRestart := p.onRestart
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("Deferred restart failed", "err", err)
	}
	if onRestart != nil {
		onRestart(restarted, err)
	}
}

// restart needs p.mu held. The limiter token was taken by the caller.
func (p *Process) restart() (bool, error) {
	if err := p.build(); err != nil {
		return false, err
	}

	p.kill()
	if err := p.run(); err != nil {
		return false, err
	}
	return true, nil
}
