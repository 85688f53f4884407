package archbridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// errInterruptUnsupported is returned by interruptProcess where a child
// cannot be asked to exit by signal
var errInterruptUnsupported = errors.New("process interrupt not supported")

// Spawner starts the worker process on demand and tears it down again.
// Supervisor is the production implementation.
type Spawner interface {
	// SpawnIfNeeded starts the worker unless a spawned one is still running
	// and reports whether a new process was started
	SpawnIfNeeded(ctx context.Context) (bool, error)
	// Exited is closed when the current spawned worker exits; nil when there
	// is none
	Exited() <-chan struct{}
	// Owned reports whether a worker was ever started by this spawner
	Owned() bool
	// Terminate stops an owned worker and releases its handle; errors are
	// logged, never returned
	Terminate(ctx context.Context)
}

// SupervisorConfig configures worker discovery and launch
type SupervisorConfig struct {
	ExecutableName string
	ArtifactName   string
	// Path is an explicit worker location, tried before EnvOverride
	Path           string
	// EnvOverride is the environment variable holding an explicit path
	EnvOverride    string
	SearchRoots    []string
	MaxSearchDepth int

	// RuntimeHost and RuntimeArgs launch artifacts that are not natively
	// executable: RuntimeHost RuntimeArgs... artifact
	RuntimeHost string
	RuntimeArgs []string

	// Channel is passed to the worker in EnvChannel
	Channel string

	// ExitWait bounds the graceful stop before the tree is killed. On
	// Windows no interrupt can be sent, so a worker that ignores the remote
	// Shutdown always lives for the full ExitWait.
	ExitWait time.Duration

	Logger *logrus.Entry
}

// DefaultSupervisorConfig returns the standard discovery settings
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ExecutableName: DefaultExecutableName + executableSuffix,
		ArtifactName:   DefaultArtifactName,
		EnvOverride:    EnvWorkerPath,
		MaxSearchDepth: DefaultMaxSearchDepth,
		RuntimeHost:    "go",
		RuntimeArgs:    []string{"run"},
		ExitWait:       3 * time.Second,
	}
}

// Supervisor locates, launches and terminates the worker process
type Supervisor struct {
	cfg SupervisorConfig
	log *logrus.Entry

	mu     sync.Mutex
	cached string
	child  *child
	owned  bool
}

// child is one spawned worker process
type child struct {
	cmd    *exec.Cmd
	path   string
	exited chan struct{}
	err    error // valid once exited is closed
}

func (c *child) running() bool {
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

// NewSupervisor creates a supervisor; zero fields take their defaults
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	def := DefaultSupervisorConfig()
	if cfg.ExecutableName == "" {
		cfg.ExecutableName = def.ExecutableName
	}
	if cfg.ArtifactName == "" {
		cfg.ArtifactName = def.ArtifactName
	}
	if cfg.EnvOverride == "" {
		cfg.EnvOverride = def.EnvOverride
	}
	if cfg.MaxSearchDepth <= 0 {
		cfg.MaxSearchDepth = def.MaxSearchDepth
	}
	if cfg.RuntimeHost == "" {
		cfg.RuntimeHost = def.RuntimeHost
		if cfg.RuntimeArgs == nil {
			cfg.RuntimeArgs = def.RuntimeArgs
		}
	}
	if cfg.ExitWait <= 0 {
		cfg.ExitWait = def.ExitWait
	}
	if cfg.Channel == "" {
		cfg.Channel = ChannelNameFromEnv("")
	}
	if cfg.Logger == nil {
		cfg.Logger = componentLogger("supervisor")
	}

	return &Supervisor{cfg: cfg, log: cfg.Logger}
}

// SpawnIfNeeded starts the worker unless a previously spawned one is alive
func (s *Supervisor) SpawnIfNeeded(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child != nil && s.child.running() {
		return false, nil
	}

	path, err := s.resolveLocked()
	if err != nil {
		return false, err
	}

	cmd := s.command(path)
	log := s.log.WithField("path", path)
	stdout := log.WithField("stream", "stdout").WriterLevel(logrus.InfoLevel)
	stderr := log.WithField("stream", "stderr").WriterLevel(logrus.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return false, fmt.Errorf("failed to start worker %s: %w", path, err)
	}

	c := &child{cmd: cmd, path: path, exited: make(chan struct{})}
	s.child = c
	s.owned = true
	log.WithField("pid", cmd.Process.Pid).Info("worker started")

	go func() {
		c.err = cmd.Wait()
		close(c.exited)
		_ = stdout.Close()
		_ = stderr.Close()
		log.WithField("pid", cmd.Process.Pid).WithError(c.err).Info("worker exited")
	}()
	return true, nil
}

// command builds the start specification for path: direct launch when it is
// natively executable, else through the runtime host
func (s *Supervisor) command(path string) *exec.Cmd {
	var cmd *exec.Cmd
	if isNativeExecutable(path) {
		cmd = exec.Command(path)
	} else {
		args := append(append([]string{}, s.cfg.RuntimeArgs...), path)
		cmd = exec.Command(s.cfg.RuntimeHost, args...)
	}
	cmd.Dir = filepath.Dir(path)
	cmd.Env = append(os.Environ(), EnvChannel+"="+s.cfg.Channel)
	cmd.Stdin = nil
	configureProcAttr(cmd)
	return cmd
}

// Exited is closed when the current spawned worker exits
func (s *Supervisor) Exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return nil
	}
	return s.child.exited
}

// ExitErr returns how the last spawned worker exited, or nil while it runs
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	c := s.child
	s.mu.Unlock()
	if c == nil || c.running() {
		return nil
	}
	return c.err
}

// Owned reports whether this supervisor ever started a worker
func (s *Supervisor) Owned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owned
}

// PID returns the pid of the running spawned worker, or 0
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil || !s.child.running() {
		return 0
	}
	return s.child.cmd.Process.Pid
}

// Terminate asks a running owned worker to exit, waits up to ExitWait and
// then kills its whole process tree. The handle is released in every case.
// On Windows the ask is only the prior remote Shutdown, so a worker that
// missed it exits no sooner than ExitWait.
func (s *Supervisor) Terminate(ctx context.Context) {
	s.mu.Lock()
	c := s.child
	s.child = nil
	s.mu.Unlock()

	if c == nil || !c.running() {
		return
	}

	pid := c.cmd.Process.Pid
	log := s.log.WithField("pid", pid)
	if err := interruptProcess(c.cmd.Process); errors.Is(err, errInterruptUnsupported) {
		log.WithField("exit_wait", s.cfg.ExitWait).Debug("no interrupt on this platform, waiting for the worker to exit")
	} else if err != nil {
		log.WithError(err).Debug("interrupt failed")
	}

	timer := time.NewTimer(s.cfg.ExitWait)
	defer timer.Stop()
	select {
	case <-c.exited:
		return
	case <-timer.C:
		log.Warn("worker did not exit in time, killing process tree")
	case <-ctx.Done():
		log.Warn("terminate cancelled, killing process tree")
	}

	killCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := killTree(killCtx, pid); err != nil {
		log.WithError(err).Warn("failed to kill process tree")
	}
	select {
	case <-c.exited:
	case <-killCtx.Done():
		log.Warn("worker still running after kill")
	}
}

var _ Spawner = (*Supervisor)(nil)
