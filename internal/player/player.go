// Package player drives an external mpv-style media player child over
// its line-oriented JSON IPC socket.
package player

import (
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/doohlabs/kioskd/internal/metrics"
)

// Options describe how to launch the player child. They are re-read on
// every spawn, so config edits take effect on the next restart.
type Options struct {
	PlayerPath  string // player binary, looked up on PATH when not absolute
	IPCPath     string // unix socket the child is told to serve JSON IPC on
	RotationDeg int    // 0, 90, 180 or 270
	LowResource bool   // favor decode throughput over output quality
	Mute        bool
	LockInput   bool   // disable keyboard input when no input conf is set
	Hwdec       string // hardware decoding mode, empty keeps the player default
	InputConf   string // optional key bindings file, turns keyboard input on
}

const (
	ipcConnectTimeout    = 10 * time.Second
	ipcConnectRetryDelay = 200 * time.Millisecond
	ipcDefaultTimeout    = 2 * time.Second
	ipcMinReadWindow     = 100 * time.Millisecond

	stopTermWait    = 5 * time.Second
	startRetryDelay = time.Second
)

// Controller supervises a single player child process and its IPC
// channel. All methods are safe for concurrent use.
type Controller struct {
	opts   func() Options
	logger zerolog.Logger

	mu         sync.Mutex // guards proc, generation and ipcPath
	proc       *childProc
	generation int
	ipcPath    string // socket of the current child, kept for cleanup

	connectTimeout time.Duration

	ipcMu     sync.Mutex // serializes exchanges and guards the fields below
	conn      net.Conn
	recvBuf   []byte
	requestID int64
}

// New returns a stopped controller. opts is consulted on each spawn.
func New(opts func() Options, logger zerolog.Logger) *Controller {
	return &Controller{
		opts:           opts,
		logger:         logger,
		connectTimeout: ipcConnectTimeout,
	}
}

// childProc pairs the running command with a reaper signal so liveness
// checks never block on Wait.
type childProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *childProc) alive() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Start launches the player unless a healthy child is already up. A
// failed launch is retried once after a short pause.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startLocked() {
		return
	}
	time.Sleep(startRetryDelay)
	c.startLocked()
}

// Restart tears the current child down and brings up a fresh one.
func (c *Controller) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	time.Sleep(startRetryDelay)
	c.startLocked()
}

// Stop terminates the child and removes its IPC socket.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// EnsureRunning starts the player if the child has exited or was never
// started.
func (c *Controller) EnsureRunning() {
	if c.IsRunning() {
		return
	}
	c.Start()
}

// IsRunning reports whether the child process is alive.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc.alive()
}

// Generation returns a counter that bumps on every successful spawn.
// Consumers use it to notice that loaded playback state was lost.
func (c *Controller) Generation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Controller) startLocked() bool {
	if c.proc.alive() && c.hasConn() {
		return true
	}
	if c.proc.alive() {
		// Child is up but the IPC channel is gone; recycle it.
		c.stopLocked()
	}
	c.closeIPC()

	o := c.opts()
	removeStaleSocket(o.IPCPath)

	// Stdout and stderr stay nil so exec wires them to the null device.
	args := buildArgs(o)
	cmd := exec.Command(args[0], args[1:]...)
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		c.logger.Error().Str("event", "player.spawn_failed").Err(err).Str("path", o.PlayerPath).Msg("player did not start")
		return false
	}
	proc := &childProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()
	c.proc = proc
	c.ipcPath = o.IPCPath

	if !c.openIPC(o.IPCPath) {
		c.logger.Warn().Str("event", "player.ipc_timeout").Str("socket", o.IPCPath).Msg("ipc socket not available after launch")
		c.stopLocked()
		return false
	}
	c.generation++
	metrics.PlayerGeneration.Set(float64(c.generation))
	c.logger.Info().Str("event", "player.started").Int("pid", cmd.Process.Pid).Int("generation", c.generation).Msg("player running")
	return true
}

func (c *Controller) stopLocked() {
	c.closeIPC()
	if c.proc.alive() {
		terminateProcess(c.proc.cmd)
		select {
		case <-c.proc.done:
		case <-time.After(stopTermWait):
			killProcess(c.proc.cmd)
		}
	}
	c.proc = nil
	if c.ipcPath != "" {
		removeStaleSocket(c.ipcPath)
	}
}

func removeStaleSocket(path string) {
	if path == "" || strings.HasPrefix(path, `\\.\pipe\`) {
		return
	}
	_ = os.Remove(path)
}

func buildArgs(o Options) []string {
	args := []string{
		o.PlayerPath,
		"--fs",
		"--force-window=yes",
		"--idle=yes",
		"--keep-open=yes",
		"--no-terminal",
		"--loop-file=inf",
		"--image-display-duration=inf",
		"--no-osc",
		"--osd-level=0",
		"--input-ipc-server=" + o.IPCPath,
		"--no-input-default-bindings",
	}
	if o.LowResource {
		args = append(args,
			"--profile=low-latency",
			"--video-sync=audio",
			"--vd-lavc-threads=1",
			"--scale=bilinear",
			"--dscale=bilinear",
			"--cscale=bilinear",
			"--interpolation=no",
			"--correct-pts=no",
			"--framedrop=decoder+vo",
			"--hwdec-codecs=h264,mpeg4,mpeg2video",
		)
	}
	args = append(args, "--video-rotate="+strconv.Itoa(o.RotationDeg))
	switch {
	case o.InputConf != "":
		args = append(args, "--input-conf="+o.InputConf, "--input-vo-keyboard=yes")
	case o.LockInput:
		args = append(args, "--input-vo-keyboard=no")
	}
	if o.Mute {
		args = append(args, "--mute=yes")
	}
	if o.Hwdec != "" {
		args = append(args, "--hwdec="+o.Hwdec)
	}
	return args
}
