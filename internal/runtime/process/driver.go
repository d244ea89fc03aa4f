// Package process runs workloads as host processes instead of containers.
// It is meant for hosts without a container engine and for tests; the image
// reference is recorded but not used for isolation.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/p-arndt/imagebench/internal/runtime"
)

// waitDelay bounds how long Wait keeps draining output after the workload
// exits while a background child still holds its pipes.
const waitDelay = 2 * time.Second

// minCPUWindow is the shortest lifetime over which the CPU time since start
// is a usable baseline. Below it clock-tick granularity dominates.
const minCPUWindow = 100 * time.Millisecond

type proc struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	done    chan struct{}
	code    int
	err     error
}

func (p *proc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
	}
	return false
}

type Driver struct {
	procs  *xsync.MapOf[string, *proc]
	ncpu   int
	logger *slog.Logger
}

func NewDriver(logger *slog.Logger) *Driver {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = 1
	}
	return &Driver{
		procs:  xsync.NewMapOf[string, *proc](),
		ncpu:   n,
		logger: logger,
	}
}

func (d *Driver) Ping(ctx context.Context) error {
	return nil
}

// Close kills every process still tracked by the driver.
func (d *Driver) Close() error {
	d.procs.Range(func(id string, p *proc) bool {
		killGroup(p.pid, unix.SIGKILL)
		d.procs.Delete(id)
		return true
	})
	return nil
}

func (d *Driver) Start(ctx context.Context, opts runtime.StartOpts) (*runtime.Handle, error) {
	if len(opts.Cmd) == 0 {
		return nil, errors.New("process start: empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Cmd[0], opts.Cmd[1:]...)
	cmd.Env = append(cmd.Environ(), opts.Env...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process start: %w", err)
	}

	p := &proc{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.code = cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		switch {
		case errors.Is(err, exec.ErrWaitDelay):
			p.err = fmt.Errorf("%w: %w", runtime.ErrOutputIncomplete, err)
		case err != nil && !errors.As(err, &exitErr):
			p.err = err
		}
		close(p.done)
	}()

	id := strconv.Itoa(p.pid)
	d.procs.Store(id, p)
	if d.logger != nil {
		d.logger.Debug("process started", "pid", p.pid, "name", opts.Name)
	}
	return &runtime.Handle{ID: id, Name: opts.Name, Image: opts.Image}, nil
}

func (d *Driver) lookup(h *runtime.Handle) (*proc, error) {
	p, ok := d.procs.Load(h.ID)
	if !ok {
		return nil, fmt.Errorf("%w: pid %s", runtime.ErrNotFound, h.ID)
	}
	return p, nil
}

func (d *Driver) Wait(ctx context.Context, h *runtime.Handle) (int, error) {
	p, err := d.lookup(h)
	if err != nil {
		return -1, err
	}
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
		return p.code, p.err
	}
}

// Stats sums CPU time, resident memory and disk I/O over the process tree.
// Network I/O cannot be attributed to a host process and stays zero.
func (d *Driver) Stats(ctx context.Context, h *runtime.Handle) (*runtime.Snapshot, error) {
	p, err := d.lookup(h)
	if err != nil {
		return nil, err
	}
	if p.exited() {
		return nil, fmt.Errorf("%w: pid %d exited", runtime.ErrNotFound, p.pid)
	}

	root, err := process.NewProcessWithContext(ctx, int32(p.pid))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", runtime.ErrNotFound, err)
	}

	// Counters are cumulative since start, so the baseline is (0, 0).
	now := time.Now()
	snap := &runtime.Snapshot{
		Read:          now,
		SystemUsageNs: uint64(now.Sub(p.started).Nanoseconds()) * uint64(d.ncpu),
		HasBaseline:   now.Sub(p.started) >= minCPUWindow,
		OnlineCPUs:    uint32(d.ncpu),
	}
	var cpuSeconds float64
	var readOK bool
	for _, pr := range tree(ctx, root) {
		t, err := pr.TimesWithContext(ctx)
		if err != nil {
			// Children come and go between listing and reading.
			continue
		}
		readOK = true
		cpuSeconds += t.User + t.System
		if m, err := pr.MemoryInfoWithContext(ctx); err == nil {
			snap.MemoryBytes += m.RSS
		}
		if ioc, err := pr.IOCountersWithContext(ctx); err == nil {
			snap.BlockIOBytes += ioc.ReadBytes + ioc.WriteBytes
		}
	}
	if !readOK {
		return nil, fmt.Errorf("%w: pid %d", runtime.ErrStatsUnavailable, p.pid)
	}
	snap.CPUUsageNs = uint64(cpuSeconds * float64(time.Second))
	return snap, nil
}

func tree(ctx context.Context, root *process.Process) []*process.Process {
	out := []*process.Process{root}
	children, err := root.ChildrenWithContext(ctx)
	if err != nil {
		return out
	}
	for _, c := range children {
		out = append(out, tree(ctx, c)...)
	}
	return out
}

// Stop sends SIGTERM to the process group and SIGKILL once grace has passed.
func (d *Driver) Stop(ctx context.Context, h *runtime.Handle, grace time.Duration) error {
	p, err := d.lookup(h)
	if err != nil {
		return nil
	}
	if p.exited() {
		return nil
	}
	if err := killGroup(p.pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("process stop: %w", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := killGroup(p.pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("process kill: %w", err)
	}
	return nil
}

// Remove kills anything left in the process group and forgets the handle.
func (d *Driver) Remove(ctx context.Context, h *runtime.Handle) error {
	p, ok := d.procs.LoadAndDelete(h.ID)
	if !ok {
		return nil
	}
	// The group may outlive its leader when a workload backgrounds children.
	if err := killGroup(p.pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("process remove: %w", err)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func killGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
