package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/p-arndt/imagebench/internal/runtime"
)

// attachment tracks the log follower of a started container.
type attachment struct {
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

type Client struct {
	docker   *client.Client
	attached *xsync.MapOf[string, *attachment]
}

func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli, attached: xsync.NewMapOf[string, *attachment]()}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", runtime.ErrUnavailable, err)
	}
	return nil
}

// Start creates and starts a workload container and begins following its output.
func (c *Client) Start(ctx context.Context, opts runtime.StartOpts) (*runtime.Handle, error) {
	labels := map[string]string{
		runtime.LabelManaged: "true",
		runtime.LabelRunID:   opts.RunID,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	resources := container.Resources{
		NanoCPUs: int64(opts.Limits.CPULimit * 1e9),
		Memory:   int64(opts.Limits.MemLimitMB) * 1024 * 1024,
	}
	if opts.Limits.PidsLimit > 0 {
		resources.PidsLimit = int64Ptr(int64(opts.Limits.PidsLimit))
	}

	hostCfg := &container.HostConfig{
		Resources:   resources,
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
	}
	if opts.Limits.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(opts.Limits.NetworkMode)
	}
	hostCfg.DeviceRequests = gpuRequests(opts.Limits.GPUs)

	containerCfg := &container.Config{
		Image:  opts.Image,
		Cmd:    opts.Cmd,
		Env:    opts.Env,
		Labels: labels,
		Tty:    false,
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return nil, wrapErr("container create", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		c.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, wrapErr("container start", err)
	}

	h := &runtime.Handle{ID: resp.ID, Name: opts.Name, Image: opts.Image}
	c.follow(h, opts.Stdout, opts.Stderr)
	return h, nil
}

// follow streams the container's output until it stops or the handle is removed.
func (c *Client) follow(h *runtime.Handle, stdout, stderr io.Writer) {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	att := &attachment{done: make(chan struct{}), cancel: cancel}
	c.attached.Store(h.ID, att)

	go func() {
		defer close(att.done)
		rc, err := c.docker.ContainerLogs(ctx, h.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			att.err = err
			return
		}
		defer rc.Close()
		// Demultiplex Docker's stdout/stderr stream (8-byte headers).
		if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil && ctx.Err() == nil {
			att.err = err
		}
	}()
}

// Wait blocks until the container is no longer running and its output is drained.
func (c *Client) Wait(ctx context.Context, h *runtime.Handle) (int, error) {
	statusCh, errCh := c.docker.ContainerWait(ctx, h.ID, container.WaitConditionNotRunning)

	var code int
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, wrapErr("container wait", err)
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return -1, fmt.Errorf("container wait: %s", st.Error.Message)
		}
		code = int(st.StatusCode)
	}

	if att, ok := c.attached.Load(h.ID); ok {
		select {
		case <-att.done:
			if att.err != nil {
				return code, fmt.Errorf("%w: container logs: %w", runtime.ErrOutputIncomplete, att.err)
			}
		case <-ctx.Done():
			return code, ctx.Err()
		}
	}
	return code, nil
}

// Stats returns a resource snapshot of a running container. Without
// streaming the daemon reads the cgroup twice, so precpu_stats is filled and
// even the first snapshot carries a CPU baseline.
func (c *Client) Stats(ctx context.Context, h *runtime.Handle) (*runtime.Snapshot, error) {
	resp, err := c.docker.ContainerStats(ctx, h.ID, false)
	if err != nil {
		return nil, wrapErr("container stats", err)
	}
	defer resp.Body.Close()

	var st container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("%w: decode stats: %w", runtime.ErrStatsUnavailable, err)
	}
	return toSnapshot(&st)
}

// Stop asks the container to stop and kills it once grace has passed.
func (c *Client) Stop(ctx context.Context, h *runtime.Handle, grace time.Duration) error {
	secs := int(math.Ceil(grace.Seconds()))
	err := c.docker.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return wrapErr("container stop", err)
	}
	return nil
}

// Remove force-removes the container with its anonymous volumes.
func (c *Client) Remove(ctx context.Context, h *runtime.Handle) error {
	if att, ok := c.attached.LoadAndDelete(h.ID); ok {
		att.cancel()
	}
	return c.RemoveContainer(ctx, h.ID)
}

// RemoveContainer force-removes a container by ID. Missing containers are not an error.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// ListManaged returns every container carrying the imagebench labels.
func (c *Client) ListManaged(ctx context.Context) ([]runtime.Instance, error) {
	f := filters.NewArgs()
	f.Add("label", runtime.LabelManaged+"=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, wrapErr("container list", err)
	}

	result := make([]runtime.Instance, 0, len(containers))
	for _, ctr := range containers {
		result = append(result, runtime.Instance{
			ID:    ctr.ID,
			RunID: ctr.Labels[runtime.LabelRunID],
			Task:  ctr.Labels[runtime.LabelTask],
		})
	}
	return result, nil
}

// HasImage reports whether the image is present locally.
func (c *Client) HasImage(ctx context.Context, ref string) (bool, error) {
	_, err := c.docker.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, wrapErr("image inspect", err)
}

// Pull fetches an image and waits for the pull to finish.
func (c *Client) Pull(ctx context.Context, ref string) error {
	rc, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return wrapErr("image pull", err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is consumed.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	return nil
}

func toSnapshot(st *container.StatsResponse) (*runtime.Snapshot, error) {
	// Docker reports zeroed stats for containers that are not running.
	if st.Read.IsZero() {
		return nil, runtime.ErrStatsUnavailable
	}
	return &runtime.Snapshot{
		Read:             st.Read,
		CPUUsageNs:       st.CPUStats.CPUUsage.TotalUsage,
		SystemUsageNs:    st.CPUStats.SystemUsage,
		PreCPUUsageNs:    st.PreCPUStats.CPUUsage.TotalUsage,
		PreSystemUsageNs: st.PreCPUStats.SystemUsage,
		HasBaseline:      st.PreCPUStats.SystemUsage > 0,
		OnlineCPUs:       onlineCPUs(st),
		MemoryBytes:      memoryUsage(st.MemoryStats),
		BlockIOBytes:     blockIO(st.BlkioStats),
		NetworkIOBytes:   networkIO(st.Networks),
	}, nil
}

func onlineCPUs(st *container.StatsResponse) uint32 {
	if st.CPUStats.OnlineCPUs > 0 {
		return st.CPUStats.OnlineCPUs
	}
	return uint32(len(st.CPUStats.CPUUsage.PercpuUsage))
}

// memoryUsage mirrors the docker CLI: page cache is not counted as usage.
func memoryUsage(m container.MemoryStats) uint64 {
	var cache uint64
	if v, ok := m.Stats["total_inactive_file"]; ok && v < m.Usage { // cgroup v1
		cache = v
	} else if v, ok := m.Stats["inactive_file"]; ok && v < m.Usage { // cgroup v2
		cache = v
	}
	return m.Usage - cache
}

func blockIO(b container.BlkioStats) uint64 {
	var total uint64
	for _, e := range b.IoServiceBytesRecursive {
		switch strings.ToLower(e.Op) {
		case "read", "write":
			total += e.Value
		}
	}
	return total
}

func networkIO(nets map[string]container.NetworkStats) uint64 {
	var total uint64
	for _, n := range nets {
		total += n.RxBytes + n.TxBytes
	}
	return total
}

func wrapErr(op string, err error) error {
	switch {
	case client.IsErrNotFound(err):
		return fmt.Errorf("%s: %w: %w", op, runtime.ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w: %w", op, runtime.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// gpuRequests is the equivalent of `docker run --gpus`: -1 requests every
// device, n > 0 requests n devices.
func gpuRequests(n int) []container.DeviceRequest {
	if n == 0 {
		return nil
	}
	return []container.DeviceRequest{{
		Count:        n,
		Capabilities: [][]string{{"gpu"}},
	}}
}

func int64Ptr(v int64) *int64 {
	return &v
}
