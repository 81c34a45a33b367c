package launcher

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/kernel/runtime"
)

// DockerOptions configures the docker launcher.
type DockerOptions struct {
	Host       string
	APIVersion string
	Image      string
	Network    string
}

// DockerLauncher runs kernels inside interactive containers. The runner
// script travels in the container's argv, so the image only needs the
// interpreter itself.
type DockerLauncher struct {
	cli    *client.Client
	opts   DockerOptions
	logger *logger.Logger
}

// NewDockerLauncher creates a docker launcher and verifies daemon
// connectivity with a ping.
func NewDockerLauncher(opts DockerOptions, log *logger.Logger) (*DockerLauncher, error) {
	clientOpts := []client.Opt{client.FromEnv}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(opts.APIVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("docker ping failed: %w", err)
	}

	return &DockerLauncher{
		cli:    cli,
		opts:   opts,
		logger: log.WithFields(zap.String("component", "docker-launcher")),
	}, nil
}

func (l *DockerLauncher) Name() string { return "docker" }

// Probe checks daemon reachability. The interpreter lives in the kernel
// image, so there is nothing on the host worth checking beyond the daemon.
func (l *DockerLauncher) Probe(ctx context.Context, _ runtime.Runtime) error {
	if _, err := l.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Launch creates, attaches, and starts a kernel container. Attaching before
// start guarantees the readiness handshake line is not missed.
func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (Transport, error) {
	argv := spec.Runtime.Argv()
	if len(argv) == 0 {
		return nil, fmt.Errorf("runtime %q has no command", spec.Runtime.Name)
	}

	name := "kernelhost-" + spec.KernelID
	containerCfg := &container.Config{
		Image:        l.opts.Image,
		Cmd:          argv,
		Env:          spec.Env,
		WorkingDir:   spec.WorkDir,
		Labels:       map[string]string{"kernelhost.kernel_id": spec.KernelID},
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false, // the wire protocol needs raw, unmerged streams
	}
	hostCfg := &container.HostConfig{}
	if l.opts.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.opts.Network)
	}

	created, err := l.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		if pullErr := l.pullImage(ctx); pullErr != nil {
			return nil, pullErr
		}
		created, err = l.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create kernel container: %w", err)
	}

	attach, err := l.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = l.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to attach to kernel container: %w", err)
	}

	t := newDockerTransport(l.cli, created.ID, attach.Conn, attach.Reader,
		l.logger.WithKernelID(spec.KernelID).WithFields(zap.String("container_id", created.ID[:12])))

	if err := l.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = t.Close(context.Background())
		return nil, fmt.Errorf("failed to start kernel container: %w", err)
	}

	go t.waitForExit()

	t.logger.Debug("kernel container started", zap.String("image", l.opts.Image))
	return t, nil
}

func (l *DockerLauncher) pullImage(ctx context.Context) error {
	l.logger.Info("pulling kernel image", zap.String("image", l.opts.Image))
	reader, err := l.cli.ImagePull(ctx, l.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", l.opts.Image, err)
	}
	defer func() {
		_ = reader.Close()
	}()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", l.opts.Image, err)
	}
	return nil
}

type dockerTransport struct {
	cli         *client.Client
	containerID string

	conn   net.Conn
	stdin  io.WriteCloser
	stdout io.Reader

	closeOnce sync.Once
	done      chan struct{}
	logger    *logger.Logger
}

func newDockerTransport(cli *client.Client, containerID string, conn net.Conn, raw *bufio.Reader, log *logger.Logger) *dockerTransport {
	// Stdin pipe feeds the hijacked connection.
	stdinReader, stdinWriter := io.Pipe()
	go func() {
		_, _ = io.Copy(conn, stdinReader)
	}()

	// Docker multiplexes stdout/stderr over one stream with 8-byte frame
	// headers when Tty is false. Split them: stdout carries the protocol,
	// stderr goes to the log.
	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	t := &dockerTransport{
		cli:         cli,
		containerID: containerID,
		conn:        conn,
		stdin:       stdinWriter,
		stdout:      stdoutReader,
		done:        make(chan struct{}),
		logger:      log,
	}

	go func() {
		demultiplexStream(raw, stdoutWriter, stderrWriter)
		_ = stdoutWriter.Close()
		_ = stderrWriter.Close()
	}()
	go func() {
		scanner := bufio.NewScanner(stderrReader)
		for scanner.Scan() {
			t.logger.Debug("kernel stderr", zap.String("line", scanner.Text()))
		}
	}()

	return t
}

// demultiplexStream reads Docker's multiplexed stream format.
// Frame layout: byte 0 stream type (1=stdout, 2=stderr), bytes 4-7 size
// (big endian uint32), then the frame data.
func demultiplexStream(reader io.Reader, stdout, stderr io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}

		switch streamType {
		case 1:
			_, _ = stdout.Write(data)
		case 2:
			_, _ = stderr.Write(data)
		}
	}
}

func (t *dockerTransport) Stdin() io.Writer  { return t.stdin }
func (t *dockerTransport) Stdout() io.Reader { return t.stdout }

func (t *dockerTransport) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *dockerTransport) Done() <-chan struct{} { return t.done }

func (t *dockerTransport) Describe() string {
	return "container " + t.containerID[:12]
}

// Close closes the attach streams, stops the container, and removes it.
func (t *dockerTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		_ = t.stdin.Close()
		_ = t.conn.Close()
	})

	stopTimeout := 5
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := int(time.Until(deadline).Seconds()); remaining > 0 && remaining < stopTimeout {
			stopTimeout = remaining
		}
	}
	if err := t.cli.ContainerStop(ctx, t.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil && !client.IsErrNotFound(err) {
		t.logger.Debug("failed to stop kernel container", zap.Error(err))
	}

	removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.cli.ContainerRemove(removeCtx, t.containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove kernel container: %w", err)
	}
	return nil
}

// waitForExit closes done once the container leaves the running state.
func (t *dockerTransport) waitForExit() {
	defer close(t.done)

	waitCh, errCh := t.cli.ContainerWait(context.Background(), t.containerID, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		t.logger.Debug("kernel container exited", zap.Int64("exit_code", status.StatusCode))
	case err := <-errCh:
		t.logger.Debug("kernel container wait failed", zap.Error(err))
	}
}
