package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
)

// testPeer plays the runner side of the protocol over in-memory pipes.
// Commands the client writes arrive on cmds; lines written with send go to
// the client's read loop.
type testPeer struct {
	cmds <-chan command
	out  *io.PipeWriter
}

func newTestClient(t *testing.T) (*Client, *testPeer) {
	t.Helper()

	cmdR, cmdW := io.Pipe()
	msgR, msgW := io.Pipe()

	cmds := make(chan command, 16)
	go func() {
		defer close(cmds)
		sc := bufio.NewScanner(cmdR)
		for sc.Scan() {
			var cmd command
			if err := json.Unmarshal(sc.Bytes(), &cmd); err == nil {
				cmds <- cmd
			}
		}
	}()

	t.Cleanup(func() {
		_ = cmdR.Close()
		_ = cmdW.Close()
		_ = msgR.Close()
		_ = msgW.Close()
	})

	c := NewClient(cmdW, msgR, logger.Default())
	return c, &testPeer{cmds: cmds, out: msgW}
}

func (p *testPeer) send(t *testing.T, line string) {
	t.Helper()
	_, err := p.out.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (p *testPeer) next(t *testing.T) command {
	t.Helper()
	select {
	case cmd, ok := <-p.cmds:
		require.True(t, ok, "command channel closed")
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a command")
		return command{}
	}
}

func TestClientReadyHandshake(t *testing.T) {
	c, peer := newTestClient(t)

	peer.send(t, `{"type":"ready","version":"1","pid":4242}`)

	info, err := c.WaitReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", info.Version)
	assert.Equal(t, 4242, info.PID)
}

func TestClientSkipsUnparseableLines(t *testing.T) {
	c, peer := newTestClient(t)

	peer.send(t, "interpreter noise before the handshake")
	peer.send(t, `{"type":"ready","version":"1","pid":1}`)

	info, err := c.WaitReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, info.PID)
}

func TestClientExecuteStreamsAndResult(t *testing.T) {
	c, peer := newTestClient(t)

	exec, err := c.StartExecute("print('hi')", "/work")
	require.NoError(t, err)

	cmd := peer.next(t)
	assert.Equal(t, OpExecute, cmd.Op)
	assert.Equal(t, "print('hi')", cmd.Code)
	assert.Equal(t, "/work", cmd.Cwd)
	require.NotZero(t, cmd.ID)

	peer.send(t, `{"type":"stream","id":1,"name":"stdout","text":"hi\n"}`)
	peer.send(t, `{"type":"stream","id":1,"name":"stderr","text":"warn\n"}`)
	peer.send(t, `{"type":"result","id":1,"status":"ok"}`)

	var chunks []StreamChunk
	for chunk := range exec.Chunks() {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, StreamChunk{Name: "stdout", Text: "hi\n"}, chunks[0])
	assert.Equal(t, StreamChunk{Name: "stderr", Text: "warn\n"}, chunks[1])

	res, err := exec.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.False(t, res.Cancelled)
}

func TestClientExecuteErrorResult(t *testing.T) {
	c, peer := newTestClient(t)

	exec, err := c.StartExecute("raise RuntimeError('boom')", "")
	require.NoError(t, err)
	peer.next(t)

	peer.send(t, `{"type":"result","id":1,"status":"error","error":{"type":"RuntimeError","message":"boom","traceback":"Traceback..."}}`)

	res, err := exec.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "RuntimeError", res.Error.Type)
	assert.Equal(t, "boom", res.Error.Message)
}

func TestClientPing(t *testing.T) {
	c, peer := newTestClient(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Ping(context.Background())
	}()

	cmd := peer.next(t)
	assert.Equal(t, OpPing, cmd.Op)
	peer.send(t, `{"type":"pong","id":1}`)

	require.NoError(t, <-errCh)
}

func TestClientInterruptCarriesNoID(t *testing.T) {
	c, peer := newTestClient(t)

	require.NoError(t, c.Interrupt())

	cmd := peer.next(t)
	assert.Equal(t, OpInterrupt, cmd.Op)
	assert.Zero(t, cmd.ID)
}

func TestClientEOFSettlesPendingExecution(t *testing.T) {
	c, peer := newTestClient(t)

	exec, err := c.StartExecute("loop forever", "")
	require.NoError(t, err)
	peer.next(t)

	require.NoError(t, peer.out.Close())

	_, err = exec.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// The chunk stream closes too, so drains never hang.
	_, open := <-exec.Chunks()
	assert.False(t, open)

	<-c.CloseNotify()
	assert.True(t, c.Closed())
}

func TestClientSendAfterCloseFails(t *testing.T) {
	c, peer := newTestClient(t)

	require.NoError(t, peer.out.Close())
	<-c.CloseNotify()

	_, err := c.StartExecute("1", "")
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, c.Ping(context.Background()), ErrClosed)
}
