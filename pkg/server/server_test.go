package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/cubby/pkg/client"
	"github.com/marmos91/cubby/pkg/protocol"
	"github.com/marmos91/cubby/pkg/storage"
	"github.com/marmos91/cubby/pkg/wire"
)

// stubCreds is a fixed username -> password table.
type stubCreds map[string]string

func (c stubCreds) Verify(username, password string) bool {
	pw, ok := c[username]
	return ok && pw == password
}

// startServer runs a server on an ephemeral port and returns it with its
// address. The server is shut down when the test ends.
func startServer(t *testing.T, creds stubCreds) (*Server, string) {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)

	srv := New(Config{
		BindAddress:     "127.0.0.1",
		Port:            0,
		ShutdownTimeout: 2 * time.Second,
		GraceWindow:     50 * time.Millisecond,
	}, store, creds, nil)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-serveDone:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down in time")
		}
	})

	return srv, srv.ListenerAddr()
}

func login(t *testing.T, addr, username, password string) *client.Client {
	t.Helper()
	c, err := client.Dial(addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Login(username, password))
	return c
}

func TestFullSessionLifecycle(t *testing.T) {
	_, addr := startServer(t, stubCreds{"alice": "pw123"})
	c := login(t, addr, "alice", "pw123")

	require.NoError(t, c.Upload("notes.txt", strings.NewReader("hello world")))

	files, err := c.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, files)

	var downloaded bytes.Buffer
	require.NoError(t, c.Download("notes.txt", &downloaded))
	assert.Equal(t, "hello world", downloaded.String())

	preview, err := c.Preview("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", preview)

	require.NoError(t, c.Delete("notes.txt"))

	files, err = c.List()
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, c.Exit())
}

func TestBinaryFileRoundTrip(t *testing.T) {
	_, addr := startServer(t, stubCreds{"alice": "pw123"})
	c := login(t, addr, "alice", "pw123")

	// Newlines, NULs, and header-like byte patterns must all survive.
	var content []byte
	for i := 0; i < 4000; i++ {
		content = append(content, byte(i), '\n', 0x00, 0x80, 0xFF)
	}
	require.NoError(t, c.Upload("blob.bin", bytes.NewReader(content)))

	var downloaded bytes.Buffer
	require.NoError(t, c.Download("blob.bin", &downloaded))
	assert.Equal(t, content, downloaded.Bytes())
}

func TestAuthFailureClosesConnection(t *testing.T) {
	_, addr := startServer(t, stubCreds{"alice": "pw123"})

	c, err := client.Dial(addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	err = c.Login("alice", "wrong")
	assert.ErrorIs(t, err, protocol.ErrAuthenticationFailed)

	// Single attempt per connection; the server hangs up after the failure.
	_, err = c.List()
	assert.Error(t, err)
}

func TestUnknownUserFailsAuth(t *testing.T) {
	_, addr := startServer(t, stubCreds{"alice": "pw123"})

	c, err := client.Dial(addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	assert.ErrorIs(t, c.Login("mallory", "pw123"), protocol.ErrAuthenticationFailed)
}

func TestHandshakeRejectsWrongGreeting(t *testing.T) {
	_, addr := startServer(t, stubCreds{})

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "HOWDY\n")
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, protocol.RejectToken, strings.TrimSpace(reply))
}

func TestCommandErrorsKeepSessionAlive(t *testing.T) {
	_, addr := startServer(t, stubCreds{"alice": "pw123"})
	c := login(t, addr, "alice", "pw123")

	var sink bytes.Buffer
	err := c.Download("missing.txt", &sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File not found")

	err = c.Delete("also-missing.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File not found")

	err = c.Upload("../escape.txt", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid filename")

	// The session survives all of the above.
	files, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUnknownActionKeepsSessionAlive(t *testing.T) {
	_, addr := startServer(t, stubCreds{"alice": "pw123"})

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	require.NoError(t, codec.WriteToken(protocol.HelloToken))
	token, err := codec.ReadToken()
	require.NoError(t, err)
	require.Equal(t, protocol.AckToken, token)

	require.NoError(t, codec.WriteCredentials(&protocol.Credentials{Username: "alice", Password: "pw123"}))
	resp, err := codec.ReadResponse()
	require.NoError(t, err)
	require.True(t, resp.OK())

	require.NoError(t, codec.WriteCommand(&protocol.Command{Action: "rename", Filename: "a.txt"}))
	resp, err = codec.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)

	require.NoError(t, codec.WriteCommand(&protocol.Command{Action: protocol.ActionDownload}))
	resp, err = codec.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "Missing filename", resp.Message)

	require.NoError(t, codec.WriteCommand(&protocol.Command{Action: protocol.ActionList}))
	resp, err = codec.ReadResponse()
	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestPipelinedCommandsProcessedInOrder(t *testing.T) {
	_, addr := startServer(t, stubCreds{"alice": "pw123"})

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	require.NoError(t, codec.WriteToken(protocol.HelloToken))
	_, err = codec.ReadToken()
	require.NoError(t, err)
	require.NoError(t, codec.WriteCredentials(&protocol.Credentials{Username: "alice", Password: "pw123"}))
	resp, err := codec.ReadResponse()
	require.NoError(t, err)
	require.True(t, resp.OK())

	// Two commands in one burst; the server must answer each in turn.
	require.NoError(t, codec.WriteCommand(&protocol.Command{Action: protocol.ActionDelete, Filename: "missing.txt"}))
	require.NoError(t, codec.WriteCommand(&protocol.Command{Action: protocol.ActionList}))

	first, err := codec.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, first.Status)

	second, err := codec.ReadResponse()
	require.NoError(t, err)
	assert.True(t, second.OK())
	assert.Empty(t, second.Files)
}

func TestUsersAreIsolated(t *testing.T) {
	_, addr := startServer(t, stubCreds{"alice": "pw123", "bob": "hunter2"})

	alice := login(t, addr, "alice", "pw123")
	require.NoError(t, alice.Upload("secret.txt", strings.NewReader("alice only")))

	bob := login(t, addr, "bob", "hunter2")
	files, err := bob.List()
	require.NoError(t, err)
	assert.Empty(t, files)

	var sink bytes.Buffer
	err = bob.Download("secret.txt", &sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File not found")
}

func TestShutdownNoticeReachesIdleClient(t *testing.T) {
	srv, addr := startServer(t, stubCreds{"alice": "pw123"})
	c := login(t, addr, "alice", "pw123")

	stopDone := make(chan error, 1)
	go func() { stopDone <- srv.Stop() }()

	err := c.PollShutdown(2 * time.Second)
	assert.ErrorIs(t, err, protocol.ErrShutdownInProgress)

	select {
	case <-stopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

// gatedWriter accepts a first slice of the body, then signals and
// blocks until released, pinning the peer mid-stream.
type gatedWriter struct {
	stalled chan struct{}
	release chan struct{}
	once    sync.Once
	n       int
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	w.n += len(p)
	if w.n > 8*1024 {
		w.once.Do(func() {
			close(w.stalled)
			<-w.release
		})
	}
	return len(p), nil
}

func TestShutdownAbortsDownloadMidStream(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)
	_, err = store.EnsureUser("alice")
	require.NoError(t, err)

	// Big enough that the server is still writing, and so still holding
	// its connection write lock, when the broadcast fires.
	big := bytes.Repeat([]byte("abcdefgh"), 4<<20) // 32 MiB, larger than any socket buffering
	_, err = store.Save("alice", "big.bin", bytes.NewReader(big))
	require.NoError(t, err)

	srv := New(Config{
		BindAddress:     "127.0.0.1",
		Port:            0,
		ShutdownTimeout: 5 * time.Second,
		GraceWindow:     50 * time.Millisecond,
	}, store, stubCreds{"alice": "pw123"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-serveDone
	})

	c := login(t, srv.ListenerAddr(), "alice", "pw123")

	gw := &gatedWriter{stalled: make(chan struct{}), release: make(chan struct{})}
	downloadDone := make(chan error, 1)
	go func() { downloadDone <- c.Download("big.bin", gw) }()

	select {
	case <-gw.stalled:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started streaming")
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- srv.Stop() }()

	// Let the client drain what is buffered and hit the closed socket.
	time.Sleep(100 * time.Millisecond)
	close(gw.release)

	select {
	case err := <-downloadDone:
		assert.ErrorIs(t, err, wire.ErrTransferAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("download never returned")
	}
	assert.Less(t, gw.n, len(big))

	select {
	case <-stopDone:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestActiveSessionsCount(t *testing.T) {
	srv, addr := startServer(t, stubCreds{"alice": "pw123"})

	assert.Equal(t, int32(0), srv.ActiveSessions())

	c := login(t, addr, "alice", "pw123")

	assert.Eventually(t, func() bool {
		return srv.ActiveSessions() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Exit())

	assert.Eventually(t, func() bool {
		return srv.ActiveSessions() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMaxConnectionsLimit(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)

	srv := New(Config{
		BindAddress:     "127.0.0.1",
		Port:            0,
		MaxConnections:  1,
		ShutdownTimeout: 2 * time.Second,
		GraceWindow:     50 * time.Millisecond,
	}, store, stubCreds{"alice": "pw123"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-serveDone
	})
	addr := srv.ListenerAddr()

	first := login(t, addr, "alice", "pw123")

	// The second connection is accepted by the kernel but not served
	// until the first session releases its slot.
	second, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer second.Close()

	codec := protocol.NewCodec(second)
	require.NoError(t, codec.WriteToken(protocol.HelloToken))
	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = codec.ReadToken()
	require.Error(t, err)

	require.NoError(t, first.Exit())

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	token, err := codec.ReadToken()
	require.NoError(t, err)
	assert.Equal(t, protocol.AckToken, token)
}
