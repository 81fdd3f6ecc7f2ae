package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/cubby/pkg/protocol"
)

func pipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return newSession(local, nil, stubCreds{}, NewSessionRegistry(), nil), remote
}

func TestRegistryRegisterUnregister(t *testing.T) {
	registry := NewSessionRegistry()
	assert.Equal(t, 0, registry.Count())

	s1, _ := pipeSession(t)
	s2, _ := pipeSession(t)

	registry.Register(s1)
	registry.Register(s2)
	assert.Equal(t, 2, registry.Count())

	registry.Unregister(s1)
	assert.Equal(t, 1, registry.Count())

	// Idempotent.
	registry.Unregister(s1)
	assert.Equal(t, 1, registry.Count())
}

func TestBroadcastShutdownNotifiesAndCloses(t *testing.T) {
	registry := NewSessionRegistry()
	session, remote := pipeSession(t)
	registry.Register(session)

	// Read the pushed notice from the peer side of the pipe.
	notice := make(chan *protocol.Response, 1)
	go func() {
		codec := protocol.NewCodec(remote)
		resp, err := codec.ReadResponse()
		if err == nil {
			notice <- resp
		}
	}()

	done := make(chan struct{})
	go func() {
		registry.BroadcastShutdown(20 * time.Millisecond)
		close(done)
	}()

	select {
	case resp := <-notice:
		assert.Equal(t, protocol.StatusShutdown, resp.Status)
	case <-time.After(time.Second):
		t.Fatal("shutdown notice never arrived")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast did not complete")
	}

	assert.Equal(t, 0, registry.Count())

	// The connection was force-closed after the grace window.
	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := remote.Read(buf)
	require.Error(t, err)
}

func TestBroadcastShutdownSkipsBusySession(t *testing.T) {
	registry := NewSessionRegistry()
	session, remote := pipeSession(t)
	registry.Register(session)

	// Simulate a session mid-transfer: it holds the write lock, so the
	// notice must be skipped rather than interleaved into the stream.
	session.writeMu.Lock()

	done := make(chan struct{})
	go func() {
		registry.BroadcastShutdown(10 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a busy session")
	}
	session.writeMu.Unlock()

	assert.True(t, session.isShuttingDown())

	// Nothing was written; the peer sees only the close.
	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := remote.Read(buf)
	require.Error(t, err)
}

func TestNotifyShutdownIdempotent(t *testing.T) {
	session, remote := pipeSession(t)

	go func() {
		codec := protocol.NewCodec(remote)
		for {
			if _, err := codec.ReadResponse(); err != nil {
				return
			}
		}
	}()

	session.NotifyShutdown()
	session.NotifyShutdown()
	assert.True(t, session.isShuttingDown())
}
