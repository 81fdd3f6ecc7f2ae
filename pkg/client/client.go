// Package client implements the cubby wire protocol from the initiating
// side: handshake, authentication, and the file commands. It is used by
// the cubbyctl binary and by the end-to-end tests.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/marmos91/cubby/pkg/protocol"
	"github.com/marmos91/cubby/pkg/wire"
)

// Client is one authenticated connection to a cubby server. Not safe
// for concurrent use; the protocol is strictly request/response.
type Client struct {
	conn  net.Conn
	codec *protocol.Codec
}

// Dial connects to the server and performs the handshake.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	c := &Client{conn: conn, codec: protocol.NewCodec(conn)}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the connection without sending an exit command.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) handshake() error {
	if err := c.codec.WriteToken(protocol.HelloToken); err != nil {
		return err
	}
	token, err := c.codec.ReadToken()
	if err != nil {
		return err
	}
	if token != protocol.AckToken {
		return fmt.Errorf("%w: server answered %q", protocol.ErrHandshakeRejected, token)
	}
	return nil
}

// Login sends the credential record. One attempt per connection; on
// failure the server closes the session and the client is unusable.
func (c *Client) Login(username, password string) error {
	err := c.codec.WriteCredentials(&protocol.Credentials{
		Username: username,
		Password: password,
	})
	if err != nil {
		return err
	}

	resp, err := c.codec.ReadResponse()
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s", protocol.ErrAuthenticationFailed, resp.Message)
	}
	return nil
}

// Upload streams src to the server under the given remote filename.
// The server's interim ready Response is awaited before any body byte
// is sent.
func (c *Client) Upload(filename string, src io.Reader) error {
	err := c.codec.WriteCommand(&protocol.Command{
		Action:   protocol.ActionUpload,
		Filename: filename,
	})
	if err != nil {
		return err
	}

	ready, err := c.codec.ReadResponse()
	if err != nil {
		return err
	}
	if err := checkStatus(ready); err != nil {
		return err
	}
	if !ready.OK() {
		return errors.New(ready.Message)
	}

	if _, err := wire.SendStream(c.codec.Writer(), src); err != nil {
		return err
	}

	final, err := c.codec.ReadResponse()
	if err != nil {
		return err
	}
	if err := checkStatus(final); err != nil {
		return err
	}
	if !final.OK() {
		return errors.New(final.Message)
	}
	return nil
}

// UploadFile uploads a local file under its base name.
func (c *Client) UploadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Upload(filepath.Base(path), f)
}

// Download streams the named remote file into dst. On a transfer abort
// the caller must discard whatever dst received.
func (c *Client) Download(filename string, dst io.Writer) error {
	err := c.codec.WriteCommand(&protocol.Command{
		Action:   protocol.ActionDownload,
		Filename: filename,
	})
	if err != nil {
		return err
	}

	starting, err := c.codec.ReadResponse()
	if err != nil {
		return err
	}
	if err := checkStatus(starting); err != nil {
		return err
	}
	if !starting.OK() {
		return errors.New(starting.Message)
	}

	if _, err := wire.ReceiveStream(c.codec.Reader(), dst); err != nil {
		return err
	}
	return nil
}

// DownloadFile downloads the named remote file to a local path. The
// body lands in a temporary file first; an aborted transfer leaves no
// partial file behind.
func (c *Client) DownloadFile(filename, localPath string) error {
	dir := filepath.Dir(localPath)
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	err = c.Download(filename, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Preview returns the first bytes of the named remote file as text.
func (c *Client) Preview(filename string) (string, error) {
	resp, err := c.roundTrip(&protocol.Command{
		Action:   protocol.ActionPreview,
		Filename: filename,
	})
	if err != nil {
		return "", err
	}
	return resp.Preview, nil
}

// Delete removes the named remote file.
func (c *Client) Delete(filename string) error {
	_, err := c.roundTrip(&protocol.Command{
		Action:   protocol.ActionDelete,
		Filename: filename,
	})
	return err
}

// List returns the filenames in the user's sandbox.
func (c *Client) List() ([]string, error) {
	resp, err := c.roundTrip(&protocol.Command{Action: protocol.ActionList})
	if err != nil {
		return nil, err
	}
	if resp.Files == nil {
		return []string{}, nil
	}
	return resp.Files, nil
}

// Exit tells the server the session is over and closes the connection.
// No Response is expected for exit.
func (c *Client) Exit() error {
	_ = c.codec.WriteCommand(&protocol.Command{Action: protocol.ActionExit})
	return c.conn.Close()
}

// PollShutdown checks, without blocking longer than wait, whether the
// server has pushed an unsolicited shutdown notice. Between commands
// nothing else can legally arrive, so any readable record is that
// notice. Returns protocol.ErrShutdownInProgress when one is seen.
func (c *Client) PollShutdown(wait time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil
	}
	defer c.conn.SetReadDeadline(time.Time{})

	// Peek before reading: a record straddling the deadline stays
	// buffered whole for the next poll instead of being half-consumed.
	if err := c.codec.PeekRecord(); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	}

	resp, err := c.codec.ReadResponse()
	if err != nil {
		return err
	}
	return checkStatus(resp)
}

// roundTrip sends one command and reads one response, converting error
// and shutdown statuses into errors.
func (c *Client) roundTrip(cmd *protocol.Command) (*protocol.Response, error) {
	if err := c.codec.WriteCommand(cmd); err != nil {
		return nil, err
	}
	resp, err := c.codec.ReadResponse()
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, errors.New(resp.Message)
	}
	return resp, nil
}

// checkStatus surfaces a shutdown push as its own terminal error so
// callers stop retrying instead of treating it as a transient failure.
func checkStatus(resp *protocol.Response) error {
	if resp.Status == protocol.StatusShutdown {
		return fmt.Errorf("%w: %s", protocol.ErrShutdownInProgress, resp.Message)
	}
	return nil
}
