package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxRecordSize caps the length of a single wire record. A longer line
// means the peer is not speaking the protocol.
const MaxRecordSize = 64 * 1024

// Codec reads and writes protocol records over one connection.
//
// The reader is buffered; anything that needs to read from the same
// connection after a record (the transfer framer) must go through
// Reader() or buffered bytes would be lost.
type Codec struct {
	r *bufio.Reader
	w io.Writer
}

// NewCodec wraps a connection in a record codec.
func NewCodec(conn io.ReadWriter) *Codec {
	return &Codec{
		r: bufio.NewReader(conn),
		w: conn,
	}
}

// Reader returns the buffered read side of the connection.
func (c *Codec) Reader() io.Reader { return c.r }

// Writer returns the write side of the connection.
func (c *Codec) Writer() io.Writer { return c.w }

// readLine reads one newline-terminated record, enforcing MaxRecordSize.
// io.EOF is returned unwrapped when the peer closed cleanly before any
// bytes of a new record.
func (c *Codec) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxRecordSize {
			return nil, fmt.Errorf("%w: record exceeds %d bytes", ErrMalformedMessage, MaxRecordSize)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (c *Codec) writeLine(payload []byte) error {
	if _, err := c.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// PeekRecord blocks until a complete record is buffered, without
// consuming any bytes. A read deadline on the underlying connection
// interrupts the wait; bytes of a partial record stay buffered for the
// next read, so a record straddling the deadline is not torn.
func (c *Codec) PeekRecord() error {
	for {
		buf, err := c.r.Peek(c.r.Buffered() + 1)
		if bytes.IndexByte(buf, '\n') >= 0 {
			return nil
		}
		if err == bufio.ErrBufferFull {
			return fmt.Errorf("%w: record exceeds read buffer", ErrMalformedMessage)
		}
		if err != nil {
			return err
		}
	}
}

// ReadToken reads one bare handshake token line.
func (c *Codec) ReadToken() (string, error) {
	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// WriteToken writes one bare handshake token line.
func (c *Codec) WriteToken(token string) error {
	return c.writeLine([]byte(token))
}

func (c *Codec) readJSON(v any) error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

func (c *Codec) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return c.writeLine(payload)
}

// ReadCommand decodes one Command record.
func (c *Codec) ReadCommand() (*Command, error) {
	var cmd Command
	if err := c.readJSON(&cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// WriteCommand encodes one Command record.
func (c *Codec) WriteCommand(cmd *Command) error {
	return c.writeJSON(cmd)
}

// ReadResponse decodes one Response record.
func (c *Codec) ReadResponse() (*Response, error) {
	var resp Response
	if err := c.readJSON(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WriteResponse encodes one Response record.
func (c *Codec) WriteResponse(resp *Response) error {
	return c.writeJSON(resp)
}

// ReadCredentials decodes the authentication record.
func (c *Codec) ReadCredentials() (*Credentials, error) {
	var creds Credentials
	if err := c.readJSON(&creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// WriteCredentials encodes the authentication record.
func (c *Codec) WriteCredentials(creds *Credentials) error {
	return c.writeJSON(creds)
}
