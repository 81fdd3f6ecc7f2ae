package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	var conn bytes.Buffer
	c := NewCodec(&conn)

	require.NoError(t, c.WriteCommand(&Command{Action: ActionUpload, Filename: "notes.txt"}))

	cmd, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, ActionUpload, cmd.Action)
	assert.Equal(t, "notes.txt", cmd.Filename)
}

func TestResponseRoundTrip(t *testing.T) {
	var conn bytes.Buffer
	c := NewCodec(&conn)

	require.NoError(t, c.WriteResponse(&Response{
		Status: StatusSuccess,
		Files:  []string{"a.txt", "b.txt"},
	}))

	resp, err := c.ReadResponse()
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, []string{"a.txt", "b.txt"}, resp.Files)
}

func TestCredentialsRoundTrip(t *testing.T) {
	var conn bytes.Buffer
	c := NewCodec(&conn)

	require.NoError(t, c.WriteCredentials(&Credentials{Username: "alice", Password: "pw123"}))

	creds, err := c.ReadCredentials()
	require.NoError(t, err)
	assert.Equal(t, "alice", creds.Username)
	assert.Equal(t, "pw123", creds.Password)
}

func TestBackToBackRecordsStayOrdered(t *testing.T) {
	// Two commands written before any read must decode as two distinct
	// records, in order. Newline framing, not read timing, delimits them.
	var conn bytes.Buffer
	c := NewCodec(&conn)

	require.NoError(t, c.WriteCommand(&Command{Action: ActionDelete, Filename: "old.txt"}))
	require.NoError(t, c.WriteCommand(&Command{Action: ActionList}))

	first, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, ActionDelete, first.Action)
	assert.Equal(t, "old.txt", first.Filename)

	second, err := c.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, ActionList, second.Action)
	assert.Empty(t, second.Filename)
}

func TestTokenRoundTrip(t *testing.T) {
	var conn bytes.Buffer
	c := NewCodec(&conn)

	require.NoError(t, c.WriteToken(HelloToken))

	token, err := c.ReadToken()
	require.NoError(t, err)
	assert.Equal(t, HelloToken, token)
}

func TestPeekRecordDoesNotConsume(t *testing.T) {
	var conn bytes.Buffer
	c := NewCodec(&conn)

	require.NoError(t, c.WriteResponse(&Response{Status: StatusShutdown}))

	// Peek twice, then the record still reads whole.
	require.NoError(t, c.PeekRecord())
	require.NoError(t, c.PeekRecord())

	resp, err := c.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, StatusShutdown, resp.Status)
}

func TestPeekRecordIncompleteRecord(t *testing.T) {
	conn := strings.NewReader(`{"status":"shut`)
	c := NewCodec(struct {
		io.Reader
		io.Writer
	}{conn, io.Discard})

	assert.Equal(t, io.EOF, c.PeekRecord())
}

func TestReadStripsCRLF(t *testing.T) {
	conn := strings.NewReader("ACK\r\n")
	c := NewCodec(struct {
		io.Reader
		io.Writer
	}{conn, io.Discard})

	token, err := c.ReadToken()
	require.NoError(t, err)
	assert.Equal(t, AckToken, token)
}

func TestReadMalformedJSON(t *testing.T) {
	conn := strings.NewReader("{not json}\n")
	c := NewCodec(struct {
		io.Reader
		io.Writer
	}{conn, io.Discard})

	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestReadRejectsOversizedRecord(t *testing.T) {
	conn := strings.NewReader(strings.Repeat("x", MaxRecordSize+1) + "\n")
	c := NewCodec(struct {
		io.Reader
		io.Writer
	}{conn, io.Discard})

	_, err := c.ReadCommand()
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestReadCleanCloseIsEOF(t *testing.T) {
	c := NewCodec(struct {
		io.Reader
		io.Writer
	}{strings.NewReader(""), io.Discard})

	_, err := c.ReadCommand()
	assert.Equal(t, io.EOF, err)
}

func TestActionValidation(t *testing.T) {
	assert.True(t, ActionUpload.Valid())
	assert.True(t, ActionExit.Valid())
	assert.False(t, Action("rename").Valid())

	assert.True(t, ActionDownload.RequiresFilename())
	assert.False(t, ActionList.RequiresFilename())
	assert.False(t, ActionExit.RequiresFilename())
}
