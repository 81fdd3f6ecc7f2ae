// Package wire implements the chunked transfer framing used for file
// bodies on a cubby connection.
//
// A transfer is a sequence of length-prefixed chunks. Each chunk starts
// with a 4-byte big-endian header:
//
//   - Bit 31: last-chunk flag (1 = last, 0 = more chunks follow)
//   - Bits 0-30: payload length in bytes
//
// The sender always terminates a stream with a zero-length last chunk, so
// arbitrary binary content round-trips exactly; no byte sequence in the
// payload can be mistaken for end-of-stream. If the connection is closed
// before the last chunk arrives, the receiver reports ErrTransferAborted
// and the caller must discard the partially written sink.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ChunkSize is the maximum payload size the sender puts in one chunk.
const ChunkSize = 4096

// MaxChunkSize is the largest payload length a receiver accepts. Anything
// bigger indicates a corrupt or malicious header, not a legitimate chunk.
const MaxChunkSize = 1 << 20

// ErrTransferAborted is returned when the peer closes the connection
// before the last chunk of a transfer has been received.
var ErrTransferAborted = errors.New("transfer aborted: connection closed mid-stream")

// ErrChunkTooLarge is returned when a chunk header announces a payload
// larger than MaxChunkSize. Framing is unrecoverable at that point.
var ErrChunkTooLarge = errors.New("chunk exceeds maximum size")

const lastChunkFlag = 0x80000000

// ChunkHeader is a parsed chunk header.
type ChunkHeader struct {
	IsLast bool
	Length uint32
}

// ReadChunkHeader reads and parses the 4-byte chunk header from r.
// EOF errors are returned unwrapped so callers can detect peer close.
func ReadChunkHeader(r io.Reader) (ChunkHeader, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ChunkHeader{}, err
	}
	header := binary.BigEndian.Uint32(buf[:])
	return ChunkHeader{
		IsLast: header&lastChunkFlag != 0,
		Length: header & 0x7FFFFFFF,
	}, nil
}

func writeChunk(w io.Writer, payload []byte, last bool) error {
	header := uint32(len(payload))
	if last {
		header |= lastChunkFlag
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], header)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// SendStream reads src until EOF and writes it to conn as a sequence of
// chunks, terminated by a zero-length last chunk. Returns the number of
// payload bytes sent.
func SendStream(conn io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var sent int64

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := writeChunk(conn, buf[:n], false); werr != nil {
				return sent, fmt.Errorf("write chunk: %w", werr)
			}
			sent += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return sent, fmt.Errorf("read source: %w", err)
		}
	}

	if err := writeChunk(conn, nil, true); err != nil {
		return sent, fmt.Errorf("write final chunk: %w", err)
	}
	return sent, nil
}

// ReceiveStream reads chunks from conn and writes their payloads to sink
// until the last chunk is seen. Returns the number of payload bytes
// received. On ErrTransferAborted the sink holds a partial transfer and
// must be discarded by the caller.
func ReceiveStream(conn io.Reader, sink io.Writer) (int64, error) {
	var received int64

	for {
		header, err := ReadChunkHeader(conn)
		if err != nil {
			// Any failure to read the stream before the last chunk means
			// the transfer died: clean close, reset, forced close alike.
			return received, fmt.Errorf("%w: %v", ErrTransferAborted, err)
		}

		if header.Length > MaxChunkSize {
			return received, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, header.Length)
		}

		if header.Length > 0 {
			n, err := io.CopyN(sink, conn, int64(header.Length))
			received += n
			if err != nil {
				return received, fmt.Errorf("%w: %v", ErrTransferAborted, err)
			}
		}

		if header.IsLast {
			return received, nil
		}
	}
}
