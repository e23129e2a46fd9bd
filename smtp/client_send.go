package smtp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrDataFailed is returned when the server rejects the DATA command or
// the intermediate 354 response never arrives.
var ErrDataFailed = errors.New("smtp: DATA command failed")

// RawCommand sends a raw SMTP command and returns the response.
// This is for advanced use cases where you need to send custom commands.
func (c *Client) RawCommand(command string) (*ClientResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNoConnection
	}

	if err := c.writeCommand("%s", command); err != nil {
		return nil, err
	}

	return c.readResponse()
}

// RawData sends raw data to the server (e.g., for DATA content).
// The data should include the terminating ".\r\n".
func (c *Client) RawData(data []byte) (*ClientResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNoConnection
	}

	if c.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	if _, err := c.writer.Write(data); err != nil {
		return nil, err
	}

	if err := c.writer.Flush(); err != nil {
		return nil, err
	}

	return c.readResponse()
}

// StreamData streams large message data to the server using an io.Reader.
// This is more memory-efficient for very large messages.
func (c *Client) StreamData(r io.Reader) (*ClientResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNoConnection
	}

	// Send DATA command
	if err := c.writeCommand("DATA"); err != nil {
		return nil, err
	}

	resp, err := c.readResponse()
	if err != nil {
		return nil, err
	}

	if !resp.IsIntermediate() {
		return nil, fmt.Errorf("%w: expected 354, got %d", ErrDataFailed, resp.Code)
	}

	// Stream data with dot-stuffing
	if err := c.streamWithDotStuffing(r); err != nil {
		return nil, err
	}

	// Send terminating sequence
	if _, err := c.writer.WriteString(".\r\n"); err != nil {
		return nil, err
	}

	if err := c.writer.Flush(); err != nil {
		return nil, err
	}

	return c.readResponse()
}

// streamWithDotStuffing streams data while performing dot-stuffing.
func (c *Client) streamWithDotStuffing(r io.Reader) error {
	buf := make([]byte, 4096)
	atLineStart := true

	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]

			// Process and write with dot-stuffing
			var out bytes.Buffer
			for _, b := range data {
				if atLineStart && b == '.' {
					out.WriteByte('.')
				}
				out.WriteByte(b)
				atLineStart = (b == '\n')
			}

			if _, err := c.writer.Write(out.Bytes()); err != nil {
				return err
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	// Ensure data ends with CRLF
	if !atLineStart {
		if _, err := c.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}

	return nil
}
