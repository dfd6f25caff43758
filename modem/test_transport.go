package modem

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"i4.energy/across/atmodem/at"
)

// TestTransport is a test helper that simulates a blocking transport using channels.
// This is needed because the Loop's scanner goroutine continuously reads from the transport,
// and we need reads to block until data is available (like a real serial port would).
//
// Replies can be scripted with Respond; every write is recorded and can be
// awaited with NextWrite. A TestTransport is also a Dialer returning itself.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	closed   bool
	respond  func(cmd string) string
	writes   []string
	written  chan string

	// rest holds what did not fit into the last Read.
	rest []byte
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 64),
		written:  make(chan string, 64),
	}
}

// Dial returns t.
func (t *TestTransport) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// Respond installs fn to produce the modem's reply to every write. fn gets
// the written command without its trailing carriage return; an empty reply
// sends nothing.
func (t *TestTransport) Respond(fn func(cmd string) string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.respond = fn
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	cmd := strings.TrimSuffix(string(p), at.CR)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	t.writes = append(t.writes, cmd)
	respond := t.respond
	t.mu.Unlock()

	select {
	case t.written <- cmd:
	default:
	}

	if respond != nil {
		if reply := respond(cmd); reply != "" {
			t.SendData(reply)
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	if len(t.rest) == 0 {
		data, ok := <-t.readChan
		if !ok {
			return 0, io.EOF
		}
		t.rest = data
	}
	n = copy(p, t.rest)
	t.rest = t.rest[n:]
	return n, nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Writes returns every command written so far.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// NextWrite waits up to timeout for the next written command.
func (t *TestTransport) NextWrite(timeout time.Duration) (string, bool) {
	select {
	case cmd := <-t.written:
		return cmd, true
	case <-time.After(timeout):
		return "", false
	}
}
