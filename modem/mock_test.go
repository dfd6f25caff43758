package modem_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	gomock "go.uber.org/mock/gomock"

	"i4.energy/across/atmodem/modem"
	"i4.energy/across/atmodem/pdu"
)

// MockSequenceBuilder scripts the commands a test expects the modem to be
// sent, in order, with the reply each one gets. Replies are served by the
// Read expectation installed with Reads, so they only reach the loop after
// the matching write.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	replies   chan string
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		replies:   make(chan string, 16),
		calls:     []any{},
	}
}

func (b *MockSequenceBuilder) Expect(cmd, reply string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd+"\r")).DoAndReturn(func(p []byte) (int, error) {
			b.replies <- reply
			return len(p), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.Expect("AT", "AT\r\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.Expect("ATE0", "ATE0\r\r\nOK\r\n")
}

func (b *MockSequenceBuilder) VerboseErrors() *MockSequenceBuilder {
	return b.Expect("AT+CMEE=2", "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimPinRequired() *MockSequenceBuilder {
	return b.Expect("AT+CPIN?", "\r\n+CPIN: SIM PIN\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimReady() *MockSequenceBuilder {
	return b.Expect("AT+CPIN?", "\r\n+CPIN: READY\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EnterPIN(pin string) *MockSequenceBuilder {
	return b.Expect(`AT+CPIN="`+pin+`"`, "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) PDUMode() *MockSequenceBuilder {
	return b.Expect("AT+CMGF=0", "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// Reads serves the scripted replies to the loop's reader until done is
// closed, then reports EOF.
func (b *MockSequenceBuilder) Reads(done <-chan struct{}) {
	b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		select {
		case reply := <-b.replies:
			return copy(p, reply), nil
		case <-done:
			return 0, io.EOF
		}
	}).AnyTimes()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// openModem returns an open session on tt without a running loop.
func openModem(t *testing.T, tt *modem.TestTransport, build ...func(*modem.ConfigBuilder)) *modem.Modem {
	t.Helper()

	b := modem.NewConfigBuilder().
		WithDialer(tt).
		WithLogger(discardLogger())
	for _, fn := range build {
		fn(b)
	}
	config, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	m, err := modem.New(config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error from Open(): %v", err)
	}
	return m
}

// runLoop starts the loop and stops it when the test ends. The returned
// channel receives Loop's result.
func runLoop(t *testing.T, m *modem.Modem) <-chan error {
	t.Helper()

	result := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		result <- m.Loop(context.Background())
	}()

	t.Cleanup(func() {
		m.Close()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop")
		}
	})
	return result
}

// startModem returns an open session on tt with a running loop.
func startModem(t *testing.T, tt *modem.TestTransport, build ...func(*modem.ConfigBuilder)) *modem.Modem {
	t.Helper()
	m := openModem(t, tt, build...)
	runLoop(t, m)
	return m
}

// replyOK answers every command with OK.
func replyOK(string) string {
	return "\r\nOK\r\n"
}

// recorder collects values handed to callbacks and event handlers, which
// run on the loop goroutine.
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
	ch     chan T
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{ch: make(chan T, 64)}
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
	r.ch <- v
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

// wait returns the next recorded value or fails the test.
func (r *recorder[T]) wait(t *testing.T) T {
	t.Helper()
	select {
	case v := <-r.ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatal("timed out waiting for value")
		return zero
	}
}

// none fails the test if a value is recorded within d.
func (r *recorder[T]) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case v := <-r.ch:
		t.Fatalf("unexpected value: %v", v)
	case <-time.After(d):
	}
}

// stubCodec decodes the PDUs it knows by their literal text.
type stubCodec struct {
	encoded   []string
	encodeErr error
	messages  map[string]*pdu.Message
	reports   map[string]*pdu.StatusReport
}

func (c stubCodec) Encode(pdu.Outgoing) ([]string, error) {
	return c.encoded, c.encodeErr
}

func (c stubCodec) Decode(hexPDU string) (*pdu.Message, error) {
	msg, ok := c.messages[hexPDU]
	if !ok {
		return nil, errors.New("unknown PDU")
	}
	cp := *msg
	return &cp, nil
}

func (c stubCodec) DecodeStatusReport(hexPDU string) (*pdu.StatusReport, error) {
	r, ok := c.reports[hexPDU]
	if !ok {
		return nil, errors.New("unknown PDU")
	}
	return r, nil
}

func withCodec(c pdu.Codec) func(*modem.ConfigBuilder) {
	return func(b *modem.ConfigBuilder) { b.WithCodec(c) }
}

// part builds one fragment of a concatenated message.
func part(sender, text string, ref, parts, current int) *pdu.Message {
	return &pdu.Message{
		Sender: sender,
		Text:   text,
		UDH:    &pdu.UDH{IEI: pdu.IEIConcat8, Reference: ref, Parts: parts, CurrentPart: current},
	}
}
