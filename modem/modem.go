package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"i4.energy/across/atmodem/at"
	"i4.energy/across/atmodem/pdu"
)

// Modem represents a GSM/3G/4G cellular modem that communicates via AT commands.
// Commands are queued with Execute and run one at a time by Loop, the single
// goroutine that reads the transport, classifies what the modem sends and
// resolves jobs.
//
// Callbacks and handlers of events raised by the loop run on the loop
// goroutine. They may call Execute but must not block on Exec.
type Modem struct {
	config Config
	logger *slog.Logger
	codec  pdu.Codec

	// mu guards the fields below it.
	mu         sync.Mutex
	transport  Transport
	closed     bool
	loopCancel context.CancelFunc

	queue  jobQueue
	nextID atomic.Uint64
	// wake asks the loop to try the next job.
	wake chan struct{}
	// expired receives the ids of jobs whose timer fired.
	expired chan uint64

	// Owned by the loop goroutine.
	conn     Transport
	current  *Job
	buffer   strings.Builder
	timers   map[uint64]*time.Timer
	partials *reassembly
	fault    error
	loopDone <-chan struct{}

	handlers *xsync.MapOf[EventKind, []Handler]
	// wanted holds the kinds whose indication must be enabled, enabled
	// those already requested in the current session.
	wanted  *xsync.MapOf[EventKind, bool]
	enabled *xsync.MapOf[EventKind, bool]
}

// PollConfig defines configuration for polling operations like waiting for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// New creates a Modem from config. It performs no I/O; call Open to
// connect and Loop to start processing.
func New(config Config) (*Modem, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Modem{
		config:   config,
		logger:   config.Logger.With("component", "modem"),
		codec:    config.Codec,
		wake:     make(chan struct{}, 1),
		expired:  make(chan uint64, 8),
		timers:   make(map[uint64]*time.Timer),
		partials: newReassembly(config.MaxPartials, config.PartialTTL),
		handlers: xsync.NewMapOf[EventKind, []Handler](),
		wanted:   xsync.NewMapOf[EventKind, bool](),
		enabled:  xsync.NewMapOf[EventKind, bool](),
	}, nil
}

// Open dials the configured Dialer and opens the session. Jobs queued from
// now on run once Loop is running. Opening an open session is a no-op.
func (m *Modem) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	if m.queue.isOpen() {
		m.mu.Unlock()
		return nil
	}
	if m.transport != nil {
		// Left over from a session that failed.
		_ = m.transport.Close()
		m.transport = nil
	}

	transport, err := m.config.Dialer.Dial(ctx)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	m.transport = transport
	m.queue.open()
	m.mu.Unlock()

	m.logger.Info("modem open")
	m.emit(OpenEvent{})
	m.enableIndications()
	return nil
}

// IsOpen reports whether the session accepts commands.
func (m *Modem) IsOpen() bool {
	return m.queue.isOpen()
}

// Loop is the main event loop that handles all transport I/O operations.
// It must run after Open, typically in its own goroutine, and is the ONLY
// goroutine that reads from or writes to the transport:
//
// 1. Starts queued jobs by writing their command
// 2. Reads and classifies lines from the transport
// 3. Completes the running job on its final result or timeout
// 4. Dispatches unsolicited result codes as events
//
// Loop returns when ctx ends, Close is called or the transport fails. In
// every case the pending and running jobs are resolved with an error
// wrapping ErrClosed and a CloseEvent is emitted.
//
// Usage:
//
//	m, err := modem.New(config)
//	if err != nil { return err }
//	if err := m.Open(ctx); err != nil { return err }
//
//	go m.Loop(ctx)
//
//	resp, err := m.Exec(ctx, "AT+CSQ")
func (m *Modem) Loop(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.loopCancel != nil:
		m.mu.Unlock()
		return ErrLoopRunning
	case m.closed:
		m.mu.Unlock()
		return ErrAlreadyClosed
	case m.transport == nil:
		m.mu.Unlock()
		return ErrNotInitialized
	}
	ctx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel
	transport := m.transport
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.loopCancel = nil
		m.mu.Unlock()
	}()

	m.conn = transport
	m.loopDone = ctx.Done()
	m.fault = nil

	scanner := bufio.NewScanner(transport)
	scanner.Buffer(make([]byte, 0, 4096), m.config.MaxLineLength)
	scanner.Split(at.Splitter)

	// Channels for tokens and errors from the scanner goroutine
	tokens := make(chan string, 16)
	scanErrs := make(chan error, 1)

	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token == "" {
				continue
			}
			select {
			case tokens <- token:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				err = fmt.Errorf("%w: %w", ErrLineTooLong, err)
			}
			scanErrs <- err
		}
	}()

	// Jobs may have been queued between Open and now.
	m.runNext()

	for {
		if m.fault != nil {
			err := m.fault
			m.shutdown(err)
			return err
		}

		select {
		case <-ctx.Done():
			m.shutdown(ctx.Err())
			return ctx.Err()

		case <-m.wake:
			m.runNext()

		case id := <-m.expired:
			m.expire(id)

		case token, ok := <-tokens:
			if !ok {
				if err := ctx.Err(); err != nil {
					// Close tears the transport down after canceling.
					m.shutdown(err)
					return err
				}
				// The scanner reports its error before closing tokens.
				select {
				case err := <-scanErrs:
					m.shutdown(err)
					return fmt.Errorf("scanner error: %w", err)
				default:
				}
				m.shutdown(io.EOF)
				return io.EOF
			}
			m.handleLine(token)

		case err := <-scanErrs:
			m.shutdown(err)
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

// Execute queues cmd and returns its job. cb receives the job's response
// exactly once, on the loop goroutine. The job runs after every job queued
// before it, unless WithPriority is given.
//
// When the session is not open nothing is queued: a CloseEvent carrying
// ErrNotOpen is emitted and ErrNotOpen returned.
func (m *Modem) Execute(cmd string, cb func(Response), opts ...ExecOption) (*Job, error) {
	o := execOptions{timeout: m.config.ATTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout < 0 {
		o.timeout = 0
	}

	j := &Job{
		ID:        m.nextID.Add(1),
		Command:   cmd,
		Timeout:   o.timeout,
		AddTime:   time.Now(),
		callback:  cb,
		remaining: cmd,
	}
	if !m.queue.enqueue(j, o.priority) {
		m.logger.Debug("command dropped, modem not open", "command", cmd)
		m.emit(CloseEvent{Err: ErrNotOpen})
		return nil, ErrNotOpen
	}
	m.emit(JobEvent{Job: j})

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return j, nil
}

// runNext starts the next job unless one is already running.
func (m *Modem) runNext() {
	if !m.queue.isOpen() || m.current != nil {
		return
	}
	if m.queue.peek() == nil {
		m.emit(IdleEvent{})
		return
	}
	j := m.queue.dequeue()
	if j == nil {
		return
	}

	m.buffer.Reset()
	m.current = j
	j.ExecuteTime = time.Now()
	j.fireStart()

	if j.Timeout > 0 {
		id, done := j.ID, m.loopDone
		m.timers[id] = time.AfterFunc(j.Timeout, func() {
			select {
			case m.expired <- id:
			case <-done:
			}
		})
	}

	m.logger.Debug("write command", "job", j.ID, "command", j.Command, "queued", m.queue.len())
	if _, err := m.conn.Write([]byte(j.Command + at.CR)); err != nil {
		m.fault = fmt.Errorf("write command %q: %w", j.Command, err)
	}
}

// release vacates the lock. It runs before the finished job's callback so
// the callback can queue a continuation that runs next.
func (m *Modem) release() {
	m.buffer.Reset()
	m.current = nil
}

func (m *Modem) stopTimer(id uint64) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// handleLine classifies one token read from the transport.
func (m *Modem) handleLine(line string) {
	// The line feed of the previous CRLF leads the echo token.
	if j := m.current; j != nil && j.remaining != "" {
		if echo := strings.TrimLeft(line, "\r\n"); echo != "" && strings.HasPrefix(j.remaining, echo) {
			j.remaining = j.remaining[len(echo):]
			return
		}
	}

	m.emit(DataEvent{Line: line})

	busy := m.current != nil
	trimmed := strings.TrimSpace(line)

	switch at.Classify(line, busy) {
	case at.TypeURC:
		m.dispatchURC(trimmed)

	case at.TypeMemoryFull:
		storage := at.ParseResponse(trimmed)[0]
		m.logger.Warn("message storage full", "storage", storage)
		m.emit(MemoryFullEvent{Storage: storage})

	case at.TypeNotice:
		m.logger.Debug("discarding notice", "line", trimmed)

	case at.TypeFinal, at.TypePrompt:
		if !busy {
			m.logger.Debug("final result without command", "line", trimmed)
			return
		}
		m.complete(trimmed)

	default:
		if busy {
			m.buffer.WriteString(line)
		}
	}
}

// complete resolves the running job with its final result.
func (m *Modem) complete(terminator string) {
	j := m.current
	resp := Response{Body: m.buffer.String(), Terminator: terminator}

	j.EndTime = time.Now()
	j.fireEnd(resp)
	m.stopTimer(j.ID)
	m.release()
	j.resolve(resp)
	m.runNext()
}

// expire resolves the running job with ErrTimedOut. Ids of jobs that
// already completed are ignored.
func (m *Modem) expire(id uint64) {
	if _, ok := m.timers[id]; !ok {
		return
	}
	delete(m.timers, id)

	j := m.current
	if j == nil || j.ID != id {
		return
	}
	m.logger.Warn("command timed out", "job", j.ID, "command", j.Command, "timeout", j.Timeout)

	m.release()
	j.resolve(Response{Err: ErrTimedOut})
	j.fireTimeout()
	m.runNext()
}

// shutdown closes the session after the loop stopped for cause. It fails
// every job still queued or running and re-arms indication setup for the
// next Open.
func (m *Modem) shutdown(cause error) {
	pending := m.queue.close()

	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	current := m.current
	m.release()

	m.enabled.Range(func(k EventKind, _ bool) bool {
		m.enabled.Delete(k)
		return true
	})

	err := cause
	switch {
	case cause == nil:
		err = ErrClosed
	case !errors.Is(cause, ErrClosed):
		err = fmt.Errorf("%w: %w", ErrClosed, cause)
	}
	if current != nil {
		current.resolve(Response{Err: err})
	}
	for _, j := range pending {
		j.resolve(Response{Err: err})
	}

	m.logger.Info("modem closed", "cause", cause, "failed_jobs", len(pending))
	m.emit(CloseEvent{Err: err})
}

// Close shuts down the modem and releases all resources.
// It stops the event loop, closes the transport connection, and marks
// the modem as closed. After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.closed = true
	cancel := m.loopCancel
	transport := m.transport
	m.mu.Unlock()

	if cancel != nil {
		// The loop fails outstanding jobs on its way out.
		cancel()
	} else if m.queue.isOpen() {
		m.shutdown(ErrClosed)
	}

	if transport != nil {
		return transport.Close()
	}
	return nil
}

// Exec queues cmd and waits for its response. A final result that signals
// failure is returned as a *CommandError. Exec must not be called from a
// job callback or event handler.
//
// Cancelling ctx stops the wait, not the command.
func (m *Modem) Exec(ctx context.Context, cmd string, opts ...ExecOption) (Response, error) {
	done := make(chan Response, 1)
	if _, err := m.Execute(cmd, func(r Response) { done <- r }, opts...); err != nil {
		return Response{}, err
	}

	select {
	case r := <-done:
		if r.Err != nil {
			return r, fmt.Errorf("%s: %w", cmd, r.Err)
		}
		if at.IsError(r.Terminator) {
			return r, &CommandError{Command: cmd, Terminator: r.Terminator, Body: r.Body}
		}
		return r, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("command %q: %w", cmd, ctx.Err())
	}
}

// expectOK executes cmd and requires an OK final result.
func (m *Modem) expectOK(ctx context.Context, cmd string) error {
	resp, err := m.Exec(ctx, cmd)
	if err != nil {
		return err
	}
	if resp.Terminator != at.OK {
		return fmt.Errorf("unexpected response: %q", resp.Terminator)
	}
	return nil
}

// Init performs the initial setup sequence for the modem hardware: wake-up,
// echo and error verbosity, SIM unlock and PDU mode. Indications that could
// not be enabled earlier are requested again at the end. Loop must be running.
func (m *Modem) Init(ctx context.Context) error {
	if m.config.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.InitTimeout)
		defer cancel()
	}

	// 1. Wake-up / sanity check
	if err := m.expectOK(ctx, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if !m.config.EchoOn {
		if err := m.expectOK(ctx, at.CmdEchoOff); err != nil {
			return fmt.Errorf("could not disable echo: %w", err)
		}
	}

	if err := m.expectOK(ctx, at.CmdVerboseErrors); err != nil {
		return fmt.Errorf("could not enable verbose errors: %w", err)
	}

	// 4. Check SIM status
	simStatus, err := m.Exec(ctx, at.CmdSimStatus)
	if err != nil {
		return fmt.Errorf("query SIM status: %w", err)
	}

	switch {
	case strings.Contains(simStatus.Body, at.SimReady):
		// OK

	case strings.Contains(simStatus.Body, at.SimPin):
		if m.config.SimPIN == "" {
			return ErrSIMPinRequired
		}
		if err := m.expectOK(ctx, fmt.Sprintf(`AT+CPIN="%s"`, m.config.SimPIN)); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}

		// Wait until SIM becomes ready
		if err := m.waitForSIMReady(ctx, PollConfig{}); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported SIM state: %q", strings.TrimSpace(simStatus.Body))
	}

	// 5. Select SMS PDU mode
	if err := m.expectOK(ctx, at.CmdSetPDUMode); err != nil {
		return fmt.Errorf("set SMS PDU mode: %w", err)
	}

	// Setup issued at Open fails while the SIM is locked.
	m.enableIndications()

	m.logger.Info("modem initialized")
	return nil
}

// waitForSIMReady polls the SIM card status until it reports ready state.
// This is necessary after entering a SIM PIN, as the SIM card needs time
// to authenticate and become operational. Uses configurable polling interval
// and retry limits to avoid infinite waiting.
func (m *Modem) waitForSIMReady(ctx context.Context, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
			retries++
			if retries > maxRetries {
				return fmt.Errorf("SIM not ready after %d retries", maxRetries)
			}
			resp, err := m.Exec(ctx, at.CmdSimStatus)
			if err != nil {
				// Fail fast on critical errors
				if errors.Is(err, ErrNotOpen) || errors.Is(err, ErrClosed) {
					return fmt.Errorf("SIM status check failed: %w", err)
				}
				continue
			}
			if strings.Contains(resp.Body, at.SimReady) {
				return nil
			}
		}
	}
}
