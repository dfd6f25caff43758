package modem

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/atmodem/at"
)

// Response is what a job resolves with.
type Response struct {
	// Body holds the lines received between the command and its final
	// result, each with its leading line feed.
	Body string
	// Terminator is the final result line: OK, an error line or the PDU
	// prompt. Empty when Err is set.
	Terminator string
	// Err is ErrTimedOut when the job expired, or wraps ErrClosed when the
	// session went away under it.
	Err error
}

// IsError reports whether the job did not complete with OK or the prompt.
func (r Response) IsError() bool {
	return r.Err != nil || at.IsError(r.Terminator)
}

// Lines returns the non-empty body lines, trimmed.
func (r Response) Lines() []string {
	var lines []string
	for _, l := range strings.Split(r.Body, at.LF) {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// Job is one queued AT command.
type Job struct {
	ID      uint64
	Command string
	// Timeout of zero disables expiry.
	Timeout time.Duration

	AddTime     time.Time
	ExecuteTime time.Time
	EndTime     time.Time

	callback func(Response)
	fired    atomic.Bool
	// remaining is the part of Command not yet echoed back.
	remaining string

	mu        sync.Mutex
	onStart   []func(*Job)
	onEnd     []func(*Job, Response)
	onTimeout []func(*Job)
}

// OnStart registers fn to run when the command is written.
func (j *Job) OnStart(fn func(*Job)) {
	j.mu.Lock()
	j.onStart = append(j.onStart, fn)
	j.mu.Unlock()
}

// OnEnd registers fn to run when a final result arrives, before the
// job's callback.
func (j *Job) OnEnd(fn func(*Job, Response)) {
	j.mu.Lock()
	j.onEnd = append(j.onEnd, fn)
	j.mu.Unlock()
}

// OnTimeout registers fn to run when the job expires.
func (j *Job) OnTimeout(fn func(*Job)) {
	j.mu.Lock()
	j.onTimeout = append(j.onTimeout, fn)
	j.mu.Unlock()
}

func (j *Job) fireStart() {
	j.mu.Lock()
	hooks := append([]func(*Job){}, j.onStart...)
	j.mu.Unlock()
	for _, fn := range hooks {
		fn(j)
	}
}

func (j *Job) fireEnd(r Response) {
	j.mu.Lock()
	hooks := append([]func(*Job, Response){}, j.onEnd...)
	j.mu.Unlock()
	for _, fn := range hooks {
		fn(j, r)
	}
}

func (j *Job) fireTimeout() {
	j.mu.Lock()
	hooks := append([]func(*Job){}, j.onTimeout...)
	j.mu.Unlock()
	for _, fn := range hooks {
		fn(j)
	}
}

// resolve invokes the callback unless it already ran.
func (j *Job) resolve(r Response) {
	if !j.fired.CompareAndSwap(false, true) {
		return
	}
	if j.callback != nil {
		j.callback(r)
	}
}

// ExecOption tunes a single Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	priority bool
	timeout  time.Duration
}

// WithPriority queues the job ahead of all pending work. Reserved for
// protocol continuations such as the PDU body after a prompt.
func WithPriority() ExecOption {
	return func(o *execOptions) { o.priority = true }
}

// WithTimeout overrides the configured AT timeout.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = d }
}

// WithoutTimeout disables expiry for the job.
func WithoutTimeout() ExecOption {
	return WithTimeout(0)
}

// jobQueue holds pending jobs. The in-flight job is not part of it.
// Jobs are only accepted while the queue is open, which is the session's
// open state.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []*Job
	opened bool
}

// enqueue adds j at the tail, or at the head when priority is set. It
// reports false when the queue is closed.
func (q *jobQueue) enqueue(j *Job, priority bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.opened {
		return false
	}
	if priority {
		q.jobs = append([]*Job{j}, q.jobs...)
		return true
	}
	q.jobs = append(q.jobs, j)
	return true
}

func (q *jobQueue) peek() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	return q.jobs[0]
}

func (q *jobQueue) dequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return j
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *jobQueue) open() {
	q.mu.Lock()
	q.opened = true
	q.mu.Unlock()
}

func (q *jobQueue) isOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opened
}

// close stops accepting jobs and returns the ones still pending.
func (q *jobQueue) close() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.opened = false
	jobs := q.jobs
	q.jobs = nil
	return jobs
}
