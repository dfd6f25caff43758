package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned when the send queue cannot take more requests.
var ErrQueueFull = errors.New("send queue is full")

// Request is a message to be sent, as received over HTTP or MQTT.
type Request struct {
	// ID is optional; a random one is assigned when empty.
	ID      string `json:"id,omitempty"`
	To      string `json:"to"`
	Message string `json:"message"`
}

func (r Request) validate() error {
	if r.To == "" || r.Message == "" {
		return errors.New("both 'to' and 'message' fields are required")
	}
	return nil
}

// Sender submits one message to the network and returns its references.
type Sender interface {
	SendSMS(ctx context.Context, recipient, text string) ([]string, error)
}

type result struct {
	ids []string
	err error
}

type sendJob struct {
	req      Request
	attempts int
	// done is nil for fire-and-forget requests.
	done chan result
}

// Gateway serializes send requests onto the modem, keeping at least
// interval between two sends and retrying failed ones.
type Gateway struct {
	sender     Sender
	logger     *slog.Logger
	interval   time.Duration
	maxRetries int
	queue      chan sendJob

	// backoff returns the pause before retry attempt n.
	backoff func(n int) time.Duration
}

func NewGateway(sender Sender, logger *slog.Logger, interval time.Duration, maxRetries int) *Gateway {
	return &Gateway{
		sender:     sender,
		logger:     logger,
		interval:   interval,
		maxRetries: maxRetries,
		queue:      make(chan sendJob, 1024),
		backoff: func(int) time.Duration {
			return time.Duration(800+rand.IntN(600)) * time.Millisecond
		},
	}
}

// Enqueue queues r and returns its id without waiting for the send.
func (g *Gateway) Enqueue(r Request) (string, error) {
	if err := r.validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	select {
	case g.queue <- sendJob{req: r}:
		return r.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Send queues r and waits until it was sent or finally failed.
func (g *Gateway) Send(ctx context.Context, r Request) ([]string, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	done := make(chan result, 1)
	select {
	case g.queue <- sendJob{req: r, done: done}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-done:
		return res.ids, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run works the queue until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	var last time.Time
	for {
		var job sendJob
		select {
		case <-ctx.Done():
			return nil
		case job = <-g.queue:
		}

		for {
			if wait := g.interval - time.Since(last); wait > 0 {
				if err := sleep(ctx, wait); err != nil {
					return nil
				}
			}
			last = time.Now()

			ids, err := g.sender.SendSMS(ctx, job.req.To, job.req.Message)
			log := g.logger.With("id", job.req.ID, "to", job.req.To, "attempt", job.attempts+1)
			if err == nil {
				log.Info("SMS sent", "references", ids)
				job.finish(ids, nil)
				break
			}
			if job.attempts >= g.maxRetries || ctx.Err() != nil {
				log.Error("SMS send failed", "error", err)
				job.finish(nil, fmt.Errorf("send %s: %w", job.req.ID, err))
				break
			}

			job.attempts++
			back := g.backoff(job.attempts)
			log.Warn("SMS send failed, retrying", "error", err, "backoff", back)
			if err := sleep(ctx, back); err != nil {
				job.finish(nil, err)
				return nil
			}
		}
	}
}

func (j sendJob) finish(ids []string, err error) {
	if j.done != nil {
		j.done <- result{ids, err}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
