package modem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/atmodem/at"
	"i4.energy/across/atmodem/pdu"
)

// SMS sends msg, splitting it into as many PDUs as needed. For every PDU
// the modem is asked to accept a TPDU of its length, and once it shows the
// prompt the PDU itself is sent ahead of any other queued work.
//
// cb receives the message reference of every part, in order. The first
// part that fails aborts the send and cb gets the error instead; no
// SMSSentEvent is emitted in that case. cb runs on the loop goroutine,
// except for encoding errors which are reported synchronously.
func (m *Modem) SMS(msg pdu.Outgoing, cb func(ids []string, err error)) {
	if cb == nil {
		cb = func([]string, error) {}
	}
	pdus, err := m.codec.Encode(msg)
	if err != nil {
		cb(nil, fmt.Errorf("encode message: %w", err))
		return
	}
	s := &smsSend{m: m, msg: msg, pdus: pdus, cb: cb}
	s.next()
}

// smsSend walks the PDUs of one outgoing message.
type smsSend struct {
	m    *Modem
	msg  pdu.Outgoing
	pdus []string
	ids  []string
	cb   func([]string, error)
}

func (s *smsSend) part() int {
	return len(s.ids) + 1
}

func (s *smsSend) next() {
	if len(s.ids) == len(s.pdus) {
		s.m.logger.Info("message sent", "to", s.msg.Receiver, "parts", len(s.ids), "references", s.ids)
		s.cb(s.ids, nil)
		s.m.emit(SMSSentEvent{Message: s.msg, IDs: s.ids})
		return
	}

	hexPDU := s.pdus[len(s.ids)]
	// The announced length excludes the SMSC octets, which are empty here.
	cmd := fmt.Sprintf("AT+CMGS=%d", len(hexPDU)/2-1)
	if _, err := s.m.Execute(cmd, func(r Response) { s.prompted(cmd, hexPDU, r) }); err != nil {
		s.fail(err)
	}
}

func (s *smsSend) prompted(cmd, hexPDU string, r Response) {
	switch {
	case r.Err != nil:
		s.fail(fmt.Errorf("%s: %w", cmd, r.Err))
		return
	case r.Terminator != at.Prompt:
		s.fail(fmt.Errorf("%w: %w", ErrNoPrompt, &CommandError{Command: cmd, Terminator: r.Terminator, Body: r.Body}))
		return
	}

	body := hexPDU + at.CtrlZ
	_, err := s.m.Execute(body, s.sent, WithPriority(), WithoutTimeout())
	if err != nil {
		s.fail(err)
	}
}

func (s *smsSend) sent(r Response) {
	if r.Err != nil {
		s.fail(fmt.Errorf("send PDU: %w", r.Err))
		return
	}
	if r.IsError() {
		s.fail(&CommandError{Command: "send PDU", Terminator: r.Terminator, Body: r.Body})
		return
	}

	var ref string
	for _, l := range r.Lines() {
		if strings.HasPrefix(l, "+CMGS") {
			ref = at.ParseResponse(l)[0]
			break
		}
	}
	s.ids = append(s.ids, ref)
	s.next()
}

func (s *smsSend) fail(err error) {
	err = fmt.Errorf("send part %d of %d to %s: %w", s.part(), len(s.pdus), s.msg.Receiver, err)
	s.m.logger.Warn("message not sent", "to", s.msg.Receiver, "error", err)
	s.cb(nil, err)
}

// SendSMS sends text to the recipient and waits for the message references.
//
// The recipient should be in international format (e.g., "+1234567890").
// Network delivery to the final recipient happens asynchronously and is
// reported by a DeliveryEvent when status reports are requested.
func (m *Modem) SendSMS(ctx context.Context, recipient, text string) ([]string, error) {
	if !m.IsOpen() {
		return nil, ErrNotOpen
	}

	type result struct {
		ids []string
		err error
	}
	done := make(chan result, 1)
	m.SMS(pdu.Outgoing{Receiver: recipient, Text: text}, func(ids []string, err error) {
		done <- result{ids, err}
	})

	select {
	case r := <-done:
		return r.ids, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("send SMS: %w", ctx.Err())
	}
}

// GetMessages lists the received messages held by the modem. Parts of
// concatenated messages are merged; parts whose siblings are missing are
// kept back until the siblings are listed or received.
func (m *Modem) GetMessages(cb func([]*pdu.Message, error)) {
	cmd := fmt.Sprintf("AT+CMGL=%d", at.ListReceivedRead)
	_, err := m.Execute(cmd, func(r Response) {
		if r.IsError() {
			cb(nil, responseError(cmd, r))
			return
		}

		var (
			messages []*pdu.Message
			index    = -1
		)
		for _, l := range r.Lines() {
			if strings.HasPrefix(l, "+") {
				n, err := strconv.Atoi(strings.TrimSpace(at.ParseResponse(l)[0]))
				if err != nil {
					m.logger.Warn("malformed list entry", "line", l)
					n = -1
				}
				index = n
				continue
			}
			if msg := m.processReceivedPDU(l, index); msg != nil {
				messages = append(messages, msg)
			}
		}
		cb(messages, nil)
	})
	if err != nil {
		cb(nil, err)
	}
}

// ListMessages is the blocking form of GetMessages.
func (m *Modem) ListMessages(ctx context.Context) ([]*pdu.Message, error) {
	type result struct {
		messages []*pdu.Message
		err      error
	}
	done := make(chan result, 1)
	m.GetMessages(func(messages []*pdu.Message, err error) {
		done <- result{messages, err}
	})

	select {
	case r := <-done:
		return r.messages, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("list messages: %w", ctx.Err())
	}
}

// DeleteMessage removes the message stored at index.
func (m *Modem) DeleteMessage(index int, cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	cmd := fmt.Sprintf("AT+CMGD=%d", index)
	_, err := m.Execute(cmd, func(r Response) {
		if r.IsError() {
			cb(responseError(cmd, r))
			return
		}
		cb(nil)
	})
	if err != nil {
		cb(err)
	}
}

// RemoveMessage is the blocking form of DeleteMessage.
func (m *Modem) RemoveMessage(ctx context.Context, index int) error {
	done := make(chan error, 1)
	m.DeleteMessage(index, func(err error) { done <- err })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delete message %d: %w", index, ctx.Err())
	}
}

// responseError converts a failed response into an error.
func responseError(cmd string, r Response) error {
	if r.Err != nil {
		return fmt.Errorf("%s: %w", cmd, r.Err)
	}
	return &CommandError{Command: cmd, Terminator: r.Terminator, Body: r.Body}
}

// IsCommandError reports whether err carries a modem error result.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
