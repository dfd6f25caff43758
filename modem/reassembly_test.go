package modem

import (
	"slices"
	"testing"
	"time"

	"i4.energy/across/atmodem/pdu"
)

func concatPart(sender, text string, ref, parts, current int) *pdu.Message {
	return &pdu.Message{
		Sender: sender,
		Text:   text,
		UDH:    &pdu.UDH{IEI: pdu.IEIConcat8, Reference: ref, Parts: parts, CurrentPart: current},
	}
}

func TestReassembly(t *testing.T) {
	const sender = "+306912345678"

	t.Run("Parts out of order", func(t *testing.T) {
		r := newReassembly(0, 0)

		if msg := r.submit(concatPart(sender, "b", 9, 3, 2), 11); msg != nil {
			t.Fatalf("expected incomplete, got %+v", msg)
		}
		if msg := r.submit(concatPart(sender, "c", 9, 3, 3), 12); msg != nil {
			t.Fatalf("expected incomplete, got %+v", msg)
		}
		first := concatPart(sender, "a", 9, 3, 1)
		first.SMSC = "+27381000015"
		msg := r.submit(first, 10)
		if msg == nil {
			t.Fatal("expected complete message")
		}
		if msg.Text != "abc" {
			t.Errorf("unexpected text %q", msg.Text)
		}
		if !slices.Equal(msg.Indexes, []int{10, 11, 12}) {
			t.Errorf("unexpected indexes %v", msg.Indexes)
		}
		if msg.SMSC != "+27381000015" || msg.Sender != sender {
			t.Errorf("header fields must come from the first part: %+v", msg)
		}
		if r.len() != 0 {
			t.Errorf("expected empty table, got %d entries", r.len())
		}
	})

	t.Run("Unsplit message passes through", func(t *testing.T) {
		r := newReassembly(0, 0)
		in := &pdu.Message{Sender: sender, Text: "hi"}
		msg := r.submit(in, 4)
		if msg != in || !slices.Equal(msg.Indexes, []int{4}) {
			t.Errorf("unexpected result %+v", msg)
		}
	})

	t.Run("Other headers pass through", func(t *testing.T) {
		r := newReassembly(0, 0)
		in := &pdu.Message{Sender: sender, Text: "port", UDH: &pdu.UDH{IEI: 0x05}}
		if msg := r.submit(in, 1); msg != in {
			t.Errorf("expected passthrough, got %+v", msg)
		}
		zero := concatPart(sender, "x", 3, 0, 0)
		if msg := r.submit(zero, 2); msg != zero {
			t.Errorf("expected passthrough for zero parts, got %+v", msg)
		}
		if r.len() != 0 {
			t.Errorf("nothing should be retained, got %d", r.len())
		}
	})

	t.Run("Repeated part replaces the earlier one", func(t *testing.T) {
		r := newReassembly(0, 0)
		r.submit(concatPart(sender, "old", 1, 2, 1), 1)
		r.submit(concatPart(sender, "new", 1, 2, 1), 5)
		msg := r.submit(concatPart(sender, "!", 1, 2, 2), 6)
		if msg == nil || msg.Text != "new!" || !slices.Equal(msg.Indexes, []int{5, 6}) {
			t.Errorf("unexpected result %+v", msg)
		}
	})

	t.Run("Senders are kept apart", func(t *testing.T) {
		r := newReassembly(0, 0)
		r.submit(concatPart("+1", "a", 1, 2, 1), 1)
		if msg := r.submit(concatPart("+2", "b", 1, 2, 2), 2); msg != nil {
			t.Fatalf("parts of different senders must not combine: %+v", msg)
		}
		if r.len() != 2 {
			t.Errorf("expected 2 entries, got %d", r.len())
		}
	})

	t.Run("Oldest entry is evicted", func(t *testing.T) {
		r := newReassembly(2, 0)
		r.submit(concatPart(sender, "a", 1, 2, 1), 1)
		r.submit(concatPart(sender, "a", 2, 2, 1), 2)
		r.submit(concatPart(sender, "a", 3, 2, 1), 3)
		if r.len() != 2 {
			t.Fatalf("expected 2 entries, got %d", r.len())
		}
		if msg := r.submit(concatPart(sender, "b", 1, 2, 2), 4); msg != nil {
			t.Errorf("evicted message must not complete: %+v", msg)
		}
		if msg := r.submit(concatPart(sender, "b", 3, 2, 2), 5); msg == nil || msg.Text != "ab" {
			t.Errorf("expected reference 3 to complete, got %+v", msg)
		}
	})

	t.Run("Stale entries expire", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		r := newReassembly(0, time.Hour)
		r.now = func() time.Time { return now }

		r.submit(concatPart(sender, "a", 1, 2, 1), 1)
		now = now.Add(30 * time.Minute)
		r.submit(concatPart(sender, "a", 2, 2, 1), 2)

		now = now.Add(45 * time.Minute)
		if msg := r.submit(concatPart(sender, "b", 1, 2, 2), 3); msg != nil {
			t.Errorf("expired message must not complete: %+v", msg)
		}
		if msg := r.submit(concatPart(sender, "b", 2, 2, 2), 4); msg == nil || msg.Text != "ab" {
			t.Errorf("expected reference 2 to complete, got %+v", msg)
		}
	})
}
