package modem

import (
	"slices"
	"strings"
	"time"

	"i4.energy/across/atmodem/pdu"
)

type partKey struct {
	sender    string
	reference int
}

type fragment struct {
	msg   *pdu.Message
	index int
}

type partial struct {
	first     time.Time
	fragments []fragment
}

// reassembly collects the parts of concatenated messages until all of them
// arrived. It is only touched from the loop goroutine.
//
// Retention is bounded: at most max messages are kept incomplete, the
// oldest being dropped first, and a message whose first part is older than
// ttl is dropped on the next submit.
type reassembly struct {
	entries map[partKey]*partial
	// order lists keys by first arrival.
	order []partKey
	max   int
	ttl   time.Duration
	now   func() time.Time
}

func newReassembly(maxPartials int, ttl time.Duration) *reassembly {
	return &reassembly{
		entries: make(map[partKey]*partial),
		max:     maxPartials,
		ttl:     ttl,
		now:     time.Now,
	}
}

// submit adds a decoded message read from storage slot index. It returns
// the message when it is complete, either because it was never split or
// because this was its last missing part, and nil otherwise.
func (r *reassembly) submit(msg *pdu.Message, index int) *pdu.Message {
	if !msg.UDH.IsConcat() || msg.UDH.Parts < 1 {
		msg.Indexes = []int{index}
		return msg
	}

	r.expire()

	key := partKey{sender: msg.Sender, reference: msg.UDH.Reference}
	p, ok := r.entries[key]
	if !ok {
		p = &partial{first: r.now()}
		r.entries[key] = p
		r.order = append(r.order, key)
		r.evict()
	}

	f := fragment{msg: msg, index: index}
	if i := slices.IndexFunc(p.fragments, func(f fragment) bool {
		return f.msg.UDH.CurrentPart == msg.UDH.CurrentPart
	}); i >= 0 {
		// Stored parts are listed again on every AT+CMGL.
		p.fragments[i] = f
	} else {
		p.fragments = append(p.fragments, f)
	}

	if len(p.fragments) < msg.UDH.Parts {
		return nil
	}

	var (
		text    strings.Builder
		indexes []int
		base    = msg
	)
	for part := 1; part <= msg.UDH.Parts; part++ {
		for _, f := range p.fragments {
			if f.msg.UDH.CurrentPart != part {
				continue
			}
			if part == 1 {
				base = f.msg
			}
			text.WriteString(f.msg.Text)
			indexes = append(indexes, f.index)
			break
		}
	}
	r.remove(key)

	complete := *base
	complete.Text = text.String()
	complete.Indexes = indexes
	return &complete
}

func (r *reassembly) len() int {
	return len(r.entries)
}

func (r *reassembly) expire() {
	if r.ttl <= 0 {
		return
	}
	cutoff := r.now().Add(-r.ttl)
	for len(r.order) > 0 {
		key := r.order[0]
		if r.entries[key].first.After(cutoff) {
			return
		}
		r.remove(key)
	}
}

func (r *reassembly) evict() {
	for r.max > 0 && len(r.order) > r.max {
		r.remove(r.order[0])
	}
}

func (r *reassembly) remove(key partKey) {
	delete(r.entries, key)
	if i := slices.Index(r.order, key); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}
