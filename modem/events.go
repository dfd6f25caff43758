package modem

import (
	"i4.energy/across/atmodem/at"
	"i4.energy/across/atmodem/pdu"
)

// EventKind enumerates the session events.
type EventKind int

const (
	KindOpen EventKind = iota
	KindClose
	KindIdle
	KindJob
	KindData
	KindSMSReceived
	KindDelivery
	KindRing
	KindMemoryFull
	KindSMSSent
)

func (k EventKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindIdle:
		return "idle"
	case KindJob:
		return "job"
	case KindData:
		return "data"
	case KindSMSReceived:
		return "sms_received"
	case KindDelivery:
		return "delivery"
	case KindRing:
		return "ring"
	case KindMemoryFull:
		return "memory_full"
	case KindSMSSent:
		return "sms_sent"
	default:
		return "unknown"
	}
}

// Event is implemented by every event the session emits.
type Event interface {
	Kind() EventKind
}

type (
	// OpenEvent follows a successful Open.
	OpenEvent struct{}

	// CloseEvent reports the end of the session, or a command dropped
	// because the session was not open (Err is ErrNotOpen).
	CloseEvent struct {
		Err error
	}

	// IdleEvent is emitted when the queue runs empty.
	IdleEvent struct{}

	// JobEvent is emitted for every job accepted by Execute.
	JobEvent struct {
		Job *Job
	}

	// DataEvent carries every received line that is not an echo.
	DataEvent struct {
		Line string
	}

	SMSReceivedEvent struct {
		Message *pdu.Message
	}

	DeliveryEvent struct {
		Report *pdu.StatusReport
		Index  int
	}

	RingEvent struct {
		CallerID string
	}

	// MemoryFullEvent names the message store that ran out of space.
	MemoryFullEvent struct {
		Storage string
	}

	SMSSentEvent struct {
		Message pdu.Outgoing
		IDs     []string
	}
)

func (OpenEvent) Kind() EventKind        { return KindOpen }
func (CloseEvent) Kind() EventKind       { return KindClose }
func (IdleEvent) Kind() EventKind        { return KindIdle }
func (JobEvent) Kind() EventKind         { return KindJob }
func (DataEvent) Kind() EventKind        { return KindData }
func (SMSReceivedEvent) Kind() EventKind { return KindSMSReceived }
func (DeliveryEvent) Kind() EventKind    { return KindDelivery }
func (RingEvent) Kind() EventKind        { return KindRing }
func (MemoryFullEvent) Kind() EventKind  { return KindMemoryFull }
func (SMSSentEvent) Kind() EventKind     { return KindSMSSent }

// Handler receives events of the kind it was subscribed to.
type Handler func(Event)

// indications maps event kinds to the command that makes the modem report
// them unsolicited.
var indications = map[EventKind]string{
	KindSMSReceived: at.CmdEnableNewMessageIndications,
	KindRing:        at.CmdEnableCallerID,
}

// Subscribe registers h for events of kind k. The first subscription to
// KindSMSReceived or KindRing also enables the matching unsolicited
// indication on the modem, now if the session is open or on the next
// Open otherwise.
func (m *Modem) Subscribe(k EventKind, h Handler) {
	m.handlers.Compute(k, func(old []Handler, _ bool) ([]Handler, bool) {
		return append(old, h), false
	})
	if _, ok := indications[k]; ok {
		m.wanted.Store(k, true)
		if m.IsOpen() {
			m.enableIndication(k)
		}
	}
}

// enableIndication issues the setup command for k once per open session.
func (m *Modem) enableIndication(k EventKind) {
	cmd, ok := indications[k]
	if !ok {
		return
	}
	if _, loaded := m.enabled.LoadOrStore(k, true); loaded {
		return
	}
	log := m.logger.With("indication", k.String())
	if _, err := m.Execute(cmd, func(r Response) {
		if r.IsError() {
			log.Warn("enable indication failed", "terminator", r.Terminator, "error", r.Err)
			m.enabled.Delete(k)
		}
	}); err != nil {
		m.enabled.Delete(k)
	}
}

// enableIndications issues the setup commands for every kind that has
// subscribers.
func (m *Modem) enableIndications() {
	m.wanted.Range(func(k EventKind, _ bool) bool {
		m.enableIndication(k)
		return true
	})
}

func (m *Modem) emit(e Event) {
	hs, ok := m.handlers.Load(e.Kind())
	if !ok {
		return
	}
	for _, h := range hs {
		h(e)
	}
}

func (m *Modem) OnSMSReceived(fn func(*pdu.Message)) {
	m.Subscribe(KindSMSReceived, func(e Event) { fn(e.(SMSReceivedEvent).Message) })
}

func (m *Modem) OnDelivery(fn func(report *pdu.StatusReport, index int)) {
	m.Subscribe(KindDelivery, func(e Event) {
		d := e.(DeliveryEvent)
		fn(d.Report, d.Index)
	})
}

func (m *Modem) OnRing(fn func(callerID string)) {
	m.Subscribe(KindRing, func(e Event) { fn(e.(RingEvent).CallerID) })
}

func (m *Modem) OnMemoryFull(fn func(storage string)) {
	m.Subscribe(KindMemoryFull, func(e Event) { fn(e.(MemoryFullEvent).Storage) })
}

func (m *Modem) OnSMSSent(fn func(msg pdu.Outgoing, ids []string)) {
	m.Subscribe(KindSMSSent, func(e Event) {
		s := e.(SMSSentEvent)
		fn(s.Message, s.IDs)
	})
}

func (m *Modem) OnData(fn func(line string)) {
	m.Subscribe(KindData, func(e Event) { fn(e.(DataEvent).Line) })
}

func (m *Modem) OnClose(fn func(err error)) {
	m.Subscribe(KindClose, func(e Event) { fn(e.(CloseEvent).Err) })
}
