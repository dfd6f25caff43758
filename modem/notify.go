package modem

import (
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/atmodem/at"
	"i4.energy/across/atmodem/pdu"
)

// dispatchURC handles an unsolicited result code. It runs on the loop
// goroutine and never completes the running job.
func (m *Modem) dispatchURC(line string) {
	switch at.URCPrefix(line) {
	case at.UrcNewMsg:
		m.newMessage(line)
	case at.UrcMessageReport:
		m.statusReport(line)
	case at.UrcCallerID:
		caller := at.ParseResponse(line)[0]
		m.logger.Info("incoming call", "caller", caller)
		m.emit(RingEvent{CallerID: caller})
	}
}

// storageSlot parses `+CMTI: "SM",3` style arguments.
func storageSlot(line string) (string, int, error) {
	args := at.ParseResponse(line)
	if len(args) < 2 {
		return "", 0, fmt.Errorf("malformed notification %q", line)
	}
	index, err := strconv.Atoi(strings.TrimSpace(args[1]))
	if err != nil {
		return "", 0, fmt.Errorf("malformed storage index in %q: %w", line, err)
	}
	return args[0], index, nil
}

// newMessage reads a freshly stored message, checking on the way whether
// its store is now full.
func (m *Modem) newMessage(line string) {
	storage, index, err := storageSlot(line)
	if err != nil {
		m.logger.Warn("ignoring new message indication", "error", err)
		return
	}
	log := m.logger.With("storage", storage, "index", index)

	m.selectStorage(storage, true)
	m.readPDU(index, func(hexPDU string) {
		msg := m.processReceivedPDU(hexPDU, index)
		if msg == nil {
			return
		}
		log.Info("message received", "sender", msg.Sender, "parts", len(msg.Indexes))
		m.emit(SMSReceivedEvent{Message: msg})
	})
}

// statusReport reads a freshly stored delivery report.
func (m *Modem) statusReport(line string) {
	storage, index, err := storageSlot(line)
	if err != nil {
		m.logger.Warn("ignoring status report indication", "error", err)
		return
	}

	m.selectStorage(storage, false)
	m.readPDU(index, func(hexPDU string) {
		report, err := m.codec.DecodeStatusReport(hexPDU)
		if err != nil {
			m.logger.Warn("dropping malformed status report", "index", index, "error", err)
			return
		}
		m.emit(DeliveryEvent{Report: report, Index: index})
	})
}

// selectStorage makes storage the current message store. With checkFull
// set, a store with no free slot raises a MemoryFullEvent.
func (m *Modem) selectStorage(storage string, checkFull bool) {
	cmd := fmt.Sprintf(`AT+CPMS="%s"`, storage)
	_, err := m.Execute(cmd, func(r Response) {
		if r.IsError() {
			m.logger.Warn("select message storage failed", "storage", storage, "terminator", r.Terminator, "error", r.Err)
			return
		}
		if !checkFull {
			return
		}
		for _, l := range r.Lines() {
			if !strings.HasPrefix(l, "+CPMS") {
				continue
			}
			args := at.ParseResponse(l)
			if len(args) >= 2 && strings.TrimSpace(args[0]) == strings.TrimSpace(args[1]) {
				m.logger.Warn("message storage full", "storage", storage)
				m.emit(MemoryFullEvent{Storage: storage})
			}
			return
		}
	})
	if err != nil {
		m.logger.Warn("select message storage", "storage", storage, "error", err)
	}
}

// readPDU fetches the message at index and hands its PDU line to fn.
func (m *Modem) readPDU(index int, fn func(hexPDU string)) {
	_, err := m.Execute(fmt.Sprintf("AT+CMGR=%d", index), func(r Response) {
		if r.IsError() {
			m.logger.Warn("read message failed", "index", index, "terminator", r.Terminator, "error", r.Err)
			return
		}
		lines := r.Lines()
		if len(lines) < 2 {
			m.logger.Warn("read message returned no PDU", "index", index)
			return
		}
		fn(lines[1])
	})
	if err != nil {
		m.logger.Warn("read message", "index", index, "error", err)
	}
}

// processReceivedPDU decodes a stored SMS-DELIVER and feeds it to the
// reassembly table. Malformed PDUs are logged and dropped.
func (m *Modem) processReceivedPDU(hexPDU string, index int) *pdu.Message {
	msg, err := m.codec.Decode(hexPDU)
	if err != nil {
		m.logger.Warn("dropping malformed PDU", "index", index, "error", err)
		return nil
	}
	complete := m.partials.submit(msg, index)
	if complete == nil {
		m.logger.Debug("message part stored", "index", index, "pending", m.partials.len())
	}
	return complete
}
