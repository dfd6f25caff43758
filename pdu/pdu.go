// Package pdu converts between the hex strings a modem exchanges in PDU
// mode (AT+CMGF=0) and structured SMS values.
//
// The TPDU layout and the GSM 7-bit/UCS-2 alphabets are handled by
// github.com/warthog618/sms; this package only adapts them to the shapes
// the modem session needs: hex strings carrying a leading SMSC octet on the
// way out, and flat Message/StatusReport values with the concatenation
// header exposed on the way in.
package pdu

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/pdumode"
	"github.com/warthog618/sms/encoding/tpdu"
)

// Information element identifiers of the concatenation headers.
const (
	IEIConcat8  byte = 0x00
	IEIConcat16 byte = 0x08
)

var (
	// ErrNoRecipient is returned when encoding a message without a
	// destination number.
	ErrNoRecipient = errors.New("pdu: recipient is required")

	// ErrEmptyPDU is returned when decoding an empty string.
	ErrEmptyPDU = errors.New("pdu: empty PDU")
)

// Outgoing is a message to be submitted to the network.
type Outgoing struct {
	Receiver string `json:"to"`
	Text     string `json:"message"`
}

// UDH is the part of a user data header relevant to reassembly.
// For headers that are not concatenation headers only IEI is meaningful.
type UDH struct {
	IEI         byte
	Reference   int
	Parts       int
	CurrentPart int
}

// IsConcat reports whether the header describes one part of a
// concatenated message.
func (u *UDH) IsConcat() bool {
	return u != nil && (u.IEI == IEIConcat8 || u.IEI == IEIConcat16)
}

// Message is a decoded SMS-DELIVER, or the result of reassembling several.
type Message struct {
	SMSC      string    `json:"smsc,omitempty"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	UDH       *UDH      `json:"-"`
	// Indexes lists the storage slots the message was read from, in part
	// order for reassembled messages.
	Indexes []int `json:"indexes"`
}

// StatusReport is a decoded SMS-STATUS-REPORT.
type StatusReport struct {
	Reference     int       `json:"reference"`
	Recipient     string    `json:"recipient"`
	ServiceCentre time.Time `json:"service_centre_time"`
	Discharge     time.Time `json:"discharge_time"`
	Status        byte      `json:"status"`
}

// Delivered reports whether the status is in the "transaction completed"
// range of 3GPP TS 23.040.
func (r *StatusReport) Delivered() bool {
	return r.Status < 0x20
}

// Codec is the conversion the modem session relies on.
type Codec interface {
	// Encode returns the ordered PDUs, as hex, that carry msg.
	Encode(msg Outgoing) ([]string, error)
	// Decode parses a received SMS-DELIVER.
	Decode(hexPDU string) (*Message, error)
	// DecodeStatusReport parses a received SMS-STATUS-REPORT.
	DecodeStatusReport(hexPDU string) (*StatusReport, error)
}

type codec struct{}

// NewCodec returns the default Codec.
func NewCodec() Codec {
	return codec{}
}

// Encode builds SMS-SUBMIT TPDUs for msg, splitting and adding
// concatenation headers as needed. Each PDU is prefixed with a zero SMSC
// length octet so the modem uses its configured service centre.
func (codec) Encode(msg Outgoing) ([]string, error) {
	if strings.TrimSpace(msg.Receiver) == "" {
		return nil, ErrNoRecipient
	}
	tpdus, err := sms.Encode([]byte(msg.Text), sms.AsSubmit, sms.To(msg.Receiver))
	if err != nil {
		return nil, fmt.Errorf("pdu: encode: %w", err)
	}

	pdus := make([]string, 0, len(tpdus))
	for i, t := range tpdus {
		b, err := t.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("pdu: marshal segment %d: %w", i+1, err)
		}
		pdus = append(pdus, "00"+strings.ToUpper(hex.EncodeToString(b)))
	}
	return pdus, nil
}

// Decode parses a hex SMS-DELIVER as listed by AT+CMGR or AT+CMGL.
func (codec) Decode(hexPDU string) (*Message, error) {
	p, t, err := unmarshal(hexPDU)
	if err != nil {
		return nil, err
	}

	text, err := sms.Decode([]*tpdu.TPDU{t})
	if err != nil {
		return nil, fmt.Errorf("pdu: decode user data: %w", err)
	}

	return &Message{
		SMSC:      p.SMSC.Number(),
		Sender:    t.OA.Number(),
		Text:      string(text),
		Timestamp: t.SCTS.Time,
		UDH:       headerOf(t.UDH),
	}, nil
}

// DecodeStatusReport parses a hex SMS-STATUS-REPORT.
func (codec) DecodeStatusReport(hexPDU string) (*StatusReport, error) {
	_, t, err := unmarshal(hexPDU)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Reference:     int(t.MR),
		Recipient:     t.RA.Number(),
		ServiceCentre: t.SCTS.Time,
		Discharge:     t.DT.Time,
		Status:        t.ST,
	}, nil
}

func unmarshal(hexPDU string) (*pdumode.PDU, *tpdu.TPDU, error) {
	hexPDU = strings.TrimSpace(hexPDU)
	if hexPDU == "" {
		return nil, nil, ErrEmptyPDU
	}
	p, err := pdumode.UnmarshalHexString(hexPDU)
	if err != nil {
		return nil, nil, fmt.Errorf("pdu: invalid PDU: %w", err)
	}
	t, err := sms.Unmarshal(p.TPDU)
	if err != nil {
		return nil, nil, fmt.Errorf("pdu: invalid TPDU: %w", err)
	}
	return p, t, nil
}

// headerOf picks the concatenation element out of a user data header, or
// the first element when there is none.
func headerOf(udh tpdu.UserDataHeader) *UDH {
	if len(udh) == 0 {
		return nil
	}
	for _, ie := range udh {
		switch {
		case ie.ID == IEIConcat8 && len(ie.Data) >= 3:
			return &UDH{
				IEI:         ie.ID,
				Reference:   int(ie.Data[0]),
				Parts:       int(ie.Data[1]),
				CurrentPart: int(ie.Data[2]),
			}
		case ie.ID == IEIConcat16 && len(ie.Data) >= 4:
			return &UDH{
				IEI:         ie.ID,
				Reference:   int(ie.Data[0])<<8 | int(ie.Data[1]),
				Parts:       int(ie.Data[2]),
				CurrentPart: int(ie.Data[3]),
			}
		}
	}
	return &UDH{IEI: udh[0].ID}
}
