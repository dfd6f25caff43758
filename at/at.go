package at

const (
	// Terminal Control
	CR     = "\r"
	LF     = "\n"
	CtrlZ  = "\x1a"
	Prompt = ">"

	// Response Codes
	OK    = "OK"
	ERROR = "ERROR"

	// URCs (Unsolicited Result Codes), matched on the first five characters
	UrcNewMsg        = "+CMTI"
	UrcMessageReport = "+CDSI"
	UrcCallerID      = "+CLIP"

	// UrcMemoryFull is sent by some modems when the message store fills up.
	UrcMemoryFull = "^SMMEMFULL"

	// NoticePrefix starts vendor notifications (^RSSI, ^BOOT, ...) that may
	// arrive in the middle of a command response.
	NoticePrefix = "^"
)

// Commands
const (
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdSimStatus     = "AT+CPIN?"
	CmdSetPDUMode    = "AT+CMGF=0"

	// CmdEnableNewMessageIndications routes +CMTI and +CDSI to the terminal.
	CmdEnableNewMessageIndications = "AT+CNMI=2,1,0,2,0"
	// CmdEnableCallerID turns on +CLIP presentation for incoming calls.
	CmdEnableCallerID = "AT+CLIP=1"
)

// Message list status filters for AT+CMGL in PDU mode.
const (
	ListReceivedUnread = 0
	ListReceivedRead   = 1
	ListStoredUnsent   = 2
	ListStoredSent     = 3
	ListAll            = 4
)

const (
	SimReady = "READY"
	SimPin   = "SIM PIN"
)

type ResponseType int

const (
	TypeData       ResponseType = iota // Body of the running command
	TypeURC                            // +CMTI, +CDSI, +CLIP
	TypeMemoryFull                     // ^SMMEMFULL
	TypeNotice                         // ^XXXX while a command is running
	TypeFinal                          // OK, ERROR, +CME ERROR, +CMS ERROR
	TypePrompt                         // PDU input prompt
)

func (t ResponseType) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeURC:
		return "urc"
	case TypeMemoryFull:
		return "memory-full"
	case TypeNotice:
		return "notice"
	case TypeFinal:
		return "final"
	case TypePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}
