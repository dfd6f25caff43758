package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input on carriage returns only. The line feed of a CRLF
// pair stays at the start of the following token, so a response body keeps
// its line structure when tokens are concatenated. The PDU input prompt
// ("> ", optionally preceded by a line feed) is returned as soon as it is
// seen because the modem never terminates it.
//
// Echoed commands come back as their own token (the modem echoes the CR
// that ended them), which lets the caller strip them before classification.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match PDU prompt
	if n := promptLen(data); n > 0 {
		return n, data[0:n], nil
	}

	// 2. Match line ending with CR
	if i := bytes.IndexByte(data, '\r'); i >= 0 {
		return i + 1, data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

func promptLen(data []byte) int {
	n := 0
	if len(data) > 0 && data[0] == '\n' {
		n = 1
	}
	if bytes.HasPrefix(data[n:], []byte(Prompt+" ")) {
		return n + len(Prompt) + 1
	}
	return 0
}

// Classify identifies the nature of a response line. busy reports whether
// a command is waiting for its final result; vendor notices are only
// filtered out while one is.
func Classify(line string, busy bool) ResponseType {
	trimmed := strings.TrimSpace(line)

	switch URCPrefix(trimmed) {
	case UrcNewMsg, UrcMessageReport, UrcCallerID:
		return TypeURC
	}

	if strings.TrimSpace(head(trimmed, len(UrcMemoryFull))) == UrcMemoryFull {
		return TypeMemoryFull
	}

	if busy && strings.HasPrefix(trimmed, NoticePrefix) {
		return TypeNotice
	}

	switch {
	case trimmed == OK, IsError(trimmed):
		return TypeFinal
	case trimmed == Prompt:
		return TypePrompt
	default:
		return TypeData
	}
}

// URCPrefix returns the part of line used to recognise unsolicited result
// codes: its first five non-blank characters.
func URCPrefix(line string) string {
	return strings.TrimSpace(head(strings.TrimSpace(line), len(UrcNewMsg)))
}

// IsError reports whether a final result signals failure. Any line that
// mentions "error", in any case, counts: ERROR, +CME ERROR: n, +CMS ERROR: n.
func IsError(line string) bool {
	return strings.Contains(strings.ToLower(line), "error")
}

// ParseResponse splits the arguments of an information response such as
// `+CPMS: "SM",3,10` into fields. Everything up to the first colon is
// dropped, commas inside double quotes do not separate fields and the
// quotes themselves are removed.
func ParseResponse(response string) []string {
	plain := strings.TrimSpace(response[strings.IndexByte(response, ':')+1:])

	var (
		parts   []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range plain {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(parts, current.String())
}

func head(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
