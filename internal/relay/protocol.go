package relay

import "regexp"

// LobbyName is the implicit room every client joins right after identifying.
const LobbyName = "null"

const (
	// maxNameLen bounds nicknames and room names.
	maxNameLen = 32
	// maxMessageLen bounds chat messages, emotes, and kick reasons.
	maxMessageLen = 200
	// maxStampLen caps stamp payloads well below the 24-bit wire maximum so a
	// single client can't make the server buffer 16MB.
	maxStampLen = 4 << 20
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validName reports whether b is usable as a nickname or room name.
// Length is checked separately so the caller can respond with the
// appropriate error.
func validName(b []byte) bool {
	return namePattern.Match(b)
}

// printable reports whether every byte of b is 7-bit printable ASCII.
func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// be24 decodes a 3-byte big-endian length field.
func be24(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

// errorFrame builds the [0x00, reason, 0x00] frame the server sends before
// closing a connection it is rejecting.
func errorFrame(reason string) []byte {
	frame := make([]byte, 0, len(reason)+2)
	frame = append(frame, OpError)
	frame = append(frame, reason...)
	return append(frame, 0)
}

// serverMessageFrame builds a colored server chat message frame.
func serverMessageFrame(text string, r, g, b byte) []byte {
	frame := make([]byte, 0, len(text)+5)
	frame = append(frame, OpServerMsg)
	frame = append(frame, text...)
	return append(frame, 0, r, g, b)
}

// protocolError indicates the client has desynced from the framing rules and
// the session cannot safely continue.
type protocolError struct {
	msg string
}

func (e *protocolError) Error() string {
	return e.msg
}
