package aprs

import "strings"

// Message is the decoded `:addressee:text{seq` payload of spec.md
// §4.6. An Ack/Rej is a message whose Text begins with "ack"/"rej"
// followed by the sequence it acknowledges; AckSeq/RejSeq name which.
type Message struct {
	Addressee string
	Text      string
	Seq       string
	AckSeq    string
	RejSeq    string
}

// decodeMessage parses the body following the leading ':' data-type
// character, per spec.md §4.6: 9-char space-padded addressee, ':',
// text, optional '{seq' suffix.
func decodeMessage(body string) (Message, bool) {
	if len(body) < 10 || body[9] != ':' {
		return Message{}, false
	}
	addressee := strings.TrimRight(body[:9], " ")
	rest := body[10:]

	text := rest
	seq := ""
	if i := strings.IndexByte(rest, '{'); i >= 0 {
		text = rest[:i]
		seq = rest[i+1:]
	}

	m := Message{Addressee: addressee, Text: text, Seq: seq}
	switch {
	case strings.HasPrefix(text, "ack"):
		m.AckSeq = strings.TrimSpace(text[3:])
	case strings.HasPrefix(text, "rej"):
		m.RejSeq = strings.TrimSpace(text[3:])
	}
	return m, true
}

// EncodeMessage renders a Message back to its wire body (without the
// leading ':' data-type byte).
func EncodeMessage(m Message) string {
	addressee := m.Addressee
	if len(addressee) > 9 {
		addressee = addressee[:9]
	}
	for len(addressee) < 9 {
		addressee += " "
	}
	body := addressee + ":" + m.Text
	if m.Seq != "" {
		body += "{" + m.Seq
	}
	return body
}

// EncodeAck renders an acknowledgement message for the given seq.
func EncodeAck(addressee, seq string) string {
	return EncodeMessage(Message{Addressee: addressee, Text: "ack" + seq})
}

// EncodeRej renders a reject message for the given seq.
func EncodeRej(addressee, seq string) string {
	return EncodeMessage(Message{Addressee: addressee, Text: "rej" + seq})
}
