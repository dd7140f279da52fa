package winlink

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/w1gaia/htstation/internal/store"
)

// mailKeyPrefix namespaces the winlink-mails table spec.md §6 requires,
// one record per Mail keyed by its MID.
const mailKeyPrefix = "winlink-mail-"

func mailKey(mid string) string {
	return mailKeyPrefix + mid
}

// LoadOutbound returns every persisted Mail in the Outbox, the mailbox
// offered to a connecting peer at session start, per spec.md §4.7.
func LoadOutbound(ctx context.Context, kv store.KV) ([]Mail, error) {
	keys, err := kv.List(ctx, mailKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("winlink: listing mail store: %w", err)
	}
	var out []Mail
	for _, k := range keys {
		b, ok, err := kv.Load(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("winlink: loading %s: %w", k, err)
		}
		if !ok {
			continue
		}
		m, err := decodeMail(b)
		if err != nil {
			return nil, fmt.Errorf("winlink: decoding %s: %w", k, err)
		}
		if m.Mailbox == Outbox {
			out = append(out, m)
		}
	}
	return out, nil
}

// SaveMail persists m under its MID, overwriting any prior record.
func SaveMail(ctx context.Context, kv store.KV, m Mail) error {
	return kv.Save(ctx, mailKey(m.MID), encodeMail(m))
}

// DeleteMail removes a delivered or picked-up mail item from the store.
func DeleteMail(ctx context.Context, kv store.KV, mid string) error {
	return kv.Delete(ctx, mailKey(mid))
}

// encodeMail renders a Mail as newline-separated key=base64(value)
// pairs (repeated "to="/"cc="/"attach=" lines for the list fields),
// matching the plain key=value style already used for other persisted
// records (spec.md §6 leaves the wire encoding to the storage
// collaborator).
func encodeMail(m Mail) []byte {
	var b strings.Builder
	writeField := func(key, val string) {
		fmt.Fprintf(&b, "%s=%s\n", key, base64.StdEncoding.EncodeToString([]byte(val)))
	}
	writeField("mid", m.MID)
	writeField("date", m.Date.Format(time.RFC3339Nano))
	writeField("from", m.From)
	writeField("subject", m.Subject)
	writeField("flags", strconv.Itoa(int(m.Flags)))
	writeField("mailbox", strconv.Itoa(int(m.Mailbox)))
	writeField("body", string(m.Body))
	for _, to := range m.To {
		writeField("to", to)
	}
	for _, cc := range m.Cc {
		writeField("cc", cc)
	}
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "attach=%s:%s\n",
			base64.StdEncoding.EncodeToString([]byte(a.Name)),
			base64.StdEncoding.EncodeToString(a.Data))
	}
	return []byte(b.String())
}

func decodeMail(data []byte) (Mail, error) {
	var m Mail
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		key, rest, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "mid":
			v, err := decodeB64(rest)
			if err != nil {
				return Mail{}, err
			}
			m.MID = v
		case "date":
			v, err := decodeB64(rest)
			if err != nil {
				return Mail{}, err
			}
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				m.Date = t
			}
		case "from":
			v, err := decodeB64(rest)
			if err != nil {
				return Mail{}, err
			}
			m.From = v
		case "subject":
			v, err := decodeB64(rest)
			if err != nil {
				return Mail{}, err
			}
			m.Subject = v
		case "flags":
			n, err := strconv.Atoi(rest)
			if err != nil {
				return Mail{}, err
			}
			m.Flags = Flag(n)
		case "mailbox":
			n, err := strconv.Atoi(rest)
			if err != nil {
				return Mail{}, err
			}
			m.Mailbox = Mailbox(n)
		case "body":
			v, err := base64.StdEncoding.DecodeString(rest)
			if err != nil {
				return Mail{}, err
			}
			m.Body = v
		case "to":
			v, err := decodeB64(rest)
			if err != nil {
				return Mail{}, err
			}
			m.To = append(m.To, v)
		case "cc":
			v, err := decodeB64(rest)
			if err != nil {
				return Mail{}, err
			}
			m.Cc = append(m.Cc, v)
		case "attach":
			name, encData, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			n, err := decodeB64(name)
			if err != nil {
				return Mail{}, err
			}
			d, err := base64.StdEncoding.DecodeString(encData)
			if err != nil {
				return Mail{}, err
			}
			m.Attachments = append(m.Attachments, Attachment{Name: n, Data: d})
		}
	}
	return m, nil
}

func decodeB64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
