package directory

import (
	"encoding/base64"
	"mime"
	"strings"

	"google.golang.org/api/gmail/v1"

	"keepersecurity.com/gws-admin/errdefs"
)

// Message is a plain-text notice sent from the administrator's mailbox.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

func (m *Message) Validate() error {
	if len(m.To) == 0 {
		return errdefs.Validation("to", "at least one recipient is required")
	}
	for _, to := range m.To {
		if err := ValidateEmail("to", to); err != nil {
			return err
		}
	}
	if strings.ContainsAny(m.Subject, "\r\n") {
		return errdefs.Validation("subject", "must be a single line")
	}
	return nil
}

// RFC822 renders the message as a MIME document.
func (m *Message) RFC822() string {
	var sb strings.Builder
	if m.From != "" {
		sb.WriteString("From: " + m.From + "\r\n")
	}
	sb.WriteString("To: " + strings.Join(m.To, ", ") + "\r\n")
	sb.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", m.Subject) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	sb.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return sb.String()
}

func (m *Message) ToWire() *gmail.Message {
	return &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(m.RFC822()))}
}
