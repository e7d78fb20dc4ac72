// Package normalize converts provider message representations into
// model.CanonicalMessage.
package normalize

import (
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
)

// ParseAddressList parses a header value such as a To or Cc line. Entries
// that do not parse come back as {Name: nil, Email: raw token}.
func ParseAddressList(raw string) []model.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if list, err := mail.ParseAddressList(raw); err == nil {
		out := make([]model.Address, 0, len(list))
		for _, a := range list {
			out = append(out, toAddress(a))
		}
		return out
	}

	var out []model.Address
	for _, token := range splitAddressList(raw) {
		if a, err := mail.ParseAddress(token); err == nil {
			out = append(out, toAddress(a))
			continue
		}
		out = append(out, model.Address{Email: token})
	}
	return out
}

// ParseAddress parses a single mailbox, with the same fallback as
// ParseAddressList.
func ParseAddress(raw string) model.Address {
	raw = strings.TrimSpace(raw)
	if a, err := mail.ParseAddress(raw); err == nil {
		return toAddress(a)
	}
	return model.Address{Email: raw}
}

func toAddress(a *mail.Address) model.Address {
	out := model.Address{Email: a.Address}
	if name := strings.TrimSpace(a.Name); name != "" {
		out.Name = &name
	}
	return out
}

// splitAddressList splits on commas outside quotes, comments and angle
// brackets, dropping empty tokens.
func splitAddressList(raw string) []string {
	var (
		tokens  []string
		b       strings.Builder
		quoted  bool
		escaped bool
		depth   int
	)

	flush := func() {
		if tok := strings.TrimSpace(b.String()); tok != "" {
			tokens = append(tokens, tok)
		}
		b.Reset()
	}

	for _, r := range raw {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case quoted:
		case r == '<' || r == '(':
			depth++
		case (r == '>' || r == ')') && depth > 0:
			depth--
		case r == ',' && depth == 0:
			flush()
			continue
		}
		b.WriteRune(r)
	}
	flush()

	return tokens
}
