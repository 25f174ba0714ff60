package personalchat

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// legacyUserServer is the user server of older web clients ("123@c.us").
const legacyUserServer = "c.us"

// ParseRecipient turns a conversation id into a JID. It accepts full JIDs,
// legacy "@c.us" ids and bare phone numbers (with optional "+", spaces or
// dashes).
func ParseRecipient(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.EmptyJID, fmt.Errorf("empty recipient")
	}

	if user, server, ok := strings.Cut(s, "@"); ok {
		if server == legacyUserServer {
			server = types.DefaultUserServer
		}
		jid, err := types.ParseJID(user + "@" + server)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid recipient %q: %w", s, err)
		}
		if jid.User == "" {
			return types.EmptyJID, fmt.Errorf("invalid recipient %q: no user part", s)
		}
		return jid, nil
	}

	number := strings.NewReplacer("+", "", " ", "", "-", "", "(", "", ")", "").Replace(s)
	if number == "" {
		return types.EmptyJID, fmt.Errorf("invalid recipient %q", s)
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return types.EmptyJID, fmt.Errorf("invalid recipient %q: not a phone number", s)
		}
	}
	return types.NewJID(number, types.DefaultUserServer), nil
}
