package domain

import (
	"fmt"
	"strings"
)

// Platform identifies which backend a session, conversation or message belongs to.
type Platform string

const (
	PhotoDM      Platform = "photodm"
	PersonalChat Platform = "personalchat"
)

// platformOrder is the canonical ordering used for deterministic tie-breaks.
var platformOrder = []Platform{PhotoDM, PersonalChat}

// legacy names accepted on the HTTP surface and in client commands.
var platformAliases = map[string]Platform{
	"photodm":      PhotoDM,
	"instagram":    PhotoDM,
	"personalchat": PersonalChat,
	"whatsapp":     PersonalChat,
}

// Platforms returns every known platform in canonical order.
func Platforms() []Platform {
	out := make([]Platform, len(platformOrder))
	copy(out, platformOrder)
	return out
}

// ParsePlatform resolves a platform name or legacy alias, case-insensitively.
func ParsePlatform(s string) (Platform, error) {
	if p, ok := platformAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	return p.Rank() >= 0
}

// Rank is the position of p in the canonical ordering, or -1 if unknown.
func (p Platform) Rank() int {
	for i, known := range platformOrder {
		if known == p {
			return i
		}
	}
	return -1
}

func (p Platform) String() string { return string(p) }
