package session

import "strings"

// fallbackPersona grounds the model when a tenant has no prompt material at
// all.
const fallbackPersona = "You are a friendly, professional restaurant phone assistant. " +
	"Keep answers short and speakable, and help the caller order food or ask about the restaurant."

// Profile is the immutable tenant snapshot a session captures at connect
// time. Later edits to the tenant row do not affect calls already in flight.
type Profile struct {
	ID        string
	Name      string
	Persona   string
	Hours     string
	Location  string
	Knowledge string
	MenuCache string

	// Active is nil for tenant rows created before the flag existed; those
	// are treated as active.
	Active *bool
}

// IsActive reports whether the tenant may take calls. An unset flag counts
// as active.
func (p Profile) IsActive() bool {
	return p.Active == nil || *p.Active
}

// SystemPrompt composes the session's system instruction from the profile's
// non-empty fields, in a fixed order, separated by blank lines. An entirely
// empty profile falls back to a minimal persona.
func (p Profile) SystemPrompt() string {
	var sections []string
	for _, s := range []string{p.Persona, p.Hours, p.Location, p.Knowledge, p.MenuCache} {
		if s = strings.TrimSpace(s); s != "" {
			sections = append(sections, s)
		}
	}
	if len(sections) == 0 {
		return fallbackPersona
	}
	return strings.Join(sections, "\n\n")
}
