package pos

import (
	"fmt"
	"strings"
)

// RenderMenu flattens catalog items into the plain text block the session
// layer feeds into the system prompt. Items are grouped by category in
// first-seen order; unavailable items are dropped. Returns "" when nothing
// is sellable.
func RenderMenu(items []Item) string {
	type group struct {
		name  string
		items []Item
	}
	var groups []group
	index := make(map[string]int)
	for _, item := range items {
		if !item.Available || strings.TrimSpace(item.Name) == "" {
			continue
		}
		i, ok := index[item.Category]
		if !ok {
			i = len(groups)
			index[item.Category] = i
			groups = append(groups, group{name: item.Category})
		}
		groups[i].items = append(groups[i].items, item)
	}
	if len(groups) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("MENU\n")
	for _, g := range groups {
		b.WriteString("\n")
		if g.name != "" {
			b.WriteString(g.name + ":\n")
		}
		for _, item := range g.items {
			fmt.Fprintf(&b, "- %s %s", item.Name, formatPrice(item.PriceCents))
			if desc := strings.TrimSpace(item.Description); desc != "" {
				b.WriteString(": " + desc)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPrice(cents int) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
