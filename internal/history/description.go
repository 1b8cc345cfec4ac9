package history

import (
	"fmt"
	"strings"

	"refcore/pkg/document"
)

// ComposeCreateDescription renders the ledger description for an OTU
// creation.
func ComposeCreateDescription(otu document.Doc) string {
	name, _ := otu["name"].(string)
	if abbreviation, _ := otu["abbreviation"].(string); abbreviation != "" {
		return fmt.Sprintf("Created %s (%s)", name, abbreviation)
	}
	return fmt.Sprintf("Created %s", name)
}

// ComposeEditDescription renders the description for an OTU edit from the
// fields that actually changed. Nil pointers mean the field was untouched.
func ComposeEditDescription(name, abbreviation *string, oldAbbreviation string, schemaChanged bool) string {
	var parts []string

	if name != nil {
		parts = append(parts, fmt.Sprintf("Changed name to %s", *name))
	}

	if abbreviation != nil {
		switch {
		case oldAbbreviation == "" && *abbreviation != "":
			parts = append(parts, fmt.Sprintf("Added abbreviation %s", *abbreviation))
		case *abbreviation == "" && oldAbbreviation != "":
			parts = append(parts, fmt.Sprintf("Removed abbreviation %s", oldAbbreviation))
		case *abbreviation != oldAbbreviation:
			parts = append(parts, fmt.Sprintf("Changed abbreviation to %s", *abbreviation))
		}
	}

	if schemaChanged {
		parts = append(parts, "Modified schema")
	}

	if len(parts) == 0 {
		return "No changes"
	}

	description := strings.Join(parts, " and ")
	// Only the leading clause keeps its capital.
	if len(parts) > 1 {
		head := parts[0]
		rest := make([]string, 0, len(parts)-1)
		for _, p := range parts[1:] {
			rest = append(rest, strings.ToLower(p[:1])+p[1:])
		}
		description = head + " and " + strings.Join(rest, " and ")
	}
	return description
}

// ComposeRemoveDescription renders the description for an OTU removal.
func ComposeRemoveDescription(otu document.Doc) string {
	name, _ := otu["name"].(string)
	return fmt.Sprintf("Removed %s", name)
}
