package history

import (
	"testing"

	"refcore/pkg/document"
)

func strPtr(s string) *string { return &s }

func TestComposeCreateDescription(t *testing.T) {
	withAbbr := document.Doc{"name": "Prunus virus F", "abbreviation": "PVF"}
	if got := ComposeCreateDescription(withAbbr); got != "Created Prunus virus F (PVF)" {
		t.Fatalf("got %q", got)
	}
	without := document.Doc{"name": "Prunus virus F", "abbreviation": ""}
	if got := ComposeCreateDescription(without); got != "Created Prunus virus F" {
		t.Fatalf("got %q", got)
	}
}

func TestComposeEditDescription(t *testing.T) {
	cases := []struct {
		name          string
		newName       *string
		abbreviation  *string
		oldAbbr       string
		schemaChanged bool
		want          string
	}{
		{"name only", strPtr("Tobacco mosaic virus"), nil, "", false, "Changed name to Tobacco mosaic virus"},
		{"added abbreviation", nil, strPtr("TMV"), "", false, "Added abbreviation TMV"},
		{"removed abbreviation", nil, strPtr(""), "TMV", false, "Removed abbreviation TMV"},
		{"changed abbreviation", nil, strPtr("THV"), "TMV", false, "Changed abbreviation to THV"},
		{"schema only", nil, nil, "", true, "Modified schema"},
		{"name and abbreviation", strPtr("THV 2"), strPtr("THV"), "TMV", false,
			"Changed name to THV 2 and changed abbreviation to THV"},
		{"all three", strPtr("THV 2"), strPtr("THV"), "", true,
			"Changed name to THV 2 and added abbreviation THV and modified schema"},
		{"nothing", nil, nil, "", false, "No changes"},
	}
	for _, tc := range cases {
		got := ComposeEditDescription(tc.newName, tc.abbreviation, tc.oldAbbr, tc.schemaChanged)
		if got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestComposeRemoveDescription(t *testing.T) {
	otu := document.Doc{"name": "Prunus virus F"}
	if got := ComposeRemoveDescription(otu); got != "Removed Prunus virus F" {
		t.Fatalf("got %q", got)
	}
}

func TestDiffRoundTrip(t *testing.T) {
	old := document.Doc{
		"name":    "A",
		"version": 1,
		"dropped": "gone",
	}
	updated := document.Doc{
		"name":    "B",
		"version": 2,
		"added":   true,
	}

	diff := computeDiff(old, updated)

	working := document.Clone(updated)
	applyReverse(working, diff)

	if !jsonEqual(working, old) {
		t.Fatalf("reverse application produced %v, want %v", working, old)
	}
}

func TestComputeDiffIgnoresJSONNumericNoise(t *testing.T) {
	old := document.Doc{"version": 1}
	updated := document.Doc{"version": float64(1)}
	if diff := computeDiff(old, updated); len(diff) != 0 {
		t.Fatalf("diff = %v", diff)
	}
}
