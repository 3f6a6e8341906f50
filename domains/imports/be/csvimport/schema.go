package csvimport

import (
	"fmt"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Headers of the registration platform export this service is usually fed with.
var expectedHeaders = map[Kind][]string{
	KindUsers: {
		"Email", "First Name", "Last Name", "Phone", "Tracking ID", "Parent Name", "Parent Email",
		"Team Name", "Division", "School", "City", "State", "Age",
	},
	KindTeams: {"Team ID", "Name", "Division", "Student emails", "Mentor emails"},
}

const schemaConfidenceThreshold = 0.5

// SchemaConfidence is the share of expected export headers that fuzzily match some header.
func SchemaConfidence(kind Kind, headers []string) float64 {
	expected := expectedHeaders[kind]
	if len(expected) == 0 {
		return 1
	}

	matched := 0
	for _, want := range expected {
		if len(fuzzy.RankFindNormalizedFold(want, headers)) > 0 {
			matched++
		}
	}
	return float64(matched) / float64(len(expected))
}

// SchemaWarning returns a non-empty message when the headers do not look like the expected export.
// It never rejects a file.
func SchemaWarning(kind Kind, headers []string) string {
	confidence := SchemaConfidence(kind, headers)
	if confidence >= schemaConfidenceThreshold {
		return ""
	}
	return fmt.Sprintf("headers do not look like the expected %s export (%.0f%% of the usual columns recognised); review the column mapping", kind, confidence*100)
}
