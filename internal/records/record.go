package records

import (
	"regexp"
	"strings"
)

// Snapshot field names fixed by the upstream pipeline.
const (
	FieldAccessionID    = "AccessionID"
	FieldStain          = "Stain"
	FieldBlockNumber    = "BlockNumber"
	FieldComplete       = "Complete"
	FieldOriginalLine   = "OriginalLine"
	FieldAccessionCount = "AccessionID_Count"
)

// requiredHeaders must all be present for a snapshot to load.
var requiredHeaders = []string{FieldAccessionID, FieldStain, FieldComplete, FieldOriginalLine}

// Record is one row of reviewable slide metadata.
type Record struct {
	// OriginalIndex is the 0-based position in the snapshot at load time.
	// Unique and immutable for the lifetime of one loaded snapshot.
	OriginalIndex int `json:"original_index"`

	// Editable fields.
	AccessionID string `json:"accession_id"`
	Stain       string `json:"stain"`
	BlockNumber string `json:"block_number"`

	// IsComplete is true only when a reviewer explicitly marked the record
	// complete and both AccessionID and Stain were non-empty at that point.
	IsComplete bool `json:"is_complete"`

	// OriginalLine is the raw per-slide line from the OCR pipeline.
	OriginalLine string `json:"original_line"`

	// Derived from OriginalLine at load time.
	Identifier string `json:"identifier"`
	LabelText  string `json:"label_text"`
	MacroText  string `json:"macro_text"`

	// AccessionCount is how many records (including this one) share this
	// record's non-empty accession ID. Zero for an empty accession ID.
	AccessionCount int `json:"accession_count"`

	// Position of this record within its identifier group.
	PatientFileNumber int `json:"patient_file_number"`
	TotalPatientFiles int `json:"total_patient_files"`

	// Extra carries pipeline columns the core does not interpret.
	Extra map[string]string `json:"extra,omitempty"`
}

// clone returns a deep copy so callers can't mutate store state.
func (r *Record) clone() Record {
	out := *r
	if r.Extra != nil {
		out.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

var (
	labelRe = regexp.MustCompile(`Label:\s*(.*?)(?:;Macro:|$)`)
	macroRe = regexp.MustCompile(`Macro:\s*(.*?)(?:;|$)`)
)

// parseOriginalLine extracts the grouping identifier and the label/macro OCR
// text from an OriginalLine value of the form
// "<identifier>;...;Label: <text>;Macro: <text>".
func parseOriginalLine(line string) (identifier, labelText, macroText string) {
	labelText, macroText = "N/A", "N/A"

	if parts := strings.Split(line, ";"); len(parts) > 0 {
		identifier = strings.ReplaceAll(strings.TrimSpace(parts[0]), `"`, "")
	}
	if m := labelRe.FindStringSubmatch(line); m != nil {
		labelText = strings.Trim(strings.TrimSpace(m[1]), `"`)
	}
	if m := macroRe.FindStringSubmatch(line); m != nil {
		macroText = strings.Trim(strings.TrimSpace(m[1]), `"`)
	}
	return identifier, labelText, macroText
}

// isTruthy reports whether a completion-flag cell marks the row complete.
func isTruthy(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

// completeString renders the completion flag back to its canonical
// snapshot form.
func completeString(complete bool) string {
	if complete {
		return "True"
	}
	return "False"
}
