package rewriting

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"slices"
	"strings"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// findPhrases returns the phrases that occur in text, case-insensitively, in input order without duplicates
func findPhrases(text string, phrases []string) []string {
	if len(phrases) == 0 {
		return nil
	}

	normalizedText := strings.ToLower(text)

	var found []string
	seen := make(map[string]bool)
	for _, phrase := range phrases {
		normalized := strings.ToLower(strings.TrimSpace(phrase))
		if normalized == "" || seen[normalized] {
			continue
		}
		if strings.Contains(normalizedText, normalized) {
			found = append(found, phrase)
			seen[normalized] = true
		}
	}
	return found
}

// MissingProtected returns the protected items present in the original that the rewrite dropped
func MissingProtected(original, rewritten string, protected []string) []string {
	var missing []string
	present := findPhrases(rewritten, protected)
	for _, item := range findPhrases(original, protected) {
		if !slices.ContainsFunc(present, func(p string) bool { return strings.EqualFold(p, item) }) {
			missing = append(missing, item)
		}
	}
	return missing
}

// DeltaPct is the relative size change of a rewrite, in percent, rounded to one decimal
func DeltaPct(inputChars, outputChars int) float64 {
	if inputChars == 0 {
		return 0
	}
	pct := float64(outputChars-inputChars) / float64(inputChars) * 100
	return math.Round(pct*10) / 10
}

// RelevantNotes returns the notes that apply to unit: notes naming no units apply everywhere
func RelevantNotes(notes []types.Note, unit int) []types.Note {
	var out []types.Note
	for _, n := range notes {
		if len(n.UnitNumbers) == 0 || slices.Contains(n.UnitNumbers, unit) {
			out = append(out, n)
		}
	}
	return out
}

// Fingerprint identifies a rewrite by its inputs, so identical requests reuse earlier output
func Fingerprint(unitText string, notes []types.Note, protected []string) string {
	items := slices.Clone(protected)
	slices.Sort(items)
	texts := make([]string, len(notes))
	for i, n := range notes {
		texts[i] = strings.TrimSpace(n.Text)
	}
	payload, _ := json.Marshal(struct {
		Text      string   `json:"text"`
		Notes     []string `json:"notes"`
		Protected []string `json:"protected"`
	}{unitText, texts, items})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// neighbours returns the units within distance of every target that are not themselves targets
func neighbours(targets, all []int, distance int) []int {
	exists := make(map[int]bool, len(all))
	for _, u := range all {
		exists[u] = true
	}
	out := []int{}
	for _, t := range targets {
		for d := -distance; d <= distance; d++ {
			if c := t + d; d != 0 && exists[c] && !slices.Contains(targets, c) {
				out = append(out, c)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// knownUnits keeps the units that exist in all, sorted and deduplicated
func knownUnits(units, all []int) []int {
	out := []int{}
	for _, u := range units {
		if slices.Contains(all, u) {
			out = append(out, u)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
