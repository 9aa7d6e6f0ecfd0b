package healing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	defaultHealingPercentage = 50.0
	maxListItems             = 5
	maxRawRemarkRunes        = 800
	maxClassificationRunes   = 255

	fallbackClassification = "Manual review required"
	fallbackRemarksPrefix  = "AI Analysis Output (unparsed model response):\n"
	fallbackActions        = "• Clinical evaluation recommended\n• Manual review of AI output required"
)

var fencedBlock = regexp.MustCompile("(?s)```[ \t]*(?:json|JSON)?[ \t]*\r?\n?(.*?)```")

// ParseResult is the outcome of interpreting a model response. Degraded is set
// when no JSON object could be recovered and the fixed fallback was used.
type ParseResult struct {
	Outcome  AnalysisOutcome
	Degraded bool
}

// ParseAnalysis turns raw model text into an AnalysisOutcome. It never fails:
// unusable input produces the manual-review fallback. AnalyzedAt is left for
// the caller to set.
func ParseAnalysis(raw string) ParseResult {
	if obj, ok := extractObject(raw); ok {
		return ParseResult{Outcome: outcomeFromObject(obj)}
	}
	return ParseResult{Outcome: fallbackOutcome(raw), Degraded: true}
}

func extractObject(raw string) (map[string]interface{}, bool) {
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		if obj, ok := decodeObject(m[1]); ok {
			return obj, true
		}
	}
	return decodeObject(raw)
}

func decodeObject(s string) (map[string]interface{}, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(s))))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	// Trailing content after the object means this was not a JSON document.
	if dec.More() {
		return nil, false
	}
	return obj, true
}

func outcomeFromObject(obj map[string]interface{}) AnalysisOutcome {
	findings := bulletList(stringList(obj["detailed_findings"], "Analysis completed"))
	actions := bulletList(stringList(obj["recommended_actions"], "Routine follow-up recommended"))

	remarks := fmt.Sprintf("PRIMARY DIAGNOSIS: %s\n\nSEVERITY: %s\n\nKEY FINDINGS:\n%s\n\nCLINICAL NOTES:\n%s",
		stringField(obj["primary_diagnosis"], "Assessment completed"),
		strings.ToUpper(stringField(obj["severity"], "unknown")),
		findings,
		stringField(obj["clinical_notes"], "No additional notes"),
	)

	class := truncateRunes(sanitize(stringField(obj["fracture_classification"], "")), maxClassificationRunes)
	if strings.TrimSpace(class) == "" {
		class = "Analysis completed"
	}

	return AnalysisOutcome{
		HealingPercentage:      healingPercentage(obj["healing_percentage"]),
		FractureClassification: class,
		ClinicalRemarks:        sanitize(remarks),
		RecommendedActions:     sanitize(actions),
	}
}

func fallbackOutcome(raw string) AnalysisOutcome {
	text := truncateRunes(sanitize(raw), maxRawRemarkRunes)
	return AnalysisOutcome{
		HealingPercentage:      defaultHealingPercentage,
		FractureClassification: fallbackClassification,
		ClinicalRemarks:        fallbackRemarksPrefix + text,
		RecommendedActions:     fallbackActions,
	}
}

// sanitize drops NUL bytes and invalid UTF-8, neither of which Postgres text
// columns accept.
func sanitize(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
}

func truncateRunes(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

// healingPercentage accepts numbers and numeric strings ("72", "72.5%").
// Values are clamped to [0, 100], including numbers too large for a float64.
// NaN, spelled-out infinities and non-numeric input yield the default.
func healingPercentage(v interface{}) float64 {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%"))
	default:
		return defaultHealingPercentage
	}

	f, err := strconv.ParseFloat(s, 64)
	switch {
	case errors.Is(err, strconv.ErrRange):
		// Overflow: f is ±Inf and clamps below.
	case err != nil:
		return defaultHealingPercentage
	case math.IsNaN(f) || math.IsInf(f, 0):
		return defaultHealingPercentage
	}
	return math.Max(0, math.Min(100, f))
}

func stringField(v interface{}, def string) string {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) != "" {
			return t
		}
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return def
}

func stringList(v interface{}, def string) []string {
	var items []string
	switch t := v.(type) {
	case []interface{}:
		for _, e := range t {
			if s := stringField(e, ""); s != "" {
				items = append(items, s)
			}
		}
	case string:
		if strings.TrimSpace(t) != "" {
			items = []string{t}
		}
	}
	if len(items) == 0 {
		return []string{def}
	}
	if len(items) > maxListItems {
		items = items[:maxListItems]
	}
	return items
}

func bulletList(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "• " + item
	}
	return strings.Join(lines, "\n")
}
