// Package entity implements the pattern-based clinical entity recognizer.
// All lexicons are embedded JSON data tables so the rules can be audited and
// tested independently of the matching engine. No ML, no external NLP.
package entity

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"clinrag/pkg/types"
)

//go:embed lexicon/*.json
var lexiconFS embed.FS

// typeRank orders entity types for overlap tie-breaking: when two spans of
// equal length overlap, the type matched earlier in the pipeline wins.
var typeRank = map[types.EntityType]int{
	types.EntityDosage:     0,
	types.EntityMedication: 1,
	types.EntityCondition:  2,
	types.EntitySymptom:    3,
	types.EntityProcedure:  4,
}

var (
	dosageRe    = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(milligrams|micrograms|milliliters|mg|mcg|ml|units?|tabs?|caps?|%)\b`)
	frequencyRe = regexp.MustCompile(`(?i)\b(BID|TID|QID|QD|q\dh|PRN)\b`)
	drugSuffixRe = regexp.MustCompile(`(?i)\b[a-z]{2,}(pril|statin|olol|formin|azole)\b`)
)

// canonicalUnits maps spelled-out dose units to their short forms.
var canonicalUnits = map[string]string{
	"milligrams":  "mg",
	"micrograms":  "mcg",
	"milliliters": "ml",
	"unit":        "units",
	"tab":         "tab",
	"tabs":        "tab",
	"cap":         "cap",
	"caps":        "cap",
}

// Extractor recognizes medications, conditions, symptoms, procedures, and
// dosages in free text. It never fails: invalid input yields no entities.
type Extractor struct {
	medications   map[string]bool
	conditions    map[string]string // surface form -> canonical full form
	symptoms      map[string]bool
	procedures    map[string]bool
	abbreviations map[string]string

	medicationRe *regexp.Regexp
	conditionRe  *regexp.Regexp
	symptomRe    *regexp.Regexp
	procedureRe  *regexp.Regexp
	abbrevRe     *regexp.Regexp

	titleCaser cases.Caser
}

// NewExtractor loads the embedded lexicons and compiles the match patterns.
func NewExtractor() (*Extractor, error) {
	e := &Extractor{titleCaser: cases.Title(language.English)}

	var meds []string
	if err := loadLexicon("lexicon/medications.json", &meds); err != nil {
		return nil, err
	}
	e.medications = toSet(meds)

	if err := loadLexicon("lexicon/conditions.json", &e.conditions); err != nil {
		return nil, err
	}

	var symptoms []string
	if err := loadLexicon("lexicon/symptoms.json", &symptoms); err != nil {
		return nil, err
	}
	e.symptoms = toSet(symptoms)

	var procedures []string
	if err := loadLexicon("lexicon/procedures.json", &procedures); err != nil {
		return nil, err
	}
	e.procedures = toSet(procedures)

	if err := loadLexicon("lexicon/abbreviations.json", &e.abbreviations); err != nil {
		return nil, err
	}

	e.medicationRe = alternationRegexp(meds)
	e.conditionRe = alternationRegexp(keysOf(e.conditions))
	e.symptomRe = alternationRegexp(symptoms)
	e.procedureRe = alternationRegexp(procedures)
	e.abbrevRe = alternationRegexp(keysOf(e.abbreviations))

	return e, nil
}

// Extract recognizes entities in text. Offsets are relative to the input.
// Overlapping spans are deduplicated: the longer span wins, ties go to the
// type matched earlier in the pipeline.
func (e *Extractor) Extract(text string) []types.Entity {
	if strings.TrimSpace(text) == "" {
		return []types.Entity{}
	}

	var found []types.Entity

	// 1. Dosages and frequency codes.
	for _, loc := range dosageRe.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		found = append(found, types.Entity{
			Text: span, Type: types.EntityDosage,
			Start: loc[0], End: loc[1],
			Normalized: e.normalizeDosage(span),
		})
	}
	for _, loc := range frequencyRe.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		found = append(found, types.Entity{
			Text: span, Type: types.EntityDosage,
			Start: loc[0], End: loc[1],
			Normalized: e.normalizeAbbreviation(span),
		})
	}

	// 2. Medications: lexicon plus drug-name suffixes.
	found = append(found, e.matchLexicon(text, e.medicationRe, types.EntityMedication)...)
	for _, loc := range drugSuffixRe.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		found = append(found, types.Entity{
			Text: span, Type: types.EntityMedication,
			Start: loc[0], End: loc[1],
			Normalized: e.titleCaser.String(strings.ToLower(span)),
		})
	}

	// 3-5. Conditions, symptoms, procedures.
	found = append(found, e.matchLexicon(text, e.conditionRe, types.EntityCondition)...)
	found = append(found, e.matchLexicon(text, e.symptomRe, types.EntitySymptom)...)
	found = append(found, e.matchLexicon(text, e.procedureRe, types.EntityProcedure)...)

	// 6. Abbreviations whose expansion names a known symptom become symptom
	// entities; other abbreviations only contribute normalization.
	for _, loc := range e.abbrevRe.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		expansion, ok := e.abbreviations[strings.ToLower(span)]
		if !ok || !e.symptoms[expansion] {
			continue
		}
		found = append(found, types.Entity{
			Text: span, Type: types.EntitySymptom,
			Start: loc[0], End: loc[1],
			Normalized: e.titleCaser.String(expansion),
		})
	}

	return dedupe(found)
}

// Normalize returns the canonical form of an entity's text. The operation is
// idempotent: normalizing a normalized value returns it unchanged.
func (e *Extractor) Normalize(ent types.Entity) string {
	switch ent.Type {
	case types.EntityDosage:
		return e.normalizeDosage(ent.Text)
	case types.EntityCondition:
		if full, ok := e.conditions[strings.ToLower(ent.Text)]; ok {
			return full
		}
		return e.titleCaser.String(strings.ToLower(ent.Text))
	default:
		if exp, ok := e.abbreviations[strings.ToLower(ent.Text)]; ok {
			return e.titleCaser.String(exp)
		}
		return e.titleCaser.String(strings.ToLower(ent.Text))
	}
}

func (e *Extractor) matchLexicon(text string, re *regexp.Regexp, entType types.EntityType) []types.Entity {
	if re == nil {
		return nil
	}
	var out []types.Entity
	for _, loc := range re.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		ent := types.Entity{Text: span, Type: entType, Start: loc[0], End: loc[1]}
		ent.Normalized = e.Normalize(ent)
		out = append(out, ent)
	}
	return out
}

// normalizeDosage renders a dose as "<amount><unit>" with canonical units.
// Frequency codes pass through to abbreviation normalization.
func (e *Extractor) normalizeDosage(text string) string {
	m := dosageRe.FindStringSubmatch(text)
	if m == nil {
		return e.normalizeAbbreviation(text)
	}
	amount := strings.TrimSpace(strings.TrimSuffix(strings.ToLower(text), strings.ToLower(m[1])))
	unit := strings.ToLower(m[1])
	if canonical, ok := canonicalUnits[unit]; ok {
		unit = canonical
	}
	return amount + unit
}

func (e *Extractor) normalizeAbbreviation(text string) string {
	if exp, ok := e.abbreviations[strings.ToLower(text)]; ok {
		return e.titleCaser.String(exp)
	}
	return e.titleCaser.String(strings.ToLower(text))
}

// dedupe resolves overlapping spans: longer spans win, equal lengths go to
// the earlier pipeline type, remaining ties to the earlier start.
func dedupe(entities []types.Entity) []types.Entity {
	if len(entities) == 0 {
		return []types.Entity{}
	}

	sort.Slice(entities, func(i, j int) bool {
		li, lj := entities[i].End-entities[i].Start, entities[j].End-entities[j].Start
		if li != lj {
			return li > lj
		}
		if typeRank[entities[i].Type] != typeRank[entities[j].Type] {
			return typeRank[entities[i].Type] < typeRank[entities[j].Type]
		}
		return entities[i].Start < entities[j].Start
	})

	var kept []types.Entity
	for _, ent := range entities {
		overlaps := false
		for _, k := range kept {
			if ent.Start < k.End && k.Start < ent.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, ent)
		}
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Start != kept[j].Start {
			return kept[i].Start < kept[j].Start
		}
		return kept[i].End < kept[j].End
	})
	return kept
}

// GroupByType returns normalized entity texts keyed by type, the denormalized
// shape stored on chunks for fast filtering.
func GroupByType(entities []types.Entity) map[string][]string {
	if len(entities) == 0 {
		return nil
	}
	grouped := make(map[string][]string)
	for _, ent := range entities {
		key := string(ent.Type)
		if !contains(grouped[key], ent.Normalized) {
			grouped[key] = append(grouped[key], ent.Normalized)
		}
	}
	return grouped
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func loadLexicon(path string, dst interface{}) error {
	data, err := lexiconFS.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading lexicon %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parsing lexicon %s: %w", path, err)
	}
	return nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[strings.ToLower(item)] = true
	}
	return set
}

func keysOf[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// alternationRegexp compiles a case-insensitive word-bounded alternation of
// the given terms, longest first so multi-word terms win over their prefixes.
func alternationRegexp(terms []string) *regexp.Regexp {
	if len(terms) == 0 {
		return nil
	}
	sorted := make([]string, len(terms))
	copy(sorted, terms)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	quoted := make([]string, len(sorted))
	for i, t := range sorted {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}
