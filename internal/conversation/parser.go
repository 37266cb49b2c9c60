// Package conversation holds session state for multi-turn questioning:
// query parsing, follow-up resolution against recent context, and the
// durable per-patient history with quality metrics.
package conversation

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinrag/internal/apperrors"
	"clinrag/internal/entity"
	"clinrag/pkg/types"
)

// intentRules maps keyword cues to an intent, checked in order.
var intentRules = []struct {
	keywords []string
	intent   types.QueryIntent
}{
	{[]string{"medication", "medications", "drug", "drugs", "prescription", "prescriptions", "taking", "dose", "dosage"}, types.IntentRetrieveMedications},
	{[]string{"condition", "conditions", "diagnosis", "diagnoses", "diagnosed", "problem", "problems"}, types.IntentRetrieveConditions},
	{[]string{"lab", "labs", "result", "results", "a1c", "bloodwork", "blood work"}, types.IntentRetrieveLabs},
	{[]string{"care plan", "care plans", "plan", "goals", "treatment plan"}, types.IntentRetrieveCarePlans},
	{[]string{"allergy", "allergies", "allergic", "reaction"}, types.IntentRetrieveAllergies},
	{[]string{"timeline", "history", "over time", "progression"}, types.IntentRetrieveTimeline},
}

var (
	relativeRangeRe = regexp.MustCompile(`(?i)\b(?:last|past)\s+(\d+)\s+(day|week|month|year)s?\b`)
	sinceYearRe     = regexp.MustCompile(`(?i)\bsince\s+(\d{4})\b`)
)

// Parser compiles a raw question into a StructuredQuery.
type Parser struct {
	extractor *entity.Extractor
	now       func() time.Time
}

// NewParser builds a parser over the given entity extractor.
func NewParser(extractor *entity.Extractor) *Parser {
	return &Parser{extractor: extractor, now: time.Now}
}

// Parse classifies intent, extracts clinical entities, and derives any
// temporal filter from the question text.
func (p *Parser) Parse(question, patientID string, detailLevel int) (*types.StructuredQuery, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperrors.New(apperrors.KindValidation, "question cannot be empty")
	}
	if patientID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "patient_id is required")
	}
	if detailLevel < 1 || detailLevel > 5 {
		detailLevel = 3
	}
	q := &types.StructuredQuery{
		QueryID:        uuid.New().String(),
		OriginalQuery:  question,
		PatientID:      patientID,
		Intent:         classifyIntent(question),
		Entities:       p.extractor.Extract(question),
		TemporalFilter: p.temporalFilter(question),
		DetailLevel:    detailLevel,
		ProcessedAt:    p.now(),
	}
	return q, nil
}

func classifyIntent(question string) types.QueryIntent {
	lower := strings.ToLower(question)
	for _, rule := range intentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.intent
			}
		}
	}
	return types.IntentGeneralQuestion
}

// temporalFilter recognizes "last/past N days|weeks|months|years",
// "since YYYY", and the bare word "recent" (90 days).
func (p *Parser) temporalFilter(question string) *types.TemporalFilter {
	now := p.now()
	if m := relativeRangeRe.FindStringSubmatch(question); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			var from time.Time
			switch strings.ToLower(m[2]) {
			case "day":
				from = now.AddDate(0, 0, -n)
			case "week":
				from = now.AddDate(0, 0, -7*n)
			case "month":
				from = now.AddDate(0, -n, 0)
			case "year":
				from = now.AddDate(-n, 0, 0)
			}
			return &types.TemporalFilter{From: from, To: now}
		}
	}
	if m := sinceYearRe.FindStringSubmatch(question); m != nil {
		year, err := strconv.Atoi(m[1])
		if err == nil {
			return &types.TemporalFilter{
				From: time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
				To:   now,
			}
		}
	}
	if strings.Contains(strings.ToLower(question), "recent") {
		return &types.TemporalFilter{From: now.AddDate(0, 0, -90), To: now}
	}
	return nil
}
