// Package enrichment builds EnrichedArtifacts: the original record text with
// clinical context sentences inlined, plus deterministic quality scores.
// Enrichment is a pure function of its inputs, so re-running it over the
// same artifact and relationship set yields byte-identical text.
package enrichment

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"clinrag/internal/entity"
	"clinrag/internal/logging"
	"clinrag/internal/relationships"
	"clinrag/pkg/types"
)

// Version tags every enriched artifact so stale enrichments can be found
// and replaced after a rule change.
const Version = "v2"

// Enricher composes enriched text per artifact type and scores the result.
type Enricher struct {
	extractor *entity.Extractor
	logger    logging.Logger
	titler    cases.Caser
	now       func() time.Time
}

func NewEnricher(extractor *entity.Extractor, logger logging.Logger) *Enricher {
	return &Enricher{
		extractor: extractor,
		logger:    logging.OrNoop(logger),
		titler:    cases.Title(language.English),
		now:       time.Now,
	}
}

// Enrich produces the EnrichedArtifact for one artifact. rels must hold the
// relationships touching this artifact; related maps artifact id to artifact
// for every endpoint referenced by rels. Missing related artifacts degrade
// the context sections, never fail the call.
func (e *Enricher) Enrich(artifact *types.Artifact, rels []*types.ClinicalRelationship,
	related map[string]*types.Artifact) (*types.EnrichedArtifact, error) {
	if artifact == nil {
		return nil, fmt.Errorf("nil artifact")
	}

	rels = touching(rels, artifact.ID)
	sortRelationships(rels)

	var enrichedText string
	var completeness float64
	switch artifact.Type {
	case types.ArtifactTypeMedication:
		enrichedText, completeness = e.enrichMedication(artifact, rels, related)
	case types.ArtifactTypeCondition:
		enrichedText, completeness = e.enrichCondition(artifact, rels, related)
	case types.ArtifactTypeCarePlan:
		enrichedText, completeness = e.enrichCarePlan(artifact, rels, related)
	default:
		enrichedText, completeness = e.enrichGeneric(artifact)
	}

	entities := e.extractor.Extract(enrichedText)

	enriched := &types.EnrichedArtifact{
		ArtifactID:          artifact.ID,
		PatientID:           artifact.PatientID,
		ArtifactType:        artifact.Type,
		OccurredAt:          artifact.OccurredAt,
		OriginalText:        artifact.Text,
		EnrichedText:        enrichedText,
		ExtractedEntities:   entity.GroupByType(entities),
		ClinicalContext:     contextMap(artifact, rels),
		RelatedArtifactIDs:  relatedIDs(rels, artifact.ID),
		RelationshipSummary: summarize(rels),
		EnrichmentVersion:   Version,
		EnrichedAt:          e.now().UTC(),
		EnrichmentMethod:    dominantMethod(rels),
		CompletenessScore:   clamp01(completeness),
		ContextDepthScore:   contextDepth(len(rels)),
	}
	if err := enriched.Validate(); err != nil {
		return nil, fmt.Errorf("enriching %s: %w", artifact.ID, err)
	}
	return enriched, nil
}

// enrichMedication renders the medication template. Sections are omitted
// only when their source field is absent.
func (e *Enricher) enrichMedication(a *types.Artifact, rels []*types.ClinicalRelationship,
	related map[string]*types.Artifact) (string, float64) {
	var sections []string

	name := a.Title
	if name == "" {
		name = firstLine(a.Text)
	}
	dose := a.MetaString("dosage")
	freq := a.MetaString("frequency")
	route := a.MetaString("route")

	header := "Medication: " + name
	if dose != "" {
		header += " " + dose
	}
	if freq != "" {
		header += " " + freq
	}
	if route != "" {
		header += " (" + route + ")"
	}
	sections = append(sections, header+".")

	indication := a.MetaString("indication")
	code := a.MetaString("indication_code")
	if indication != "" {
		if code != "" {
			sections = append(sections, fmt.Sprintf("Indication: %s (%s).", indication, code))
		} else {
			sections = append(sections, "Indication: "+indication+".")
		}
	} else if code != "" {
		sections = append(sections, "Indication code: "+code+".")
	}

	if reason := a.MetaString("reason"); reason != "" {
		sections = append(sections, "Prescribed for "+reason+".")
	}

	if conds := relatedConditions(rels, related, a.ID); len(conds) > 0 {
		sections = append(sections, "Related Conditions: "+strings.Join(conds, ", ")+".")
	}
	if prescriber := a.Author; prescriber != "" {
		sections = append(sections, "Prescribed by: "+prescriber+".")
	}
	if !a.OccurredAt.IsZero() {
		sections = append(sections, "Prescribed on: "+a.OccurredAt.UTC().Format("2006-01-02")+".")
	}
	if a.Text != "" && a.Text != name {
		sections = append(sections, a.Text)
	}

	score := 0.2*has(dose) + 0.2*has(freq) + 0.1*has(route) +
		0.3*has(indication+code) + 0.1*has(a.Author) + 0.1*hasTime(a.OccurredAt)
	return strings.Join(sections, " "), score
}

// enrichCondition renders name, status, date, current treatments from
// inbound medication_indication edges, care-plan presence, then notes.
func (e *Enricher) enrichCondition(a *types.Artifact, rels []*types.ClinicalRelationship,
	related map[string]*types.Artifact) (string, float64) {
	var sections []string

	name := a.Title
	if name == "" {
		name = firstLine(a.Text)
	}
	code := a.MetaString("diagnosis_code")
	if code != "" {
		sections = append(sections, fmt.Sprintf("Condition: %s (%s).", name, code))
	} else {
		sections = append(sections, "Condition: "+name+".")
	}

	status := a.MetaString("status")
	severity := a.MetaString("severity")
	if status != "" && severity != "" {
		sections = append(sections, fmt.Sprintf("Status: %s, severity %s.", status, severity))
	} else if status != "" {
		sections = append(sections, "Status: "+status+".")
	} else if severity != "" {
		sections = append(sections, "Severity: "+severity+".")
	}

	if !a.OccurredAt.IsZero() {
		sections = append(sections, "Diagnosed on: "+a.OccurredAt.UTC().Format("2006-01-02")+".")
	}

	treatments := inboundNames(rels, related, a.ID, types.RelMedicationIndication)
	if len(treatments) > 0 {
		sections = append(sections, "Current Treatments: "+strings.Join(treatments, ", ")+".")
	}
	if plans := inboundNames(rels, related, a.ID, types.RelCarePlanCondition); len(plans) > 0 {
		sections = append(sections, "Addressed by care plan: "+strings.Join(plans, ", ")+".")
	}
	if a.Text != "" && a.Text != name {
		sections = append(sections, a.Text)
	}

	score := 0.2*has(status) + 0.1*has(severity) + 0.2*has(code) +
		0.1*hasTime(a.OccurredAt) + 0.3*hasAny(treatments) + 0.1*has(a.Text)
	return strings.Join(sections, " "), score
}

// enrichCarePlan renders title, addressed conditions, numbered goals and
// interventions, then rationale.
func (e *Enricher) enrichCarePlan(a *types.Artifact, rels []*types.ClinicalRelationship,
	related map[string]*types.Artifact) (string, float64) {
	var sections []string

	title := a.Title
	if title == "" {
		title = firstLine(a.Text)
	}
	sections = append(sections, "Care Plan: "+title+".")

	conds := relatedConditions(rels, related, a.ID)
	if len(conds) > 0 {
		sections = append(sections, "Addresses: "+strings.Join(conds, ", ")+".")
	}

	goals := a.MetaStrings("goals")
	if len(goals) > 0 {
		sections = append(sections, "Goals: "+numbered(goals)+".")
	}
	interventions := a.MetaStrings("interventions")
	if len(interventions) > 0 {
		sections = append(sections, "Interventions: "+numbered(interventions)+".")
	}
	if rationale := a.MetaString("rationale"); rationale != "" {
		sections = append(sections, "Rationale: "+rationale+".")
	}
	if a.Text != "" && a.Text != title {
		sections = append(sections, a.Text)
	}

	score := 0.1*has(title) + 0.2*hasAny(conds) + 0.3*hasAny(goals) +
		0.3*hasAny(interventions) + 0.1*has(a.MetaString("rationale"))
	return strings.Join(sections, " "), score
}

// enrichGeneric covers artifact types without a dedicated template: a typed
// header sentence plus the original text. Completeness rewards the optional
// header fields being present.
func (e *Enricher) enrichGeneric(a *types.Artifact) (string, float64) {
	var sections []string

	label := strings.ReplaceAll(string(a.Type), "_", " ")
	if a.Title != "" {
		sections = append(sections, fmt.Sprintf("%s: %s.", e.titler.String(label), a.Title))
	}
	if a.Author != "" {
		sections = append(sections, "Recorded by: "+a.Author+".")
	}
	if !a.OccurredAt.IsZero() {
		sections = append(sections, "Recorded on: "+a.OccurredAt.UTC().Format("2006-01-02")+".")
	}
	sections = append(sections, a.Text)

	score := 0.4*has(a.Text) + 0.2*has(a.Title) + 0.2*has(a.Author) + 0.2*hasTime(a.OccurredAt)
	return strings.Join(sections, " "), score
}

// contextDepth maps relationship count to the piecewise depth score.
func contextDepth(relCount int) float64 {
	switch {
	case relCount >= 5:
		return 1.0
	case relCount >= 3:
		return 0.9
	case relCount == 2:
		return 0.7
	case relCount == 1:
		return 0.5
	default:
		return 0.0
	}
}

// dominantMethod picks the enrichment method for the record: hybrid when
// strategies disagree, the common method otherwise, explicit when no
// relationships contributed.
func dominantMethod(rels []*types.ClinicalRelationship) types.EnrichmentMethod {
	if len(rels) == 0 {
		return types.MethodExplicitAPI
	}
	first := rels[0].ExtractionMethod
	for _, rel := range rels[1:] {
		if rel.ExtractionMethod != first {
			return types.MethodHybrid
		}
	}
	return first
}

func touching(rels []*types.ClinicalRelationship, artifactID string) []*types.ClinicalRelationship {
	var out []*types.ClinicalRelationship
	for _, rel := range rels {
		if rel.SourceArtifactID == artifactID || rel.TargetArtifactID == artifactID {
			out = append(out, rel)
		}
	}
	return out
}

func sortRelationships(rels []*types.ClinicalRelationship) {
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].SourceArtifactID != rels[j].SourceArtifactID {
			return rels[i].SourceArtifactID < rels[j].SourceArtifactID
		}
		if rels[i].TargetArtifactID != rels[j].TargetArtifactID {
			return rels[i].TargetArtifactID < rels[j].TargetArtifactID
		}
		return rels[i].RelationshipType < rels[j].RelationshipType
	})
}

// relatedConditions lists condition names linked from artifactID, with the
// condition's status in parentheses when known.
func relatedConditions(rels []*types.ClinicalRelationship, related map[string]*types.Artifact,
	artifactID string) []string {
	var names []string
	for _, rel := range rels {
		if rel.SourceArtifactID != artifactID {
			continue
		}
		target := related[rel.TargetArtifactID]
		name := rel.TargetEntityText
		if target != nil && target.Title != "" {
			name = target.Title
		}
		if name == "" {
			continue
		}
		if target != nil {
			if status := target.MetaString("status"); status != "" {
				name += " (" + status + ")"
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return dedupeStrings(names)
}

// inboundNames lists source-artifact names of edges of relType pointing at
// artifactID.
func inboundNames(rels []*types.ClinicalRelationship, related map[string]*types.Artifact,
	artifactID string, relType types.RelationshipType) []string {
	var names []string
	for _, rel := range rels {
		if rel.TargetArtifactID != artifactID || rel.RelationshipType != relType {
			continue
		}
		name := rel.SourceEntityText
		if src := related[rel.SourceArtifactID]; src != nil && src.Title != "" {
			name = src.Title
		}
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return dedupeStrings(names)
}

func relatedIDs(rels []*types.ClinicalRelationship, selfID string) []string {
	var ids []string
	for _, rel := range rels {
		if rel.SourceArtifactID != selfID {
			ids = append(ids, rel.SourceArtifactID)
		}
		if rel.TargetArtifactID != selfID {
			ids = append(ids, rel.TargetArtifactID)
		}
	}
	sort.Strings(ids)
	return dedupeStrings(ids)
}

func summarize(rels []*types.ClinicalRelationship) string {
	if len(rels) == 0 {
		return ""
	}
	phrases := make([]string, 0, len(rels))
	for _, rel := range rels {
		phrases = append(phrases, relationships.Describe(rel))
	}
	return strings.Join(phrases, "; ")
}

func contextMap(a *types.Artifact, rels []*types.ClinicalRelationship) map[string]interface{} {
	ctx := map[string]interface{}{
		"relationship_count": len(rels),
	}
	byType := make(map[string]int)
	for _, rel := range rels {
		byType[string(rel.RelationshipType)]++
	}
	if len(byType) > 0 {
		ctx["relationship_types"] = byType
	}
	if code := a.MetaString("diagnosis_code"); code != "" {
		ctx["diagnosis_code"] = code
	}
	if code := a.MetaString("indication_code"); code != "" {
		ctx["indication_code"] = code
	}
	return ctx
}

func numbered(items []string) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprintf("(%d) %s", i+1, item)
	}
	return strings.Join(parts, " ")
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[:idx])
	}
	return strings.TrimSpace(text)
}

func dedupeStrings(sorted []string) []string {
	var out []string
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func has(s string) float64 {
	if strings.TrimSpace(s) != "" {
		return 1
	}
	return 0
}

func hasAny(items []string) float64 {
	if len(items) > 0 {
		return 1
	}
	return 0
}

func hasTime(t time.Time) float64 {
	if !t.IsZero() {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
