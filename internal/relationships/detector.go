// Package relationships infers clinical links between a patient's artifacts.
// Detection is rule-based and ordered: explicit references beat code matches
// beat text overlap beats temporal proximity, and the first strategy that
// fires for an artifact pair sets the confidence.
package relationships

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinrag/internal/logging"
	"clinrag/pkg/types"
)

const (
	confExplicit = 1.0
	confCoded    = 0.95
	// Minimum Jaccard similarity for text overlap, also the floor confidence.
	confOverlap     = 0.6
	confPlanOverlap = 0.7

	temporalWindow  = 90 * 24 * time.Hour
	temporalFloor   = 0.5
	temporalCeiling = 0.8
)

// Detector finds relationships within one patient's artifact set.
type Detector struct {
	logger logging.Logger
	now    func() time.Time
}

func NewDetector(logger logging.Logger) *Detector {
	return &Detector{logger: logging.OrNoop(logger), now: time.Now}
}

// Detect runs all strategies over the patient's artifacts and returns the
// discovered relationships in deterministic order: source id, then target
// id, then relationship type. Detection never fails; artifacts that no
// strategy links simply produce nothing.
func (d *Detector) Detect(artifacts []*types.Artifact) []*types.ClinicalRelationship {
	byType := make(map[types.ArtifactType][]*types.Artifact)
	for _, a := range artifacts {
		byType[a.Type] = append(byType[a.Type], a)
	}

	var rels []*types.ClinicalRelationship
	seen := make(map[string]bool)

	add := func(rel *types.ClinicalRelationship) {
		key := rel.SourceArtifactID + "|" + rel.TargetArtifactID + "|" + string(rel.RelationshipType)
		if seen[key] {
			return
		}
		seen[key] = true
		rels = append(rels, rel)
	}

	meds := byType[types.ArtifactTypeMedication]
	conditions := byType[types.ArtifactTypeCondition]
	plans := byType[types.ArtifactTypeCarePlan]

	for _, med := range meds {
		for _, cond := range conditions {
			if med.PatientID != cond.PatientID {
				continue
			}
			if rel := d.linkMedicationIndication(med, cond); rel != nil {
				add(rel)
			}
		}
	}
	for _, plan := range plans {
		for _, cond := range conditions {
			if plan.PatientID != cond.PatientID {
				continue
			}
			if rel := d.linkCarePlanCondition(plan, cond); rel != nil {
				add(rel)
			}
		}
	}

	sort.Slice(rels, func(i, j int) bool {
		if rels[i].SourceArtifactID != rels[j].SourceArtifactID {
			return rels[i].SourceArtifactID < rels[j].SourceArtifactID
		}
		if rels[i].TargetArtifactID != rels[j].TargetArtifactID {
			return rels[i].TargetArtifactID < rels[j].TargetArtifactID
		}
		return rels[i].RelationshipType < rels[j].RelationshipType
	})

	d.logger.Debug("relationship detection complete", map[string]interface{}{
		"artifacts":     len(artifacts),
		"relationships": len(rels),
	})
	return rels
}

// linkMedicationIndication tries the four medication strategies in order.
func (d *Detector) linkMedicationIndication(med, cond *types.Artifact) *types.ClinicalRelationship {
	method, conf, notes := d.matchMedication(med, cond)
	if method == "" {
		return nil
	}
	return d.newRelationship(types.RelMedicationIndication, med, cond, method, conf, notes)
}

func (d *Detector) matchMedication(med, cond *types.Artifact) (types.EnrichmentMethod, float64, string) {
	// 1. Explicit reference: the EMR names the condition id or the full
	// condition name in the medication's indication field.
	if refersTo(med, cond.ID) {
		return types.MethodExplicitAPI, confExplicit, "explicit reference"
	}
	if indicationNames(med, cond) {
		return types.MethodExplicitAPI, confExplicit, "indication names the condition"
	}
	// 2. Code match: equal diagnosis codes.
	if code := med.MetaString("indication_code"); code != "" && code == cond.MetaString("diagnosis_code") {
		return types.MethodExplicitAPI, confCoded, "shared indication code " + code
	}
	// 3. Text overlap: Jaccard similarity of the two texts.
	if sim := jaccard(tokenize(med.Text+" "+med.Title), tokenize(cond.Text+" "+cond.Title)); sim > confOverlap {
		return types.MethodLLMInferred, sim, fmt.Sprintf("text overlap %.2f", sim)
	}
	// 4. Temporal proximity: prescription within 90 days of the diagnosis in
	// either direction. Resolved conditions never link temporally.
	if !strings.EqualFold(cond.MetaString("status"), "resolved") {
		if conf, ok := temporalConfidence(cond.OccurredAt, med.OccurredAt); ok {
			return types.MethodTemporalCorrelation, conf, "prescribed near the diagnosis date"
		}
	}
	return "", 0, ""
}

// linkCarePlanCondition uses the explicit and text-overlap strategies only;
// plans carry no indication codes and temporal proximity is too weak a
// signal for them.
func (d *Detector) linkCarePlanCondition(plan, cond *types.Artifact) *types.ClinicalRelationship {
	if refersTo(plan, cond.ID) {
		return d.newRelationship(types.RelCarePlanCondition, plan, cond,
			types.MethodExplicitAPI, confExplicit, "explicit reference")
	}
	if sim := jaccard(tokenize(plan.Text+" "+plan.Title), tokenize(cond.Text+" "+cond.Title)); sim > confPlanOverlap {
		return d.newRelationship(types.RelCarePlanCondition, plan, cond,
			types.MethodLLMInferred, sim, fmt.Sprintf("text overlap %.2f", sim))
	}
	return nil
}

func (d *Detector) newRelationship(relType types.RelationshipType, source, target *types.Artifact,
	method types.EnrichmentMethod, conf float64, notes string) *types.ClinicalRelationship {
	return &types.ClinicalRelationship{
		RelationshipID:     uuid.New().String(),
		RelationshipType:   relType,
		SourceArtifactID:   source.ID,
		SourceArtifactType: source.Type,
		SourceEntityText:   source.Title,
		TargetArtifactID:   target.ID,
		TargetArtifactType: target.Type,
		TargetEntityText:   target.Title,
		PatientID:          source.PatientID,
		ConfidenceScore:    conf,
		ExtractionMethod:   method,
		EstablishedAt:      d.now().UTC(),
		ClinicalNotes:      notes,
	}
}

// refersTo reports whether the artifact explicitly names targetID, either in
// a related-id meta field or inline in its text.
func refersTo(a *types.Artifact, targetID string) bool {
	for _, key := range []string{"related_condition_ids", "related_ids"} {
		for _, id := range a.MetaStrings(key) {
			if id == targetID {
				return true
			}
		}
	}
	if id := a.MetaString("indication_ref"); id == targetID {
		return true
	}
	return strings.Contains(a.Text, targetID)
}

// indicationNames reports whether the medication's API-supplied indication
// matches the condition's name. A containing match either way counts so that
// "Type 2 Diabetes" links to "Type 2 Diabetes Mellitus".
func indicationNames(med, cond *types.Artifact) bool {
	indication := strings.ToLower(strings.TrimSpace(med.MetaString("indication")))
	name := strings.ToLower(strings.TrimSpace(cond.Title))
	if indication == "" || name == "" {
		return false
	}
	return strings.Contains(name, indication) || strings.Contains(indication, name)
}

// temporalConfidence scores a prescription dated within 90 days of a
// diagnosis, before or after. Confidence decays linearly from 0.8 toward 0.5
// with distance.
func temporalConfidence(diagnosedAt, prescribedAt time.Time) (float64, bool) {
	delta := prescribedAt.Sub(diagnosedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > temporalWindow {
		return 0, false
	}
	days := delta.Hours() / 24
	conf := temporalCeiling - (days/90)*0.3
	if conf < temporalFloor {
		conf = temporalFloor
	}
	return conf, true
}

// tokenize lowercases, strips punctuation, and drops tokens shorter than
// three characters.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(field) >= 3 {
			tokens[field] = true
		}
	}
	return tokens
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Describe renders a relationship as a short human-readable phrase for
// enrichment summaries.
func Describe(rel *types.ClinicalRelationship) string {
	source := rel.SourceEntityText
	if source == "" {
		source = rel.SourceArtifactID
	}
	target := rel.TargetEntityText
	if target == "" {
		target = rel.TargetArtifactID
	}
	switch rel.RelationshipType {
	case types.RelMedicationIndication:
		return fmt.Sprintf("%s prescribed for %s", source, target)
	case types.RelCarePlanCondition:
		return fmt.Sprintf("%s addresses %s", source, target)
	case types.RelLabCondition:
		return fmt.Sprintf("%s monitors %s", source, target)
	default:
		return fmt.Sprintf("%s relates to %s", source, target)
	}
}
