// Package normalizer converts raw EMR payloads into validated artifacts.
// Source systems disagree on field names and value types, so decoding is
// deliberately forgiving: aliases are resolved and scalar types coerced
// before strict validation runs.
package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"

	"clinrag/internal/apperrors"
	"clinrag/pkg/types"
)

// fieldAliases maps canonical artifact fields to the names EMR exports use
// for them. First match wins; the canonical name always matches.
var fieldAliases = map[string][]string{
	"id":          {"id", "artifact_id", "document_id", "record_id"},
	"patient_id":  {"patient_id", "patient", "subject_id", "mrn"},
	"type":        {"type", "artifact_type", "document_type", "category"},
	"author":      {"author", "provider", "clinician", "recorded_by"},
	"occurred_at": {"occurred_at", "date", "timestamp", "prescribed_at", "start_date", "effective_date"},
	"title":       {"title", "name", "medication_name", "summary", "heading"},
	"text":        {"text", "content", "body", "description", "notes"},
	"source_url":  {"source_url", "url", "link"},
}

// dateLayouts are tried in order when occurred_at arrives as a string.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// rawArtifact is the coercion target; mapstructure's weak decoding handles
// numeric strings and stringified booleans in Meta.
type rawArtifact struct {
	ID         string                 `mapstructure:"id"`
	PatientID  string                 `mapstructure:"patient_id"`
	Type       string                 `mapstructure:"type"`
	Author     string                 `mapstructure:"author"`
	OccurredAt interface{}            `mapstructure:"occurred_at"`
	Title      string                 `mapstructure:"title"`
	Text       string                 `mapstructure:"text"`
	SourceURL  string                 `mapstructure:"source_url"`
	Meta       map[string]interface{} `mapstructure:",remain"`
}

// Normalizer turns loosely-shaped EMR payloads into validated artifacts.
type Normalizer struct {
	now func() time.Time
}

func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize resolves aliases, coerces types, validates, and returns a
// well-formed artifact. Payloads that cannot be salvaged return a
// VALIDATION_ERROR naming the offending field.
func (n *Normalizer) Normalize(payload map[string]interface{}) (*types.Artifact, error) {
	if payload == nil {
		return nil, apperrors.New(apperrors.KindValidation, "empty payload")
	}

	canonical := n.canonicalize(payload)

	var raw rawArtifact
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "building payload decoder", err)
	}
	if err := decoder.Decode(canonical); err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "malformed payload", err)
	}

	occurredAt, err := n.parseOccurredAt(raw.OccurredAt)
	if err != nil {
		return nil, err
	}

	artifact := &types.Artifact{
		ID:         strings.TrimSpace(raw.ID),
		PatientID:  strings.TrimSpace(raw.PatientID),
		Type:       types.ArtifactType(strings.ToLower(strings.TrimSpace(raw.Type))),
		Author:     strings.TrimSpace(raw.Author),
		OccurredAt: occurredAt,
		Title:      strings.TrimSpace(raw.Title),
		Text:       strings.TrimSpace(raw.Text),
		SourceURL:  strings.TrimSpace(raw.SourceURL),
		Meta:       raw.Meta,
	}

	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if !artifact.Type.Valid() {
		return nil, apperrors.New(apperrors.KindValidation,
			fmt.Sprintf("unknown artifact type %q", raw.Type))
	}
	if artifact.OccurredAt.After(n.now().Add(24 * time.Hour)) {
		return nil, apperrors.New(apperrors.KindValidation, "occurred_at is in the future")
	}
	if err := artifact.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "invalid artifact", err)
	}
	return artifact, nil
}

// canonicalize resolves field aliases and flattens nested content blocks
// like {"content": {"text": ...}} that some exports produce.
func (n *Normalizer) canonicalize(payload map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		flat[strings.ToLower(k)] = v
	}

	if nested, ok := flat["content"].(map[string]interface{}); ok {
		if text, ok := nested["text"]; ok {
			flat["text"] = text
			delete(flat, "content")
		}
	}

	out := make(map[string]interface{}, len(flat))
	claimed := make(map[string]bool)
	for canonical, aliases := range fieldAliases {
		for _, alias := range aliases {
			if v, ok := flat[alias]; ok {
				out[canonical] = v
				claimed[alias] = true
				break
			}
		}
	}
	// Unclaimed fields pass through into Meta.
	for k, v := range flat {
		if !claimed[k] {
			if _, taken := out[k]; !taken {
				out[k] = v
			}
		}
	}
	return out
}

// parseOccurredAt accepts RFC 3339 strings, common date layouts, and
// numeric epochs in seconds or milliseconds.
func (n *Normalizer) parseOccurredAt(v interface{}) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, apperrors.New(apperrors.KindValidation, "missing occurred_at")
	case time.Time:
		return val.UTC(), nil
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, apperrors.New(apperrors.KindValidation,
			fmt.Sprintf("unparseable occurred_at %q", s))
	case float64:
		return epochToTime(int64(val)), nil
	case int64:
		return epochToTime(val), nil
	case int:
		return epochToTime(int64(val)), nil
	default:
		return time.Time{}, apperrors.New(apperrors.KindValidation,
			fmt.Sprintf("unsupported occurred_at type %T", v))
	}
}

// epochToTime treats values past the year-2200 second range as milliseconds.
func epochToTime(epoch int64) time.Time {
	const maxSeconds = 7258118400 // 2200-01-01 UTC
	if epoch > maxSeconds {
		return time.UnixMilli(epoch).UTC()
	}
	return time.Unix(epoch, 0).UTC()
}
