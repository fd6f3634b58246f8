package deid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Row is a single extracted record keyed by column name.
type Row map[string]interface{}

// yearMonthLayout is the precision every outgoing date is truncated to.
const yearMonthLayout = "2006-01"

// pseudonymLen is the output length of the hex pseudonym (16 bytes of the
// HMAC digest). Long enough that collisions are not a practical concern,
// short enough to be usable as a join key in downstream analysis.
const pseudonymLen = 32

// Transformer derives de-identified rows from raw clinical rows. It is safe
// for concurrent use; all methods are pure with respect to the receiver.
type Transformer struct {
	key   []byte
	runAt time.Time
}

// New creates a Transformer keyed with the deployment pseudonymisation
// secret. Age bands and coarsened dates are computed relative to runAt, the
// moment the export run started, so the whole batch is internally consistent.
//
// The HMAC key is a hard requirement: an unkeyed digest of the patient id is
// reversible with a precomputed dictionary of plausible ids.
func New(key []byte, runAt time.Time) *Transformer {
	return &Transformer{key: key, runAt: runAt.UTC()}
}

// Pseudonym returns the stable surrogate for a source patient identifier:
// hex(HMAC-SHA256(key, id)) truncated to 16 bytes. The same source id always
// maps to the same pseudonym under the same key, and the mapping cannot be
// inverted without the key.
func (t *Transformer) Pseudonym(sourceID string) string {
	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(sourceID))
	return hex.EncodeToString(mac.Sum(nil))[:pseudonymLen]
}

// AgeBand buckets a birth date into a coarse age range as of runAt. The exact
// birth date never survives the transform.
func (t *Transformer) AgeBand(birthDate time.Time) string {
	years := t.runAt.Year() - birthDate.Year()
	// Not yet had this year's birthday.
	if t.runAt.YearDay() < birthDate.YearDay() {
		years--
	}
	switch {
	case years < 18:
		return "<18"
	case years <= 24:
		return "18-24"
	case years <= 34:
		return "25-34"
	case years <= 44:
		return "35-44"
	case years <= 54:
		return "45-54"
	case years <= 64:
		return "55-64"
	default:
		return "65+"
	}
}

// Transform maps one raw clinical row to its de-identified form. The include
// list, when non-empty, narrows the output field set; it can never widen it
// past the allow-list, and deny-listed fields are dropped unconditionally.
// Unknown requested fields are silently ignored rather than treated as an
// error.
//
// Field handling:
//   - patient_id      -> pseudonym (keyed HMAC)
//   - birth_date/dob  -> age_band
//   - time.Time value -> year-month string
//   - everything else -> copied if allow-listed
func (t *Transformer) Transform(row Row, include []string) Row {
	effective := t.effectiveFields(include)
	out := make(Row, len(effective))

	if id, ok := sourceID(row); ok && effective["pseudonym"] {
		out["pseudonym"] = t.Pseudonym(id)
	}
	if bd, ok := birthDate(row); ok && effective["age_band"] {
		out["age_band"] = t.AgeBand(bd)
	}

	for field, value := range row {
		if DeniedCategory(field) != "" {
			continue
		}
		if !effective[field] {
			continue
		}
		out[field] = coarsen(value)
	}
	return out
}

// TransformAll applies Transform to a batch.
func (t *Transformer) TransformAll(rows []Row, include []string) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = t.Transform(r, include)
	}
	return out
}

// effectiveFields intersects the allow-list with the caller's include list.
// An empty include list means the full allow-list.
func (t *Transformer) effectiveFields(include []string) map[string]bool {
	if len(include) == 0 {
		return allowedFields
	}
	effective := make(map[string]bool, len(include))
	for _, f := range include {
		if allowedFields[f] {
			effective[f] = true
		}
	}
	return effective
}

// coarsen truncates any date-bearing value to year-month precision. There
// are deliberately no exceptions to this rule.
func coarsen(value interface{}) interface{} {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(yearMonthLayout)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC().Format(yearMonthLayout)
	default:
		return value
	}
}

// sourceID extracts the raw patient identifier from a row.
func sourceID(row Row) (string, bool) {
	for _, key := range []string{"patient_id", "external_id"} {
		v, ok := row[key]
		if !ok || v == nil {
			continue
		}
		switch id := v.(type) {
		case string:
			if id != "" {
				return id, true
			}
		case fmt.Stringer:
			return id.String(), true
		}
	}
	return "", false
}

// birthDate extracts the raw birth date from a row.
func birthDate(row Row) (time.Time, bool) {
	for _, key := range []string{"birth_date", "date_of_birth", "dob"} {
		v, ok := row[key]
		if !ok || v == nil {
			continue
		}
		switch bd := v.(type) {
		case time.Time:
			return bd, true
		case *time.Time:
			if bd != nil {
				return *bd, true
			}
		}
	}
	return time.Time{}, false
}
