// Package deid implements the HIPAA Safe Harbour de-identification transform
// (45 CFR 164.514(b)(2)) applied to clinical rows before export. The transform
// is a pure function: raw row in, de-identified row out, no I/O.
package deid

// MethodTag identifies the de-identification method applied to an export
// artifact. It is recorded on the export job for audit.
const MethodTag = "safe_harbour_18"

// denyListedFields maps every field name that falls under one of the 18 Safe
// Harbour identifier categories. A field on this list never appears in
// de-identified output, regardless of what the caller asked for. The mapping
// value names the category for audit logging.
var denyListedFields = map[string]string{
	// 1. Names
	"name": "name", "first_name": "name", "last_name": "name",
	"middle_name": "name", "full_name": "name", "maiden_name": "name",
	"preferred_name": "name", "emergency_contact_name": "name",

	// 2. Geographic subdivisions smaller than a state
	"address": "geographic", "street": "geographic", "street_address": "geographic",
	"address_line1": "geographic", "address_line2": "geographic",
	"city": "geographic", "zip": "geographic", "zip_code": "geographic",
	"postal_code": "geographic", "county": "geographic", "precinct": "geographic",
	"latitude": "geographic", "longitude": "geographic", "geolocation": "geographic",

	// 3. Dates directly related to an individual (exact birth date; other
	// dates are coarsened to year-month rather than removed)
	"birth_date": "dates", "date_of_birth": "dates", "dob": "dates",
	"death_date": "dates",

	// 4–5. Telephone and fax numbers
	"phone": "telephone", "phone_number": "telephone", "mobile": "telephone",
	"emergency_contact_phone": "telephone",
	"fax": "fax", "fax_number": "fax",

	// 6. Email addresses
	"email": "email", "email_address": "email",

	// 7. Social Security numbers
	"ssn": "ssn", "social_security_number": "ssn",

	// 8. Medical record numbers
	"mrn": "mrn", "medical_record_number": "mrn",

	// 9. Health plan beneficiary numbers
	"health_plan_id": "health_plan", "insurance_id": "health_plan",
	"member_id": "health_plan",

	// 10. Account numbers
	"account_number": "account", "billing_account": "account",

	// 11. Certificate / license numbers
	"license_number": "license", "certificate_number": "license",
	"drivers_license": "license",

	// 12. Vehicle identifiers
	"vehicle_id": "vehicle", "vin": "vehicle", "license_plate": "vehicle",

	// 13. Device identifiers and serial numbers
	"device_id": "device", "device_serial": "device", "serial_number": "device",
	"device_identifier": "device", "session_id": "device",

	// 14. Web URLs
	"url": "url", "website": "url", "profile_url": "url",

	// 15. IP addresses
	"ip": "ip", "ip_address": "ip",

	// 16. Biometric identifiers
	"fingerprint": "biometric", "voiceprint": "biometric", "biometric_id": "biometric",

	// 17. Full-face photographs and comparable images
	"photo": "photo", "photo_url": "photo", "image_url": "photo",

	// 18. Any other unique identifying number or code
	"patient_id": "unique_id", "external_id": "unique_id", "user_id": "unique_id",
	"actor_id": "unique_id", "guid": "unique_id",
}

// allowedFields is the authoritative allow-list of de-identified output
// fields. Output field names are always a subset of this set; a caller's
// include-list may narrow it but never widen it.
var allowedFields = map[string]bool{
	// Derived identity surrogates
	"pseudonym": true,
	"age_band":  true,

	// Coarsened demographics (state is the smallest permitted geography)
	"gender": true,
	"state":  true,

	// Patient-level attributes
	"risk_level": true,
	"active":     true,

	// Daily entries
	"entry_month": true,
	"mood_score":  true,
	"sleep_hours": true,
	"steps":       true,

	// Assessments
	"assessment_type":  true,
	"assessment_score": true,

	// Medications
	"medication_name":  true,
	"medication_class": true,
	"dosage":           true,

	// Diagnoses
	"diagnosis_code":        true,
	"diagnosis_description": true,
	"onset_month":           true,

	// Appointments
	"appointment_month":  true,
	"appointment_type":   true,
	"appointment_status": true,

	// Passive health signals
	"heart_rate_avg": true,
	"hrv_avg":        true,

	// Journal entries (content itself is PHI-bearing free text and excluded;
	// only derived metrics pass)
	"sentiment_score": true,
	"word_count":      true,

	// Row provenance, coarsened
	"record_type":    true,
	"recorded_month": true,
}

// DeniedCategory returns the Safe Harbour category for a field name, or ""
// if the field is not deny-listed.
func DeniedCategory(field string) string {
	return denyListedFields[field]
}

// Allowed reports whether a field name is on the authoritative output
// allow-list.
func Allowed(field string) bool {
	return allowedFields[field]
}

// AllowList returns a copy of the authoritative allow-list.
func AllowList() []string {
	out := make([]string, 0, len(allowedFields))
	for f := range allowedFields {
		out = append(out, f)
	}
	return out
}
