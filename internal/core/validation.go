package core

// validation.go normalizes and validates one resolved contact before insertion.
//
// Rules, checked in order:
//  1. at least one of tel, gsm1, gsm2 must normalize to a PhoneKey (no_phone)
//  2. a non-empty postal code must normalize to five digits (invalid_postal_code)
//
// Optional date and numeric fields never fail a record; unparseable values
// are stored as NULL.

import "strings"

// ResolveContact resolves every target field of rec through mapping. Fields
// that do not resolve are left out.
func ResolveContact(rec RawRecord, mapping FieldMapping) ContactFields {
	fields := make(ContactFields, len(FieldSpecs))
	for _, spec := range FieldSpecs {
		if v, ok := Resolve(rec, mapping, spec.Name); ok {
			fields[spec.Name] = v
		}
	}
	return fields
}

// RecordValidator enforces the mandatory-field rules of a contact.
type RecordValidator struct{}

// NewRecordValidator creates a validator.
func NewRecordValidator() *RecordValidator {
	return &RecordValidator{}
}

// Validate returns a normalized copy of fields and the record's PhoneKeys in
// tel, gsm1, gsm2 order. On failure it returns the unmodified fields and a
// *ValidationError.
//
// A mobile number equal to a previous phone field is blanked so the same
// number is never stored twice on one contact.
func (v *RecordValidator) Validate(fields ContactFields) (ContactFields, []string, error) {
	out := make(ContactFields, len(fields))
	for k, val := range fields {
		out[k] = strings.TrimSpace(val)
	}

	var keys []string
	seen := make(map[string]bool, len(PhoneFields))
	for _, f := range PhoneFields {
		key := NormalizePhone(out[f])
		if key == "" || seen[key] {
			delete(out, f)
			continue
		}
		seen[key] = true
		out[f] = key
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return fields, nil, &ValidationError{Code: CodeNoPhone, Field: "tel", Value: fields["tel"]}
	}

	if raw := out["cp"]; !isAbsent(raw) {
		cp, err := NormalizePostalCode(raw)
		if err != nil {
			return fields, nil, err
		}
		out["cp"] = cp
	} else {
		delete(out, "cp")
	}

	return out, keys, nil
}

// PhoneKeys returns the non-empty normalized phone fields of fields.
func PhoneKeys(fields ContactFields) []string {
	var keys []string
	for _, f := range PhoneFields {
		if k := NormalizePhone(fields[f]); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
