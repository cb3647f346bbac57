package core

// resolve.go maps target fields onto the arbitrary column names found in
// uploaded files.
//
// Resolution order for one target field, first hit wins:
//  1. exact key match on the mapped source column
//  2. normalized key match on the mapped source column (case, accents,
//     punctuation and "column/field/header" decorations ignored)
//  3. normalized key match on the field's variant table
//  4. phone-family fields only: widened scan of every column whose
//     normalized name mentions tel/phone/mobile/gsm, accepting the first
//     value with at least MinPhoneDigits digits
//
// Record keys are scanned in sorted order so ties resolve deterministically.

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// keyDecorations are stripped from either end of a normalized column name.
var keyDecorations = []string{"column", "colonne", "field", "champ", "header"}

// phoneKeyHints mark a column as phone-like for the widened scan.
var phoneKeyHints = []string{"tel", "phone", "mobile", "gsm", "portable"}

// FieldSpecs lists every target field of a contact, in report/insert order.
var FieldSpecs = []FieldSpec{
	{Name: "civilite", Kind: FieldText, Variants: []string{"civ", "titre", "title", "salutation", "genre"}},
	{Name: "nom", Kind: FieldText, Variants: []string{"name", "lastname", "last name", "nomdefamille", "nom famille", "surname"}},
	{Name: "prenom", Kind: FieldText, Variants: []string{"firstname", "first name", "fname", "prénom"}},
	{Name: "adresse", Kind: FieldText, Variants: []string{"address", "adresse1", "rue", "street", "voie"}},
	{Name: "cp", Kind: FieldPostal, Variants: []string{"codepostal", "code postal", "postal", "postalcode", "zip", "zipcode", "cpostal"}},
	{Name: "ville", Kind: FieldText, Variants: []string{"city", "commune", "localite", "town"}},
	{Name: "tel", Kind: FieldPhone, Variants: []string{"telephone", "téléphone", "phone", "tel1", "telfixe", "fixe", "numero", "numéro"}},
	{Name: "gsm1", Kind: FieldPhone, Variants: []string{"gsm", "mobile", "portable", "cellulaire", "tel2", "telmobile"}},
	{Name: "gsm2", Kind: FieldPhone, Variants: []string{"mobile2", "portable2", "tel3"}},
	{Name: "email", Kind: FieldText, Variants: []string{"mail", "courriel", "e-mail", "emailaddress", "adressemail"}},
	{Name: "date_naissance", Kind: FieldBirthDate, Variants: []string{"naissance", "datedenaissance", "birthdate", "dob", "birthday"}},
	{Name: "revenu", Kind: FieldNumeric, Variants: []string{"revenus", "revenufiscal", "income", "salaire"}},
	{Name: "source", Kind: FieldText, Variants: []string{"origine", "provenance", "campagne"}},
	{Name: "commentaire", Kind: FieldText, Variants: []string{"comment", "commentaires", "remarque", "note", "notes"}},
}

// LookupFieldSpec returns the spec of a target field.
func LookupFieldSpec(name string) (FieldSpec, bool) {
	for _, spec := range FieldSpecs {
		if spec.Name == name {
			return spec, true
		}
	}
	return FieldSpec{}, false
}

// accentStripper removes combining marks after canonical decomposition.
func accentStripper() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// NormalizeKey folds a column name for fuzzy comparison: lower-case, no
// diacritics, no '.', '_', '-' or whitespace, and no leading/trailing
// "column/field/header" decoration.
func NormalizeKey(s string) string {
	folded, _, err := transform.String(accentStripper(), strings.TrimSpace(s))
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r == '.' || r == '_' || r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	key := b.String()

	for _, d := range keyDecorations {
		if len(key) > len(d) {
			key = strings.TrimPrefix(key, d)
		}
		if len(key) > len(d) {
			key = strings.TrimSuffix(key, d)
		}
	}
	return key
}

// sortedKeys returns the record's column names in a stable order.
func sortedKeys(rec RawRecord) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookupNormalized finds the first column of rec whose normalized name equals want.
func lookupNormalized(rec RawRecord, keys []string, want string) (string, bool) {
	if want == "" {
		return "", false
	}
	for _, k := range keys {
		if NormalizeKey(k) == want {
			if v := CleanCell(rec[k]); !isAbsent(v) {
				return v, true
			}
		}
	}
	return "", false
}

// Resolve returns the raw value of a target field for one record. It returns
// false when nothing resolves; absence is not an error here.
func Resolve(rec RawRecord, mapping FieldMapping, field string) (string, bool) {
	spec, known := LookupFieldSpec(field)
	if !known {
		spec = FieldSpec{Name: field, Kind: FieldText}
	}
	keys := sortedKeys(rec)

	value, ok := resolveDeclared(rec, keys, mapping, spec)
	if spec.Kind != FieldPhone {
		return value, ok
	}
	if ok && PhoneDigits(value) >= MinPhoneDigits {
		return value, true
	}
	if wide, found := resolvePhoneWidened(rec, keys, mapping, field); found {
		return wide, true
	}
	return value, ok
}

// resolveDeclared runs the exact, normalized and variant-table steps.
func resolveDeclared(rec RawRecord, keys []string, mapping FieldMapping, spec FieldSpec) (string, bool) {
	if col, ok := mapping[spec.Name]; ok && col != "" {
		if raw, ok := rec[col]; ok {
			if v := CleanCell(raw); !isAbsent(v) {
				return v, true
			}
		}
		if v, ok := lookupNormalized(rec, keys, NormalizeKey(col)); ok {
			return v, true
		}
	}

	if v, ok := lookupNormalized(rec, keys, NormalizeKey(spec.Name)); ok {
		return v, true
	}
	for _, variant := range spec.Variants {
		if v, ok := lookupNormalized(rec, keys, NormalizeKey(variant)); ok {
			return v, true
		}
	}
	return "", false
}

// resolvePhoneWidened scans every phone-like column. Columns explicitly mapped
// to another phone field are skipped, as are gsm2 columns when resolving gsm1
// and vice versa.
func resolvePhoneWidened(rec RawRecord, keys []string, mapping FieldMapping, field string) (string, bool) {
	claimed := make(map[string]bool)
	for _, other := range PhoneFields {
		if other == field {
			continue
		}
		if col := mapping[other]; col != "" {
			claimed[NormalizeKey(col)] = true
		}
	}

	for _, k := range keys {
		nk := NormalizeKey(k)
		if claimed[nk] || !isPhoneLikeKey(nk) {
			continue
		}
		if field == "gsm1" && strings.Contains(nk, "gsm2") {
			continue
		}
		if field == "gsm2" && strings.Contains(nk, "gsm1") {
			continue
		}
		v := CleanCell(rec[k])
		if PhoneDigits(v) >= MinPhoneDigits {
			return v, true
		}
	}
	return "", false
}

func isPhoneLikeKey(normalized string) bool {
	for _, hint := range phoneKeyHints {
		if strings.Contains(normalized, hint) {
			return true
		}
	}
	return false
}

// SuggestMapping proposes a FieldMapping for the given source columns using
// the same normalized and variant comparisons as Resolve.
func SuggestMapping(columns []string) FieldMapping {
	byKey := make(map[string]string, len(columns))
	for _, c := range columns {
		nk := NormalizeKey(c)
		if _, dup := byKey[nk]; !dup {
			byKey[nk] = c
		}
	}

	used := make(map[string]bool)
	out := make(FieldMapping)
	for _, spec := range FieldSpecs {
		candidates := append([]string{spec.Name}, spec.Variants...)
		for _, cand := range candidates {
			col, ok := byKey[NormalizeKey(cand)]
			if ok && !used[col] {
				out[spec.Name] = col
				used[col] = true
				break
			}
		}
	}
	return out
}
