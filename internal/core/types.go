package core

import "context"

// SourceKind identifies the physical format of an uploaded contact file.
type SourceKind string

const (
	KindDelimited   SourceKind = "delimited"
	KindSpreadsheet SourceKind = "spreadsheet"
	KindJSON        SourceKind = "json"
	KindNDJSON      SourceKind = "ndjson"
)

// HasHeaderRow reports whether the format carries a header line that may be
// repeated inside the data (concatenated exports).
func (k SourceKind) HasHeaderRow() bool {
	return k == KindDelimited || k == KindSpreadsheet
}

// RawRecord maps a source column name to the raw cell value as read.
type RawRecord map[string]string

// CanonicalRecord is a RawRecord that survived empty-row and header-row filtering.
type CanonicalRecord struct {
	Line   int       `json:"line"`   // 1-indexed position in the source, header excluded
	Values RawRecord `json:"values"`
}

// FieldMapping maps a target field name (tel, nom, cp...) to a source column.
type FieldMapping map[string]string

// FieldKind drives the normalization applied to a resolved target field.
type FieldKind int

const (
	FieldText FieldKind = iota
	FieldPhone
	FieldPostal
	FieldDate
	FieldBirthDate // Date never in the future
	FieldNumeric
)

// FieldSpec describes one target field of a contact record.
type FieldSpec struct {
	Name     string    // Target field name, also the store column
	Kind     FieldKind // Normalization applied after resolution
	Variants []string  // Alternative source column names, compared normalized
}

// PhoneFields lists the phone-family target fields, in duplicate-check order.
var PhoneFields = []string{"tel", "gsm1", "gsm2"}

// ExistingContactSummary is the read-only view of a persisted contact that
// the duplicate index points at.
type ExistingContactSummary struct {
	ID        int64  `json:"id"`
	LastName  string `json:"nom"`
	FirstName string `json:"prenom"`
	Phone     string `json:"tel"`
	Status    string `json:"etat"`
}

// ExistingContact is one row returned by RecordStore.ReadExistingContacts.
type ExistingContact struct {
	ID        int64
	LastName  string
	FirstName string
	Status    string
	Phones    map[string]string // phone-family column -> raw value
}

// Summary returns the index view of the contact.
func (c ExistingContact) Summary() ExistingContactSummary {
	phone := ""
	for _, f := range PhoneFields {
		if v := c.Phones[f]; v != "" {
			phone = v
			break
		}
	}
	return ExistingContactSummary{
		ID:        c.ID,
		LastName:  c.LastName,
		FirstName: c.FirstName,
		Phone:     phone,
		Status:    c.Status,
	}
}

// EnumerationRow is one entry of a reference list (workflow states, sources...).
type EnumerationRow struct {
	ID    int64
	Label string
}

// RecordStore is the relational store capability consumed by the import core.
// The core only reads and appends; it never updates or deletes contacts.
type RecordStore interface {
	ReadExistingContacts(ctx context.Context) ([]ExistingContact, error)
	InsertContact(ctx context.Context, fields map[string]any) (int64, error)
	RecordObfuscatedReference(ctx context.Context, id int64, reference string) error
	LookupEnumeration(ctx context.Context, kind string) ([]EnumerationRow, error)
}

// ImportLocker is implemented by stores able to serialize import jobs across
// processes. The returned release func must be called exactly once.
type ImportLocker interface {
	LockImports(ctx context.Context) (release func(), err error)
}

// ContactFinder is implemented by stores able to find the live contact
// holding one of keys. It names the contact behind a unique violation that
// the job's duplicate index did not see.
type ContactFinder interface {
	FindContactByPhone(ctx context.Context, keys []string) (ExistingContact, bool, error)
}

// OperatorDefaults are the values assigned to every inserted contact.
type OperatorDefaults struct {
	OperatorID int64  `json:"operatorId"`
	CenterID   int64  `json:"centerId"`
	ProductID  int64  `json:"productId"`
	State      string `json:"state,omitempty"` // Initial workflow state label, empty for the store default
}

// OutcomeKind classifies the fate of one canonical record.
type OutcomeKind string

const (
	OutcomeInserted  OutcomeKind = "inserted"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeInvalid   OutcomeKind = "invalid"
	OutcomeError     OutcomeKind = "error"
)

// ContactFields holds the resolved and normalized values of one record.
type ContactFields map[string]string

// ImportOutcome is produced for every canonical record of a job.
type ImportOutcome struct {
	Line     int                     `json:"line"`
	Kind     OutcomeKind             `json:"kind"`
	Reason   string                  `json:"reason,omitempty"`
	Code     string                  `json:"code,omitempty"`
	ID       int64                   `json:"id,omitempty"`
	Existing *ExistingContactSummary `json:"existing,omitempty"`
	Fields   ContactFields           `json:"fields"`
}

// PreviewOptions tunes how an uploaded payload is read.
type PreviewOptions struct {
	ForceTab bool // Treat delimited text as tab-separated regardless of sniffing
}

// PreviewResult is returned by the preview phase.
type PreviewResult struct {
	Kind             SourceKind   `json:"kind"`
	Columns          []string     `json:"columns"`
	PreviewRows      []RawRecord  `json:"previewRows"`
	TotalRows        int          `json:"totalRows"`
	CanonicalHandle  string       `json:"canonicalHandle"`
	SuggestedMapping FieldMapping `json:"suggestedMapping"`
}

// ProcessRequest is the input of the process phase.
type ProcessRequest struct {
	Mapping            FieldMapping     `json:"mapping"`
	CanonicalHandle    string           `json:"canonicalHandle"`
	SkipDuplicateCheck bool             `json:"skipDuplicateCheck"`
	Defaults           OperatorDefaults `json:"defaults"`
}

// ImportJobResult aggregates the outcomes of one process job.
type ImportJobResult struct {
	JobID          string          `json:"jobId"`
	Total          int             `json:"total"`
	Inserted       int             `json:"inserted"`
	InsertedIDs    []int64         `json:"insertedIds"`
	Duplicates     []ImportOutcome `json:"duplicates"`
	InvalidRecords []ImportOutcome `json:"invalidRecords"`
	Errors         []ImportOutcome `json:"errors"`
	ReportHandle   string          `json:"reportHandle,omitempty"`
	DurationMs     int64           `json:"durationMs"`
}

// NotInserted returns the number of records that did not reach the store.
func (r *ImportJobResult) NotInserted() int {
	return len(r.Duplicates) + len(r.InvalidRecords) + len(r.Errors)
}
