package core

// report.go builds the downloadable reject report of an import job.

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ReportHeader is the header row of the reject report.
var ReportHeader = []string{
	"Nom", "Prénom", "Téléphone", "Code Postal", "Ville",
	"Raison", "Type Raison", "Fiche Existante (ID,Nom,Prénom,Téléphone,État)",
}

// Reason types shown in the report.
const (
	ReasonTypeDuplicate = "Doublon"
	ReasonTypeInvalid   = "Invalide"
	ReasonTypeError     = "Erreur"
)

// RejectRow is one line of the reject report.
type RejectRow struct {
	LastName   string
	FirstName  string
	Phone      string
	PostalCode string
	City       string
	Reason     string
	ReasonType string
	Existing   *ExistingContactSummary
}

// Cells returns the row in ReportHeader order.
func (r RejectRow) Cells() []string {
	existing := ""
	if e := r.Existing; e != nil {
		existing = strings.Join([]string{
			strconv.FormatInt(e.ID, 10), e.LastName, e.FirstName, e.Phone, e.Status,
		}, ",")
	}
	return []string{
		r.LastName, r.FirstName, r.Phone, r.PostalCode, r.City,
		r.Reason, r.ReasonType, existing,
	}
}

// RejectReportBuilder merges duplicates, invalid records and insertion errors
// into one ordered list: duplicates first, then invalid records, then errors,
// each in source line order.
type RejectReportBuilder struct {
	duplicates []RejectRow
	invalid    []RejectRow
	errors     []RejectRow
}

// NewRejectReportBuilder returns an empty builder.
func NewRejectReportBuilder() *RejectReportBuilder {
	return &RejectReportBuilder{}
}

// Add records a non-inserted outcome. Inserted outcomes are ignored.
func (b *RejectReportBuilder) Add(o ImportOutcome) {
	row := RejectRow{
		LastName:   o.Fields["nom"],
		FirstName:  o.Fields["prenom"],
		Phone:      firstPhone(o.Fields),
		PostalCode: o.Fields["cp"],
		City:       o.Fields["ville"],
		Reason:     o.Reason,
		Existing:   o.Existing,
	}
	switch o.Kind {
	case OutcomeDuplicate:
		row.ReasonType = ReasonTypeDuplicate
		b.duplicates = append(b.duplicates, row)
	case OutcomeInvalid:
		row.ReasonType = ReasonTypeInvalid
		b.invalid = append(b.invalid, row)
	case OutcomeError:
		row.ReasonType = ReasonTypeError
		b.errors = append(b.errors, row)
	}
}

// Len returns the number of rows added.
func (b *RejectReportBuilder) Len() int {
	return len(b.duplicates) + len(b.invalid) + len(b.errors)
}

// Rows returns the ordered report rows.
func (b *RejectReportBuilder) Rows() []RejectRow {
	rows := make([]RejectRow, 0, b.Len())
	rows = append(rows, b.duplicates...)
	rows = append(rows, b.invalid...)
	return append(rows, b.errors...)
}

// Render writes the report as comma-separated text. Cells holding a comma,
// quote or newline are quoted with doubled inner quotes.
func (b *RejectReportBuilder) Render() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ReportHeader); err != nil {
		return nil, fmt.Errorf("write report header: %w", err)
	}
	for _, row := range b.Rows() {
		if err := w.Write(row.Cells()); err != nil {
			return nil, fmt.Errorf("write report row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush report: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildRejectReport collects the non-inserted outcomes of result.
func BuildRejectReport(result *ImportJobResult) *RejectReportBuilder {
	b := NewRejectReportBuilder()
	for _, group := range [][]ImportOutcome{result.Duplicates, result.InvalidRecords, result.Errors} {
		for _, o := range group {
			b.Add(o)
		}
	}
	return b
}

func firstPhone(fields ContactFields) string {
	for _, f := range PhoneFields {
		if v := fields[f]; v != "" {
			return v
		}
	}
	return ""
}

// OutcomeReason renders the French reason shown to operators for err.
func OutcomeReason(err error) string {
	var (
		verr *ValidationError
		derr *DuplicateError
		serr *StoreError
	)
	switch {
	case errors.As(err, &derr):
		if derr.Matched.ID != 0 {
			return fmt.Sprintf("Doublon : le numéro %s existe déjà (fiche %d)", derr.PhoneKey, derr.Matched.ID)
		}
		return fmt.Sprintf("Doublon : le numéro %s existe déjà", derr.PhoneKey)
	case errors.Is(err, ErrDuplicateContact):
		return "Doublon : numéro déjà présent en base"
	case errors.As(err, &verr):
		switch verr.Code {
		case CodeNoPhone:
			return "Aucun numéro de téléphone valide (tel, gsm1, gsm2)"
		case CodeInvalidPostalCode:
			return fmt.Sprintf("Code postal invalide : %s", verr.Value)
		}
		return verr.Error()
	case errors.As(err, &serr):
		return fmt.Sprintf("Erreur d'insertion : %v", serr.Err)
	case err != nil:
		return err.Error()
	}
	return ""
}
