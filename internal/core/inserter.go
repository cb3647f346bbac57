package core

// inserter.go runs the per-record state machine of a process job:
//
//	resolve -> validate/normalize -> duplicate check -> defaults -> insert -> reference
//
// Every record yields exactly one ImportOutcome. No failure of a single
// record stops the batch.

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Store columns written by the inserter besides the FieldSpecs.
const (
	ColOperatorID   = "id_operateur"
	ColCenterID     = "id_centre"
	ColProductID    = "id_produit"
	ColStateID      = "id_etat"
	ColCreatedAt    = "date_creation"
	ColUpdatedAt    = "date_modification"
	ColImportSource = "import_job"
)

// BatchInput is one job's worth of records.
type BatchInput struct {
	JobID    string
	Records  []CanonicalRecord
	Mapping  FieldMapping
	Index    *DuplicateIndex // nil when duplicate checking is skipped
	Defaults OperatorDefaults
	StateID  int64 // Resolved initial workflow state, 0 for the store default
}

// BatchInserter inserts records one at a time into a RecordStore.
type BatchInserter struct {
	store     RecordStore
	codec     *ReferenceCodec
	validator *RecordValidator
	logger    *slog.Logger
	now       func() time.Time
}

// NewBatchInserter creates an inserter. codec may be nil to skip references.
func NewBatchInserter(store RecordStore, codec *ReferenceCodec, logger *slog.Logger) *BatchInserter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchInserter{
		store:     store,
		codec:     codec,
		validator: NewRecordValidator(),
		logger:    logger,
		now:       time.Now,
	}
}

// Run processes every record of in, in order.
func (b *BatchInserter) Run(ctx context.Context, in BatchInput) []ImportOutcome {
	outcomes := make([]ImportOutcome, 0, len(in.Records))
	for _, rec := range in.Records {
		outcomes = append(outcomes, b.processOne(ctx, in, rec))
	}
	return outcomes
}

func (b *BatchInserter) processOne(ctx context.Context, in BatchInput, rec CanonicalRecord) ImportOutcome {
	raw := ResolveContact(rec.Values, in.Mapping)

	fields, keys, err := b.validator.Validate(raw)
	if err != nil {
		var verr *ValidationError
		code := ""
		if errors.As(err, &verr) {
			code = verr.Code
		}
		return ImportOutcome{Line: rec.Line, Kind: OutcomeInvalid, Reason: OutcomeReason(err), Code: code, Fields: raw}
	}

	if in.Index != nil {
		if err := in.Index.Check(keys...); err != nil {
			var derr *DuplicateError
			errors.As(err, &derr)
			return ImportOutcome{
				Line:     rec.Line,
				Kind:     OutcomeDuplicate,
				Reason:   OutcomeReason(err),
				Code:     CodeDuplicate,
				Existing: &derr.Matched,
				Fields:   fields,
			}
		}
	}

	id, err := b.store.InsertContact(ctx, b.insertValues(fields, in))
	if err != nil {
		if errors.Is(err, ErrDuplicateContact) {
			return ImportOutcome{
				Line:     rec.Line,
				Kind:     OutcomeDuplicate,
				Reason:   OutcomeReason(err),
				Code:     CodeDuplicate,
				Existing: b.findConflict(ctx, in, rec.Line, keys),
				Fields:   fields,
			}
		}
		serr := &StoreError{Op: "insert contact", Err: err}
		b.logger.Error("insert failed",
			"line", rec.Line,
			"tel", fields["tel"],
			"nom", fields["nom"],
			"error", err,
		)
		return ImportOutcome{Line: rec.Line, Kind: OutcomeError, Reason: OutcomeReason(serr), Code: CodeStoreError, Fields: fields}
	}

	if in.Index != nil {
		summary := ExistingContactSummary{
			ID:        id,
			LastName:  fields["nom"],
			FirstName: fields["prenom"],
			Phone:     firstPhone(fields),
			Status:    in.Defaults.State,
		}
		for _, k := range keys {
			in.Index.Add(k, summary)
		}
	}

	if b.codec != nil {
		ref := b.codec.Encode(id)
		if err := b.store.RecordObfuscatedReference(ctx, id, ref); err != nil {
			// The contact exists; a missing reference is repaired out of band.
			b.logger.Warn("record reference failed", "line", rec.Line, "id", id, "error", err)
		}
	}

	return ImportOutcome{Line: rec.Line, Kind: OutcomeInserted, ID: id, Fields: fields}
}

// findConflict looks up the contact that made an insert violate phone
// uniqueness. It returns nil when the store cannot tell.
func (b *BatchInserter) findConflict(ctx context.Context, in BatchInput, line int, keys []string) *ExistingContactSummary {
	finder, ok := b.store.(ContactFinder)
	if !ok {
		return nil
	}
	contact, found, err := finder.FindContactByPhone(ctx, keys)
	if err != nil {
		b.logger.Warn("lookup conflicting contact failed", "line", line, "error", err)
		return nil
	}
	if !found {
		return nil
	}
	if in.Index != nil {
		in.Index.AddContact(contact)
	}
	summary := contact.Summary()
	return &summary
}

// insertValues builds the column map passed to RecordStore.InsertContact.
func (b *BatchInserter) insertValues(fields ContactFields, in BatchInput) map[string]any {
	values := make(map[string]any, len(FieldSpecs)+7)
	for _, spec := range FieldSpecs {
		raw, ok := fields[spec.Name]
		if !ok {
			continue
		}
		switch spec.Kind {
		case FieldDate:
			if d := ToPgDate(raw); d.Valid {
				values[spec.Name] = d
			}
		case FieldBirthDate:
			if d := ToPgBirthDate(raw); d.Valid {
				values[spec.Name] = d
			}
		case FieldNumeric:
			if n := ToPgNumeric(raw); n.Valid {
				values[spec.Name] = n
			}
		default:
			if t := ToPgText(raw); t.Valid {
				values[spec.Name] = t
			}
		}
	}

	now := b.now()
	values[ColOperatorID] = ToPgInt8(in.Defaults.OperatorID)
	values[ColCenterID] = ToPgInt8(in.Defaults.CenterID)
	values[ColProductID] = ToPgInt8(in.Defaults.ProductID)
	if in.StateID != 0 {
		values[ColStateID] = ToPgInt8(in.StateID)
	}
	values[ColCreatedAt] = pgtype.Timestamptz{Time: now, Valid: true}
	values[ColUpdatedAt] = pgtype.Timestamptz{Time: now, Valid: true}
	if in.JobID != "" {
		values[ColImportSource] = ToPgText(in.JobID)
	}
	return values
}

// ResolveState picks the workflow state whose label matches want, compared
// like column names. An empty want selects the first row.
func ResolveState(rows []EnumerationRow, want string) (EnumerationRow, bool) {
	if len(rows) == 0 {
		return EnumerationRow{}, false
	}
	if want == "" {
		return rows[0], true
	}
	nk := NormalizeKey(want)
	for _, r := range rows {
		if NormalizeKey(r.Label) == nk {
			return r, true
		}
	}
	return EnumerationRow{}, false
}
