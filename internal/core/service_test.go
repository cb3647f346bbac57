package core

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory RecordStore.
type fakeStore struct {
	mu        sync.Mutex
	existing  []ExistingContact
	readErr   error
	insertErr func(fields map[string]any) error
	refErr    error
	states    []EnumerationRow
	enumErr   error

	inserted []map[string]any
	refs     map[int64]string
	nextID   int64
}

func (f *fakeStore) ReadExistingContacts(ctx context.Context) ([]ExistingContact, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.existing, nil
}

func (f *fakeStore) InsertContact(ctx context.Context, fields map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		if err := f.insertErr(fields); err != nil {
			return 0, err
		}
	}
	f.nextID++
	f.inserted = append(f.inserted, fields)
	return 100 + f.nextID, nil
}

func (f *fakeStore) RecordObfuscatedReference(ctx context.Context, id int64, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refErr != nil {
		return f.refErr
	}
	if f.refs == nil {
		f.refs = make(map[int64]string)
	}
	f.refs[id] = reference
	return nil
}

func (f *fakeStore) LookupEnumeration(ctx context.Context, kind string) ([]EnumerationRow, error) {
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	return f.states, nil
}

// lockingStore counts advisory lock usage.
type lockingStore struct {
	*fakeStore
	locked, released int
	lockErr          error
}

func (l *lockingStore) LockImports(ctx context.Context) (func(), error) {
	if l.lockErr != nil {
		return nil, l.lockErr
	}
	l.locked++
	return func() { l.released++ }, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, store RecordStore) (*Service, *FileCanonicalStore) {
	t.Helper()
	canonical, err := NewFileCanonicalStore(t.TempDir())
	require.NoError(t, err)
	reports, err := NewFileReportStore(t.TempDir())
	require.NoError(t, err)

	svc, err := NewService(ServiceDeps{
		Store:     store,
		Canonical: canonical,
		Reports:   reports,
		Codec:     NewReferenceCodec("service-test-secret", false),
		Logger:    discardLogger(),
	}, ServiceConfig{PreviewRows: 2})
	require.NoError(t, err)
	return svc, canonical
}

func textValue(t *testing.T, v any) string {
	t.Helper()
	txt, ok := v.(pgtype.Text)
	require.True(t, ok, "want pgtype.Text, got %T", v)
	return txt.String
}

func TestNewService_RequiresStores(t *testing.T) {
	canonical, _ := NewFileCanonicalStore(t.TempDir())
	reports, _ := NewFileReportStore(t.TempDir())

	_, err := NewService(ServiceDeps{Canonical: canonical, Reports: reports}, ServiceConfig{})
	assert.Error(t, err)
	_, err = NewService(ServiceDeps{Store: &fakeStore{}, Reports: reports}, ServiceConfig{})
	assert.Error(t, err)
	_, err = NewService(ServiceDeps{Store: &fakeStore{}, Canonical: canonical}, ServiceConfig{})
	assert.Error(t, err)

	svc, err := NewService(ServiceDeps{Store: &fakeStore{}, Canonical: canonical, Reports: reports}, ServiceConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrentImports, svc.Limiter().MaxConcurrent())
}

func TestService_Preview(t *testing.T) {
	svc, canonical := newTestService(t, &fakeStore{})
	data := "nom,prenom,tel\nDupont,Jean,0612345678\nMartin,Marie,33612345678\n,,\nPetit,Anne,0699999999\n"

	res, err := svc.Preview(context.Background(), []byte(data), "contacts.csv", PreviewOptions{})
	require.NoError(t, err)

	assert.Equal(t, KindDelimited, res.Kind)
	assert.Equal(t, 3, res.TotalRows)
	assert.Len(t, res.PreviewRows, 2, "capped at PreviewRows")
	assert.Equal(t, "tel", res.SuggestedMapping["tel"])

	records, err := canonical.Load(res.CanonicalHandle)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 4, records[2].Line)
}

func TestService_PreviewErrors(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})

	_, err := svc.Preview(context.Background(), []byte("nom,tel\n,\n"), "csv", PreviewOptions{})
	assert.ErrorIs(t, err, ErrEmptyPayload, "only blank rows")

	big := make([]byte, DefaultMaxFileSize+1)
	_, err = svc.Preview(context.Background(), big, "csv", PreviewOptions{})
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

// previewAndProcess runs both phases over a delimited payload.
func previewAndProcess(t *testing.T, svc *Service, data string, req ProcessRequest) *ImportJobResult {
	t.Helper()
	ctx := context.Background()
	pv, err := svc.Preview(ctx, []byte(data), "csv", PreviewOptions{})
	require.NoError(t, err)

	req.CanonicalHandle = pv.CanonicalHandle
	result, err := svc.Process(ctx, req)
	require.NoError(t, err)
	return result
}

func TestService_Process_DuplicateOfExistingContact(t *testing.T) {
	store := &fakeStore{existing: []ExistingContact{
		{ID: 42, LastName: "Dupont", FirstName: "Jean", Status: "Rappel", Phones: map[string]string{"tel": "0612345678"}},
	}}
	svc, _ := newTestService(t, store)

	result := previewAndProcess(t, svc, "Nom;Numéro\nDupont;06 12 34 56 78\n", ProcessRequest{
		Mapping: FieldMapping{"tel": "Numéro"},
	})

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 0, result.Inserted)
	require.Len(t, result.Duplicates, 1)
	dup := result.Duplicates[0]
	assert.Equal(t, OutcomeDuplicate, dup.Kind)
	require.NotNil(t, dup.Existing)
	assert.Equal(t, int64(42), dup.Existing.ID)
	assert.Equal(t, "Rappel", dup.Existing.Status)
	assert.Contains(t, dup.Reason, "0612345678")
	assert.Empty(t, store.inserted)
	assert.NotEmpty(t, result.ReportHandle)
}

func TestService_Process_NoPhoneNeverInserted(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(t, store)

	result := previewAndProcess(t, svc, "nom;prenom;ville\nDurand;Luc;Lyon\n", ProcessRequest{})

	require.Len(t, result.InvalidRecords, 1)
	assert.Equal(t, CodeNoPhone, result.InvalidRecords[0].Code)
	assert.Equal(t, "Durand", result.InvalidRecords[0].Fields["nom"])
	assert.Empty(t, store.inserted)
}

func TestService_Process_BatchDuplicates(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(t, store)

	data := "nom;tel;gsm1\nA;0612345678;\nB;;06 12 34 56 78\nC;0698765432;0612345678\n"
	result := previewAndProcess(t, svc, data, ProcessRequest{})

	assert.Equal(t, 1, result.Inserted)
	require.Len(t, result.Duplicates, 2)
	for _, d := range result.Duplicates {
		require.NotNil(t, d.Existing)
		assert.Equal(t, result.InsertedIDs[0], d.Existing.ID)
		assert.Equal(t, "A", d.Existing.LastName)
	}
	assert.Len(t, store.inserted, 1)
}

func TestService_Process_SkipDuplicateCheck(t *testing.T) {
	store := &fakeStore{
		existing: []ExistingContact{{ID: 1, Phones: map[string]string{"tel": "0612345678"}}},
		readErr:  errors.New("must not be read"),
	}
	svc, _ := newTestService(t, store)

	result := previewAndProcess(t, svc, "nom;tel\nA;0612345678\nB;0612345678\n", ProcessRequest{SkipDuplicateCheck: true})

	assert.Equal(t, 2, result.Inserted)
	assert.Empty(t, result.Duplicates)
	assert.Empty(t, result.ReportHandle)
}

func TestService_Process_UniqueViolationIsDuplicate(t *testing.T) {
	store := &fakeStore{insertErr: func(map[string]any) error {
		return fmt.Errorf("%w: fiche_tel_live_key", ErrDuplicateContact)
	}}
	svc, _ := newTestService(t, store)

	result := previewAndProcess(t, svc, "nom;tel\nA;0612345678\n", ProcessRequest{})

	require.Len(t, result.Duplicates, 1)
	assert.Nil(t, result.Duplicates[0].Existing)
	assert.Equal(t, CodeDuplicate, result.Duplicates[0].Code)
	assert.Empty(t, result.Errors)
}

// findingStore also resolves the contact behind a unique violation.
type findingStore struct {
	*fakeStore
	conflict ExistingContact
	findErr  error
	lookups  [][]string
}

func (f *findingStore) FindContactByPhone(ctx context.Context, keys []string) (ExistingContact, bool, error) {
	f.lookups = append(f.lookups, keys)
	if f.findErr != nil {
		return ExistingContact{}, false, f.findErr
	}
	for _, k := range keys {
		for _, p := range f.conflict.Phones {
			if NormalizePhone(p) == k {
				return f.conflict, true, nil
			}
		}
	}
	return ExistingContact{}, false, nil
}

func TestService_Process_UniqueViolationNamesConflict(t *testing.T) {
	store := &findingStore{
		fakeStore: &fakeStore{insertErr: func(fields map[string]any) error {
			if v, ok := fields["tel"].(pgtype.Text); ok && v.String == "0612345678" {
				return fmt.Errorf("%w: fiche_tel_live_key", ErrDuplicateContact)
			}
			return nil
		}},
		conflict: ExistingContact{
			ID:        42,
			LastName:  "Concurrent",
			FirstName: "Job",
			Status:    "Nouvelle",
			Phones:    map[string]string{"tel": "0612345678"},
		},
	}
	svc, _ := newTestService(t, store)

	result := previewAndProcess(t, svc, "nom;tel\nA;06 12 34 56 78\nB;0612345678\n", ProcessRequest{})

	require.Len(t, result.Duplicates, 2)
	require.NotNil(t, result.Duplicates[0].Existing)
	assert.Equal(t, int64(42), result.Duplicates[0].Existing.ID)
	assert.Equal(t, "Concurrent", result.Duplicates[0].Existing.LastName)

	// The second row hits the index, not the store
	require.NotNil(t, result.Duplicates[1].Existing)
	assert.Equal(t, int64(42), result.Duplicates[1].Existing.ID)
	assert.Len(t, store.lookups, 1)
	assert.Equal(t, []string{"0612345678"}, store.lookups[0])

	report, err := BuildRejectReport(result).Render()
	require.NoError(t, err)
	assert.Contains(t, string(report), "42,Concurrent,Job,0612345678,Nouvelle")
}

func TestService_Process_ConflictLookupFailure(t *testing.T) {
	store := &findingStore{
		fakeStore: &fakeStore{insertErr: func(map[string]any) error {
			return fmt.Errorf("%w: fiche_tel_live_key", ErrDuplicateContact)
		}},
		findErr: errors.New("connection reset"),
	}
	svc, _ := newTestService(t, store)

	result := previewAndProcess(t, svc, "nom;tel\nA;0612345678\n", ProcessRequest{})

	require.Len(t, result.Duplicates, 1)
	assert.Nil(t, result.Duplicates[0].Existing)
	assert.Empty(t, result.Errors)
}

func TestService_Process_StoreErrorsDoNotStopBatch(t *testing.T) {
	store := &fakeStore{insertErr: func(fields map[string]any) error {
		if v, ok := fields["nom"].(pgtype.Text); ok && v.String == "Broken" {
			return errors.New("violates foreign key constraint")
		}
		return nil
	}}
	svc, _ := newTestService(t, store)

	result := previewAndProcess(t, svc, "nom;tel\nBroken;0612345678\nFine;0698765432\n", ProcessRequest{})

	assert.Equal(t, 1, result.Inserted)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, CodeStoreError, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Reason, "Erreur d'insertion")
	assert.Equal(t, 1, result.Errors[0].Line)
}

func TestService_Process_ReferenceFailureStillInserted(t *testing.T) {
	store := &fakeStore{refErr: errors.New("fiche_reference unavailable")}
	svc, _ := newTestService(t, store)

	result := previewAndProcess(t, svc, "nom;tel\nA;0612345678\n", ProcessRequest{})

	assert.Equal(t, 1, result.Inserted)
	assert.Empty(t, result.Errors)
}

func TestService_Process_InsertValues(t *testing.T) {
	store := &fakeStore{states: []EnumerationRow{{ID: 1, Label: "Nouveau"}, {ID: 5, Label: "À rappeler"}}}
	svc, _ := newTestService(t, store)

	data := "nom;tel;cp;date_naissance;revenu\nDupont;612345678;7500;31/12/1980;1 234,50\n"
	result := previewAndProcess(t, svc, data, ProcessRequest{
		Defaults: OperatorDefaults{OperatorID: 3, CenterID: 4, ProductID: 0, State: "a rappeler"},
	})
	require.Equal(t, 1, result.Inserted)
	require.Len(t, store.inserted, 1)

	values := store.inserted[0]
	assert.Equal(t, "0612345678", textValue(t, values["tel"]))
	assert.Equal(t, "07500", textValue(t, values["cp"]))
	assert.Equal(t, pgtype.Int8{Int64: 3, Valid: true}, values[ColOperatorID])
	assert.Equal(t, pgtype.Int8{Int64: 4, Valid: true}, values[ColCenterID])
	assert.Equal(t, pgtype.Int8{}, values[ColProductID])
	assert.Equal(t, pgtype.Int8{Int64: 5, Valid: true}, values[ColStateID])
	assert.Equal(t, result.JobID, textValue(t, values[ColImportSource]))

	birth, ok := values["date_naissance"].(pgtype.Date)
	require.True(t, ok)
	assert.Equal(t, time.Date(1980, 12, 31, 0, 0, 0, 0, time.UTC), birth.Time)

	_, ok = values["revenu"].(pgtype.Numeric)
	assert.True(t, ok)

	// Reference recorded for the new id
	ref, ok := store.refs[result.InsertedIDs[0]]
	require.True(t, ok)
	id, err := svc.DecodeReference(ref)
	require.NoError(t, err)
	assert.Equal(t, result.InsertedIDs[0], id)
}

func TestService_Process_UnknownStateUsesStoreDefault(t *testing.T) {
	store := &fakeStore{states: []EnumerationRow{{ID: 1, Label: "Nouveau"}}}
	svc, _ := newTestService(t, store)

	previewAndProcess(t, svc, "nom;tel\nA;0612345678\n", ProcessRequest{Defaults: OperatorDefaults{State: "Inconnu"}})

	require.Len(t, store.inserted, 1)
	assert.NotContains(t, store.inserted[0], ColStateID)
}

func TestService_Process_Report(t *testing.T) {
	store := &fakeStore{existing: []ExistingContact{
		{ID: 7, LastName: "Old, Contact", FirstName: "Ann", Status: "Nouveau", Phones: map[string]string{"tel": "0699999999"}},
	}}
	svc, _ := newTestService(t, store)

	data := "nom;tel;cp\nSans;;75001\nDouble;0699999999;75001\nMauvais;0611111111;12\n"
	result := previewAndProcess(t, svc, data, ProcessRequest{})
	require.NotEmpty(t, result.ReportHandle)

	raw, err := svc.Report(context.Background(), result.ReportHandle)
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, ReportHeader, rows[0])

	// Duplicates first, then invalid records in line order
	assert.Equal(t, "Double", rows[1][0])
	assert.Equal(t, ReasonTypeDuplicate, rows[1][6])
	assert.Equal(t, "7,Old, Contact,Ann,0699999999,Nouveau", rows[1][7])
	assert.Equal(t, "Sans", rows[2][0])
	assert.Equal(t, ReasonTypeInvalid, rows[2][6])
	assert.Equal(t, "Mauvais", rows[3][0])
	assert.Equal(t, "Code postal invalide : 12", rows[3][5])
}

func TestService_Process_ConsumesHandle(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})
	ctx := context.Background()

	pv, err := svc.Preview(ctx, []byte("nom;tel\nA;0612345678\n"), "csv", PreviewOptions{})
	require.NoError(t, err)

	_, err = svc.Process(ctx, ProcessRequest{CanonicalHandle: pv.CanonicalHandle})
	require.NoError(t, err)

	_, err = svc.Process(ctx, ProcessRequest{CanonicalHandle: pv.CanonicalHandle})
	assert.ErrorIs(t, err, ErrHandleNotFound)

	_, err = svc.Process(ctx, ProcessRequest{})
	assert.ErrorIs(t, err, ErrHandleNotFound)
}

func TestService_Process_Abandon(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})
	ctx := context.Background()

	pv, err := svc.Preview(ctx, []byte("nom;tel\nA;0612345678\n"), "csv", PreviewOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Abandon(ctx, pv.CanonicalHandle))
	_, err = svc.Process(ctx, ProcessRequest{CanonicalHandle: pv.CanonicalHandle})
	assert.ErrorIs(t, err, ErrHandleNotFound)
	assert.ErrorIs(t, svc.Abandon(ctx, pv.CanonicalHandle), ErrHandleNotFound)
}

func TestService_Process_ReadFailureAbortsJob(t *testing.T) {
	svc, canonical := newTestService(t, &fakeStore{readErr: errors.New("connection refused")})
	ctx := context.Background()

	pv, err := svc.Preview(ctx, []byte("nom;tel\nA;0612345678\n"), "csv", PreviewOptions{})
	require.NoError(t, err)

	_, err = svc.Process(ctx, ProcessRequest{CanonicalHandle: pv.CanonicalHandle})
	var serr *StoreError
	require.True(t, errors.As(err, &serr))

	_, err = canonical.Load(pv.CanonicalHandle)
	assert.NoError(t, err, "the stream survives a failed start so the job can be retried")
	assert.Equal(t, 0, svc.Limiter().ActiveCount())
}

func TestService_Process_ImportLock(t *testing.T) {
	store := &lockingStore{fakeStore: &fakeStore{}}
	svc, _ := newTestService(t, store)

	previewAndProcess(t, svc, "nom;tel\nA;0612345678\n", ProcessRequest{})
	assert.Equal(t, 1, store.locked)
	assert.Equal(t, 1, store.released)

	store.lockErr = errors.New("lock timeout")
	pv, err := svc.Preview(context.Background(), []byte("nom;tel\nA;0612345678\n"), "csv", PreviewOptions{})
	require.NoError(t, err)
	_, err = svc.Process(context.Background(), ProcessRequest{CanonicalHandle: pv.CanonicalHandle})
	var serr *StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "lock imports", serr.Op)
}

func TestService_Process_SurvivesCallerCancel(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(t, store)

	pv, err := svc.Preview(context.Background(), []byte("nom;tel\nA;0612345678\n"), "csv", PreviewOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	store.insertErr = func(map[string]any) error {
		cancel()
		return nil
	}

	result, err := svc.Process(ctx, ProcessRequest{CanonicalHandle: pv.CanonicalHandle})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
}

func TestResolveState(t *testing.T) {
	rows := []EnumerationRow{{ID: 1, Label: "Nouveau"}, {ID: 2, Label: "Rendez-vous"}}

	got, ok := ResolveState(rows, "")
	assert.True(t, ok)
	assert.Equal(t, int64(1), got.ID)

	got, ok = ResolveState(rows, "rendez vous")
	assert.True(t, ok)
	assert.Equal(t, int64(2), got.ID)

	_, ok = ResolveState(rows, "Signé")
	assert.False(t, ok)

	_, ok = ResolveState(nil, "")
	assert.False(t, ok)
}
