// Package store implements the contact record store on PostgreSQL with pgx.
//
// The import core only reads contacts and appends new ones; this package
// never updates or deletes a contact row.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"

	"github.com/JonMunkholm/ficheimport/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the interface for database operations.
// Satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// pgUniqueViolation is the SQLSTATE of a unique constraint violation.
const pgUniqueViolation = "23505"

// contactTable is the table holding contacts (fiches).
const contactTable = "fiche"

// insertableColumns whitelists the columns InsertContact may write.
var insertableColumns = func() map[string]bool {
	cols := map[string]bool{
		core.ColOperatorID:   true,
		core.ColCenterID:     true,
		core.ColProductID:    true,
		core.ColStateID:      true,
		core.ColCreatedAt:    true,
		core.ColUpdatedAt:    true,
		core.ColImportSource: true,
	}
	for _, spec := range core.FieldSpecs {
		cols[spec.Name] = true
	}
	return cols
}()

// enumerationTables maps an enumeration kind to its table.
var enumerationTables = map[string]string{
	core.StateEnumeration: "etat",
	"source":              "source_fiche",
	"produit":             "produit",
	"centre":              "centre",
}

// importLockKey is the advisory lock key serializing import jobs.
var importLockKey = func() int64 {
	h := fnv.New64a()
	h.Write([]byte("ficheimport:process"))
	return int64(h.Sum64())
}()

// PostgresStore implements core.RecordStore and core.ImportLocker.
type PostgresStore struct {
	pool   *pgxpool.Pool
	db     DBTX
	enums  *EnumCache
	logger *slog.Logger
}

// New creates a store over pool. enums may be nil to disable caching.
func New(pool *pgxpool.Pool, enums *EnumCache, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, db: pool, enums: enums, logger: logger}
}

var (
	_ core.RecordStore   = (*PostgresStore)(nil)
	_ core.ImportLocker  = (*PostgresStore)(nil)
	_ core.ContactFinder = (*PostgresStore)(nil)
)

const contactColumnsSQL = `
SELECT f.id,
       COALESCE(f.nom, ''),
       COALESCE(f.prenom, ''),
       COALESCE(e.libelle, ''),
       COALESCE(f.tel, ''),
       COALESCE(f.gsm1, ''),
       COALESCE(f.gsm2, '')
FROM fiche f
LEFT JOIN etat e ON e.id = f.id_etat
WHERE NOT f.archive`

const readExistingContactsSQL = contactColumnsSQL + `
  AND (f.tel IS NOT NULL OR f.gsm1 IS NOT NULL OR f.gsm2 IS NOT NULL)`

const findContactByPhoneSQL = contactColumnsSQL + `
  AND (f.tel = ANY($1) OR f.gsm1 = ANY($1) OR f.gsm2 = ANY($1))
ORDER BY f.id
LIMIT 1`

// ReadExistingContacts returns every non-archived contact having a phone.
func (s *PostgresStore) ReadExistingContacts(ctx context.Context) ([]core.ExistingContact, error) {
	rows, err := s.db.Query(ctx, readExistingContactsSQL)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []core.ExistingContact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return contacts, nil
}

// FindContactByPhone returns the live contact storing one of keys in a
// phone column. Imported phones are stored as keys, so equality matches them.
func (s *PostgresStore) FindContactByPhone(ctx context.Context, keys []string) (core.ExistingContact, bool, error) {
	if len(keys) == 0 {
		return core.ExistingContact{}, false, nil
	}
	c, err := scanContact(s.db.QueryRow(ctx, findContactByPhoneSQL, keys))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ExistingContact{}, false, nil
	}
	if err != nil {
		return core.ExistingContact{}, false, err
	}
	return c, true, nil
}

func scanContact(row pgx.Row) (core.ExistingContact, error) {
	var (
		c               core.ExistingContact
		tel, gsm1, gsm2 string
	)
	if err := row.Scan(&c.ID, &c.LastName, &c.FirstName, &c.Status, &tel, &gsm1, &gsm2); err != nil {
		return core.ExistingContact{}, fmt.Errorf("scan contact: %w", err)
	}
	c.Phones = map[string]string{"tel": tel, "gsm1": gsm1, "gsm2": gsm2}
	return c, nil
}

// InsertContact inserts one contact and returns its id. A unique violation
// is reported as core.ErrDuplicateContact.
func (s *PostgresStore) InsertContact(ctx context.Context, fields map[string]any) (int64, error) {
	query, args, err := buildInsert(contactTable, fields)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, classifyInsertError(err)
	}
	return id, nil
}

// buildInsert renders an INSERT ... RETURNING id over the whitelisted
// columns of fields, in sorted column order.
func buildInsert(table string, fields map[string]any) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, errors.New("insert contact: no fields")
	}

	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !insertableColumns[col] {
			return "", nil, fmt.Errorf("insert contact: unknown column %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = fields[col]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
	return query, args, nil
}

// classifyInsertError maps unique violations to core.ErrDuplicateContact.
func classifyInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", core.ErrDuplicateContact, pgErr.ConstraintName)
	}
	return fmt.Errorf("insert contact: %w", err)
}

const recordReferenceSQL = `
INSERT INTO fiche_reference (fiche_id, reference, created_at)
VALUES ($1, $2, now())
ON CONFLICT (fiche_id) DO NOTHING`

// RecordObfuscatedReference stores the reference of a new contact.
func (s *PostgresStore) RecordObfuscatedReference(ctx context.Context, id int64, reference string) error {
	if _, err := s.db.Exec(ctx, recordReferenceSQL, id, reference); err != nil {
		return fmt.Errorf("record reference for %d: %w", id, err)
	}
	return nil
}

// LookupEnumeration returns the rows of an enumeration ordered by id.
func (s *PostgresStore) LookupEnumeration(ctx context.Context, kind string) ([]core.EnumerationRow, error) {
	if s.enums != nil {
		if rows, ok := s.enums.Get(kind); ok {
			return rows, nil
		}
	}

	table, ok := enumerationTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown enumeration %q", kind)
	}

	query := fmt.Sprintf("SELECT id, libelle FROM %s ORDER BY id", pgx.Identifier{table}.Sanitize())
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query enumeration %s: %w", kind, err)
	}
	defer rows.Close()

	var out []core.EnumerationRow
	for rows.Next() {
		var (
			r     core.EnumerationRow
			label pgtype.Text
		)
		if err := rows.Scan(&r.ID, &label); err != nil {
			return nil, fmt.Errorf("scan enumeration %s: %w", kind, err)
		}
		r.Label = label.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enumeration %s: %w", kind, err)
	}

	if s.enums != nil {
		s.enums.Put(kind, out)
	}
	return out, nil
}

// LockImports takes a session advisory lock on a dedicated connection so
// only one import job runs against the database at a time. The lock is
// released with its connection if the process dies.
func (s *PostgresStore) LockImports(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", importLockKey); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	return func() {
		// Unlock even when the job context is done.
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", importLockKey); err != nil {
			s.logger.Error("advisory unlock failed, dropping connection", "error", err)
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
