// Package core provides the bulk contact import and deduplication pipeline.
//
// This package holds all domain logic independent of any transport layer.
// Persistence is reached only through the [RecordStore], [CanonicalStore] and
// [ReportStore] interfaces, so web handlers, CLI tools and tests use it
// unchanged.
//
// # Two-Phase Import
//
// An import is split so operators can check the column mapping before any
// contact is written:
//
//  1. [Service.Preview] reads the payload (delimited text, spreadsheet, JSON
//     or NDJSON), drops blank and repeated header rows, persists the
//     canonical stream under a UUID handle and returns the first rows with a
//     suggested [FieldMapping].
//  2. [Service.Process] loads the stream, builds a [DuplicateIndex] of the
//     phone numbers already stored and runs every record through the
//     [BatchInserter]. It consumes the handle and returns an
//     [ImportJobResult] plus a downloadable reject report.
//
// [Service.Abandon] discards a previewed stream. Streams and reports left
// behind are removed by [StartSweeper].
//
// # Per-Record Pipeline
//
//	resolve -> validate/normalize -> duplicate check -> insert -> reference
//
// Every record yields exactly one [ImportOutcome]: inserted, duplicate,
// invalid or error. Only a [ParseError] on the whole payload, or a failure to
// start the job, is returned as an error.
//
// # Phone Keys
//
// Duplicates are detected on normalized phone numbers ([NormalizePhone]):
// digits only with an optional leading '+', nine-digit values restored with
// their trunk zero, spreadsheet scientific notation expanded. A key claimed
// by an existing contact or by an earlier row of the same file marks the
// record as a duplicate.
//
// # Error Handling
//
// Technical errors are mapped to operator-facing French messages using
// [MapError]. Each error category has a code for support reference:
//
//   - DB001-DB007: Database errors (duplicates, constraints, connections)
//   - VAL001-VAL003: Validation errors (phone, postal code, reference)
//   - FILE001-FILE005: File errors (size, format, empty)
//   - IMP001-IMP005: Import errors (busy, expired handle or report)
//   - REQ001, RATE001: Request errors
//
// # Concurrency
//
// [ImportLimiter] bounds the number of process jobs running at once. Stores
// implementing [ImportLocker] additionally serialize jobs across processes.
// A job is detached from its caller's cancellation and bounded by
// [ServiceConfig.ProcessTimeout] instead.
package core
