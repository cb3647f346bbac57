package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// StateEnumeration is the enumeration kind holding workflow states.
const StateEnumeration = "etat"

// Defaults for ServiceConfig zero values.
const (
	DefaultMaxFileSize    = 20 << 20
	DefaultPreviewRows    = 20
	DefaultProcessTimeout = 30 * time.Minute
)

// ServiceConfig tunes the import workflow.
type ServiceConfig struct {
	MaxFileSize    int64         // Largest accepted payload in bytes
	PreviewRows    int           // Rows returned by Preview
	ProcessTimeout time.Duration // Upper bound of one process job
}

// Service runs the two-phase import workflow: Preview parses a payload into a
// canonical stream, Process imports a stream with a caller-supplied mapping.
type Service struct {
	store     RecordStore
	canonical CanonicalStore
	reports   ReportStore
	limiter   *ImportLimiter
	codec     *ReferenceCodec
	reader    *FormatReader
	cfg       ServiceConfig
	logger    *slog.Logger
}

// ServiceDeps are the collaborators of a Service. Limiter, Codec and Logger
// are optional.
type ServiceDeps struct {
	Store     RecordStore
	Canonical CanonicalStore
	Reports   ReportStore
	Limiter   *ImportLimiter
	Codec     *ReferenceCodec
	Logger    *slog.Logger
}

// NewService creates a Service.
func NewService(deps ServiceDeps, cfg ServiceConfig) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("record store is required")
	}
	if deps.Canonical == nil {
		return nil, errors.New("canonical store is required")
	}
	if deps.Reports == nil {
		return nil, errors.New("report store is required")
	}
	if deps.Limiter == nil {
		deps.Limiter = NewImportLimiter(DefaultMaxConcurrentImports, DefaultImportWait)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = DefaultPreviewRows
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}

	return &Service{
		store:     deps.Store,
		canonical: deps.Canonical,
		reports:   deps.Reports,
		limiter:   deps.Limiter,
		codec:     deps.Codec,
		reader:    NewFormatReader(deps.Logger),
		cfg:       cfg,
		logger:    deps.Logger,
	}, nil
}

// Limiter exposes the import limiter for health reporting and shutdown.
func (s *Service) Limiter() *ImportLimiter { return s.limiter }

// Preview reads data, stores its canonical stream and returns the first rows.
// ext is the declared extension or file name; it may be empty.
func (s *Service) Preview(ctx context.Context, data []byte, ext string, opts PreviewOptions) (*PreviewResult, error) {
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, &ParseError{Err: ErrFileTooLarge}
	}

	read, err := s.reader.Read(data, ext, opts)
	if err != nil {
		return nil, err
	}

	records, skipped := Canonicalize(read.Kind, read.Columns, read.Records)
	if len(records) == 0 {
		return nil, &ParseError{Kind: read.Kind, Err: ErrEmptyPayload}
	}

	handle, err := s.canonical.Save(records)
	if err != nil {
		return nil, fmt.Errorf("save canonical stream: %w", err)
	}

	n := min(s.cfg.PreviewRows, len(records))
	rows := make([]RawRecord, n)
	for i := range rows {
		rows[i] = records[i].Values
	}

	loggerFrom(ctx, s.logger).Info("import preview",
		"handle", handle,
		"kind", read.Kind,
		"columns", len(read.Columns),
		"rows", len(records),
		"skipped_rows", skipped+read.Skipped,
	)

	return &PreviewResult{
		Kind:             read.Kind,
		Columns:          read.Columns,
		PreviewRows:      rows,
		TotalRows:        len(records),
		CanonicalHandle:  handle,
		SuggestedMapping: SuggestMapping(read.Columns),
	}, nil
}

// Process imports the canonical stream of req.CanonicalHandle. The stream is
// consumed: it is deleted once the job completes.
//
// Only failures to start the job are returned as errors. Per-record failures
// are reported in the ImportJobResult. The job is not cancelled when ctx is;
// it is bounded by ProcessTimeout instead.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (*ImportJobResult, error) {
	if req.CanonicalHandle == "" {
		return nil, ErrHandleNotFound
	}
	records, err := s.canonical.Load(req.CanonicalHandle)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProcessTimeout)
	defer cancel()

	jobID := uuid.NewString()
	logger := loggerFrom(ctx, s.logger).With("job_id", jobID, "handle", req.CanonicalHandle)

	if locker, ok := s.store.(ImportLocker); ok {
		release, err := locker.LockImports(jobCtx)
		if err != nil {
			return nil, &StoreError{Op: "lock imports", Err: err}
		}
		defer release()
	}

	start := time.Now()
	logger.Info("import started", "records", len(records), "skip_duplicate_check", req.SkipDuplicateCheck)

	var index *DuplicateIndex
	if !req.SkipDuplicateCheck {
		index, err = BuildDuplicateIndex(jobCtx, s.store)
		if err != nil {
			return nil, err
		}
		logger.Debug("duplicate index built", "keys", index.Len())
	}

	stateID := s.resolveState(jobCtx, logger, req.Defaults.State)

	inserter := NewBatchInserter(s.store, s.codec, logger)
	outcomes := inserter.Run(jobCtx, BatchInput{
		JobID:    jobID,
		Records:  records,
		Mapping:  req.Mapping,
		Index:    index,
		Defaults: req.Defaults,
		StateID:  stateID,
	})

	result := collectOutcomes(jobID, outcomes)

	if result.NotInserted() > 0 {
		result.ReportHandle = s.saveReport(logger, result)
	}

	if err := s.canonical.Delete(req.CanonicalHandle); err != nil && !errors.Is(err, ErrHandleNotFound) {
		logger.Warn("delete canonical stream failed", "error", err)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	logger.Info("import completed",
		"total", result.Total,
		"inserted", result.Inserted,
		"duplicates", len(result.Duplicates),
		"invalid", len(result.InvalidRecords),
		"errors", len(result.Errors),
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// resolveState maps the requested initial state label to its id. Lookup
// failures fall back to the store default.
func (s *Service) resolveState(ctx context.Context, logger *slog.Logger, want string) int64 {
	rows, err := s.store.LookupEnumeration(ctx, StateEnumeration)
	if err != nil {
		logger.Warn("lookup workflow states failed", "error", err)
		return 0
	}
	row, ok := ResolveState(rows, want)
	if !ok {
		if want != "" {
			logger.Warn("unknown initial state, using store default", "state", want)
		}
		return 0
	}
	return row.ID
}

func (s *Service) saveReport(logger *slog.Logger, result *ImportJobResult) string {
	data, err := BuildRejectReport(result).Render()
	if err != nil {
		logger.Error("render reject report failed", "error", err)
		return ""
	}
	id, err := s.reports.SaveReport(data)
	if err != nil {
		logger.Error("save reject report failed", "error", err)
		return ""
	}
	return id
}

// collectOutcomes aggregates per-record outcomes in line order.
func collectOutcomes(jobID string, outcomes []ImportOutcome) *ImportJobResult {
	result := &ImportJobResult{
		JobID:          jobID,
		Total:          len(outcomes),
		InsertedIDs:    []int64{},
		Duplicates:     []ImportOutcome{},
		InvalidRecords: []ImportOutcome{},
		Errors:         []ImportOutcome{},
	}
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeInserted:
			result.Inserted++
			result.InsertedIDs = append(result.InsertedIDs, o.ID)
		case OutcomeDuplicate:
			result.Duplicates = append(result.Duplicates, o)
		case OutcomeInvalid:
			result.InvalidRecords = append(result.InvalidRecords, o)
		case OutcomeError:
			result.Errors = append(result.Errors, o)
		}
	}
	return result
}

// Abandon deletes the canonical stream of handle without importing it.
func (s *Service) Abandon(ctx context.Context, handle string) error {
	if err := s.canonical.Delete(handle); err != nil {
		return err
	}
	loggerFrom(ctx, s.logger).Info("import abandoned", "handle", handle)
	return nil
}

// Report returns a rendered reject report.
func (s *Service) Report(ctx context.Context, id string) ([]byte, error) {
	return s.reports.OpenReport(id)
}

// DecodeReference returns the contact id carried by an obfuscated reference.
func (s *Service) DecodeReference(ref string) (int64, error) {
	if s.codec == nil {
		return 0, ErrInvalidReference
	}
	return s.codec.Decode(ref)
}
