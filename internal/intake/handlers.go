package intake

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

// eventTimeFields are checked in order when extracting an entry's event time.
var eventTimeFields = []string{"event_time", "timestamp", "created_at"}

// JSONHandler lands JSON files into the raw layer. It accepts either a bare
// array of objects or an object with an "entries" array.
type JSONHandler struct {
	lake  pipeline.LakeStore
	clock pipeline.Clock
	ids   pipeline.IDGenerator
}

// NewJSONHandler constructs a JSONHandler.
func NewJSONHandler(lake pipeline.LakeStore, clock pipeline.Clock, ids pipeline.IDGenerator) *JSONHandler {
	return &JSONHandler{lake: lake, clock: clock, ids: ids}
}

// Handle parses the content and appends one RawEvent per entry. A malformed
// document is a permanent failure; individual entries never fail the file.
func (h *JSONHandler) Handle(ctx context.Context, rec pipeline.IntakeRecord, content []byte) (pipeline.HandlerResult, error) {
	entries, err := decodeEntries(content)
	if err != nil {
		return pipeline.HandlerResult{}, &pipeline.PermanentError{Err: fmt.Errorf("parsing %s: %w", rec.FileName, err)}
	}
	return appendEntries(ctx, h.lake, h.clock, h.ids, rec, entries)
}

func decodeEntries(content []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var entries []map[string]any
	if err := dec.Decode(&entries); err == nil {
		return entries, nil
	}
	var wrapper struct {
		Entries []map[string]any `json:"entries"`
	}
	dec = json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	if err := dec.Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("neither an array nor an entries object: %w", err)
	}
	if wrapper.Entries == nil {
		return nil, fmt.Errorf("missing entries array")
	}
	return wrapper.Entries, nil
}

// CSVHandler lands CSV files into the raw layer. The first row names the
// fields.
type CSVHandler struct {
	lake  pipeline.LakeStore
	clock pipeline.Clock
	ids   pipeline.IDGenerator
}

// NewCSVHandler constructs a CSVHandler.
func NewCSVHandler(lake pipeline.LakeStore, clock pipeline.Clock, ids pipeline.IDGenerator) *CSVHandler {
	return &CSVHandler{lake: lake, clock: clock, ids: ids}
}

// Handle parses the content and appends one RawEvent per data row. Rows with
// the wrong column count are counted as failed without failing the file.
func (h *CSVHandler) Handle(ctx context.Context, rec pipeline.IntakeRecord, content []byte) (pipeline.HandlerResult, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return pipeline.HandlerResult{}, &pipeline.PermanentError{Err: fmt.Errorf("reading header of %s: %w", rec.FileName, err)}
	}

	var entries []map[string]any
	failed := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return pipeline.HandlerResult{}, &pipeline.PermanentError{Err: fmt.Errorf("reading %s: %w", rec.FileName, err)}
		}
		if len(row) != len(header) {
			failed++
			continue
		}
		entry := make(map[string]any, len(header))
		for i, name := range header {
			entry[name] = row[i]
		}
		entries = append(entries, entry)
	}

	result, err := appendEntries(ctx, h.lake, h.clock, h.ids, rec, entries)
	result.RecordsFailed += failed
	return result, err
}

// ZipHandler expands an archive and routes each member to the handler for its
// extension. Unsupported members are counted as failed.
type ZipHandler struct {
	inner map[string]pipeline.FormatHandler
}

// NewZipHandler constructs a ZipHandler over the per-extension handlers.
func NewZipHandler(inner map[string]pipeline.FormatHandler) *ZipHandler {
	return &ZipHandler{inner: inner}
}

// Handle processes every file in the archive. A corrupt archive is a
// permanent failure; a member handler error fails the whole file so the
// attempt can be retried.
func (h *ZipHandler) Handle(ctx context.Context, rec pipeline.IntakeRecord, content []byte) (pipeline.HandlerResult, error) {
	archive, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return pipeline.HandlerResult{}, &pipeline.PermanentError{Err: fmt.Errorf("opening archive %s: %w", rec.FileName, err)}
	}

	var total pipeline.HandlerResult
	for _, member := range archive.File {
		if member.FileInfo().IsDir() {
			continue
		}
		ext := strings.TrimPrefix(path.Ext(member.Name), ".")
		inner, ok := h.inner[ext]
		if !ok {
			total.RecordsFailed++
			continue
		}
		data, err := readMember(member)
		if err != nil {
			return total, fmt.Errorf("reading archive member %s: %w", member.Name, err)
		}
		memberRec := rec
		memberRec.FileName = rec.FileName + "!" + member.Name
		memberRec.FileType = ext
		result, err := inner.Handle(ctx, memberRec, data)
		total.RecordsProcessed += result.RecordsProcessed
		total.RecordsFailed += result.RecordsFailed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readMember(member *zip.File) ([]byte, error) {
	rc, err := member.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// DefaultHandlers builds the standard json/csv/zip registry over the lake.
func DefaultHandlers(lake pipeline.LakeStore, clock pipeline.Clock, ids pipeline.IDGenerator) map[string]pipeline.FormatHandler {
	flat := map[string]pipeline.FormatHandler{
		"json": NewJSONHandler(lake, clock, ids),
		"csv":  NewCSVHandler(lake, clock, ids),
	}
	handlers := make(map[string]pipeline.FormatHandler, len(flat)+1)
	for ext, h := range flat {
		handlers[ext] = h
	}
	handlers["zip"] = NewZipHandler(flat)
	return handlers
}

func appendEntries(
	ctx context.Context,
	lake pipeline.LakeStore,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	rec pipeline.IntakeRecord,
	entries []map[string]any,
) (pipeline.HandlerResult, error) {
	var result pipeline.HandlerResult
	now := clock.Now()
	for i, entry := range entries {
		id, err := ids.NewID()
		if err != nil {
			return result, fmt.Errorf("generating event id: %w", err)
		}
		if err := lake.AppendRaw(ctx, pipeline.RawEvent{
			ID:         id,
			SourceFile: rec.FileName,
			EntryID:    fmt.Sprintf("%s#%d", rec.Checksum, i),
			Payload:    entry,
			EventTime:  entryEventTime(entry, now),
			IngestedAt: now,
		}); err != nil {
			return result, fmt.Errorf("landing entry %d: %w", i, err)
		}
		result.RecordsProcessed++
	}
	return result, nil
}

// entryEventTime pulls the event time out of the payload, defaulting to the
// ingest time when no recognizable field parses.
func entryEventTime(entry map[string]any, fallback time.Time) time.Time {
	for _, field := range eventTimeFields {
		v, ok := entry[field]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	return fallback
}
