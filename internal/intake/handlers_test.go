package intake

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scoutdata/pipeline/internal/pipeline"
	"github.com/scoutdata/pipeline/internal/storage/memory"
)

func newHandlerFixture() (*memory.LakeStore, *fakeClock, map[string]pipeline.FormatHandler) {
	lake := memory.NewLakeStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	return lake, clock, DefaultHandlers(lake, clock, &seqIDGen{})
}

func intakeRec(name, fileType string) pipeline.IntakeRecord {
	return pipeline.IntakeRecord{
		ID:       "in-test",
		FileName: name,
		FileType: fileType,
		Checksum: "cs-" + name,
	}
}

func TestJSONHandlerLandsArrayEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lake, clock, handlers := newHandlerFixture()

	content := []byte(`[
		{"transaction_id":"tx-1","amount":"10.50","event_time":"2024-03-01T09:30:00Z"},
		{"transaction_id":"tx-2","amount":"4.00"}
	]`)
	result, err := handlers["json"].Handle(ctx, intakeRec("sales.json", "json"), content)
	require.NoError(t, err)
	require.Equal(t, 2, result.RecordsProcessed)
	require.Zero(t, result.RecordsFailed)

	events, err := lake.UnprocessedRaw(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	byTx := make(map[string]pipeline.RawEvent, 2)
	for _, ev := range events {
		require.Equal(t, "sales.json", ev.SourceFile)
		byTx[ev.Payload["transaction_id"].(string)] = ev
	}
	require.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), byTx["tx-1"].EventTime)
	// No parsable event time falls back to the ingest time.
	require.Equal(t, clock.Now(), byTx["tx-2"].EventTime)
}

func TestJSONHandlerAcceptsEntriesWrapper(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lake, _, handlers := newHandlerFixture()

	content := []byte(`{"entries":[{"receipt_no":"r-1"}]}`)
	result, err := handlers["json"].Handle(ctx, intakeRec("wrapped.json", "json"), content)
	require.NoError(t, err)
	require.Equal(t, 1, result.RecordsProcessed)

	events, err := lake.UnprocessedRaw(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestJSONHandlerMalformedIsPermanent(t *testing.T) {
	t.Parallel()
	_, _, handlers := newHandlerFixture()

	_, err := handlers["json"].Handle(context.Background(), intakeRec("bad.json", "json"), []byte(`{"oops`))
	require.Error(t, err)
	require.False(t, pipeline.Transient(err))
}

func TestCSVHandlerMapsHeaderToFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lake, _, handlers := newHandlerFixture()

	content := []byte("transaction_id,amount\ntx-1,10.50\ntx-2\ntx-3,4.00\n")
	result, err := handlers["csv"].Handle(ctx, intakeRec("sales.csv", "csv"), content)
	require.NoError(t, err)
	require.Equal(t, 2, result.RecordsProcessed)
	require.Equal(t, 1, result.RecordsFailed)

	events, err := lake.UnprocessedRaw(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	amounts := make(map[string]any, 2)
	for _, ev := range events {
		amounts[ev.Payload["transaction_id"].(string)] = ev.Payload["amount"]
	}
	require.Equal(t, "10.50", amounts["tx-1"])
	require.Equal(t, "4.00", amounts["tx-3"])
}

func TestZipHandlerRoutesMembersByExtension(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lake, _, handlers := newHandlerFixture()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	jw, err := zw.Create("day1/sales.json")
	require.NoError(t, err)
	_, err = jw.Write([]byte(`[{"transaction_id":"tx-1"}]`))
	require.NoError(t, err)
	cw, err := zw.Create("day1/refunds.csv")
	require.NoError(t, err)
	_, err = cw.Write([]byte("receipt_no\nr-1\nr-2\n"))
	require.NoError(t, err)
	uw, err := zw.Create("README.txt")
	require.NoError(t, err)
	_, err = uw.Write([]byte("notes"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	result, err := handlers["zip"].Handle(ctx, intakeRec("batch.zip", "zip"), buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, 3, result.RecordsProcessed)
	require.Equal(t, 1, result.RecordsFailed)

	events, err := lake.UnprocessedRaw(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	sources := make(map[string]int)
	for _, ev := range events {
		sources[ev.SourceFile]++
	}
	require.Equal(t, 1, sources["batch.zip!day1/sales.json"])
	require.Equal(t, 2, sources["batch.zip!day1/refunds.csv"])
}

func TestZipHandlerCorruptArchiveIsPermanent(t *testing.T) {
	t.Parallel()
	_, _, handlers := newHandlerFixture()

	_, err := handlers["zip"].Handle(context.Background(), intakeRec("bad.zip", "zip"), []byte("not a zip"))
	require.Error(t, err)
	require.False(t, pipeline.Transient(err))
}
