package convert

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natmeg/pipeline/provenance"
)

var errRejected = errors.New("rejected")

type fakeHandle struct{ closed bool }

func (h *fakeHandle) Close() error { h.closed = true; return nil }

type fakeRawReader struct{}

func (fakeRawReader) Read(path string) (RawHandle, error) { return &fakeHandle{}, nil }

type fakeBIDSWriter struct {
	rejectMEG bool
}

func (f fakeBIDSWriter) WriteMEG(handle RawHandle, bidsPath string) error {
	if f.rejectMEG {
		return errRejected
	}
	return os.WriteFile(bidsPath, []byte("meg-data"), 0o644)
}
func (f fakeBIDSWriter) WriteEEG(handle RawHandle, bidsPath string) error {
	return os.WriteFile(bidsPath, []byte("eeg-data"), 0o644)
}

type fakeFallback struct{}

func (fakeFallback) Save(handle RawHandle, bidsPath string) error {
	return os.WriteFile(bidsPath, []byte("fallback-data"), 0o644)
}

func TestWriterProcessesRunRow(t *testing.T) {
	dir := t.TempDir()
	rawDir := filepath.Join(dir, "raw")
	bidsDir := filepath.Join(dir, "bids", "sub-0001", "ses-241104", "meg")
	require.NoError(t, os.MkdirAll(rawDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rawDir, "AudOdd_raw.fif"), []byte("raw"), 0o644))

	store := provenance.New(filepath.Join(dir, "log"))
	w := &Writer{Raw: fakeRawReader{}, BIDS: fakeBIDSWriter{}, Fallback: fakeFallback{}, Store: store}

	rows := []ConversionRow{{
		Status: StatusRun, RawDir: rawDir, RawFilename: "AudOdd_raw.fif",
		BIDSDir: bidsDir, BIDSFilename: "sub-0001_ses-241104_task-AudOdd_meg.fif",
		TargetSubject: "0001", TargetSession: "241104", Task: "AudOdd", Datatype: "meg",
	}}

	out, err := w.Run(rows)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, out[0].Status)

	data, err := os.ReadFile(filepath.Join(bidsDir, "sub-0001_ses-241104_task-AudOdd_meg.fif"))
	require.NoError(t, err)
	require.Equal(t, "meg-data", string(data))

	recs := store.ReadBidsRecords()
	require.Len(t, recs, 1)
	require.Equal(t, provenance.ConvProcessed, recs[0].Status)
}

func TestWriterFallsBackWhenBIDSWriterRejects(t *testing.T) {
	dir := t.TempDir()
	rawDir := filepath.Join(dir, "raw")
	bidsDir := filepath.Join(dir, "bids")
	require.NoError(t, os.MkdirAll(rawDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rawDir, "AudOdd_raw.fif"), []byte("raw"), 0o644))

	store := provenance.New(filepath.Join(dir, "log"))
	w := &Writer{Raw: fakeRawReader{}, BIDS: fakeBIDSWriter{rejectMEG: true}, Fallback: fakeFallback{}, Store: store}

	rows := []ConversionRow{{
		Status: StatusRun, RawDir: rawDir, RawFilename: "AudOdd_raw.fif",
		BIDSDir: bidsDir, BIDSFilename: "sub-0001_ses-241104_task-AudOdd_meg.fif",
		TargetSubject: "0001", TargetSession: "241104", Task: "AudOdd", Datatype: "meg",
	}}

	out, err := w.Run(rows)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, out[0].Status)

	data, err := os.ReadFile(filepath.Join(bidsDir, "sub-0001_ses-241104_task-AudOdd_meg.fif"))
	require.NoError(t, err)
	require.Equal(t, "fallback-data", string(data))
}

func TestWriterSkipsNonRunRows(t *testing.T) {
	store := provenance.New(t.TempDir())
	w := &Writer{Raw: fakeRawReader{}, BIDS: fakeBIDSWriter{}, Store: store}
	rows := []ConversionRow{{Status: StatusCheck}}
	out, err := w.Run(rows)
	require.NoError(t, err)
	require.Equal(t, StatusCheck, out[0].Status)
}

// TestWriterConsolidatesSplitRows mirrors the spec's split-consolidation
// scenario: a base file and its "-1.fif" sibling share subject, session,
// task, processing and description, and must collapse into a single
// BidsRecord with the base listed first.
func TestWriterConsolidatesSplitRows(t *testing.T) {
	dir := t.TempDir()
	rawDir := filepath.Join(dir, "raw")
	bidsDir := filepath.Join(dir, "bids", "sub-0953", "ses-241104", "meg")
	require.NoError(t, os.MkdirAll(rawDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rawDir, "AudOdd_raw.fif"), []byte("raw"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rawDir, "AudOdd_raw-1.fif"), []byte("raw-1"), 0o644))

	store := provenance.New(filepath.Join(dir, "log"))
	w := &Writer{Raw: fakeRawReader{}, BIDS: fakeBIDSWriter{}, Fallback: fakeFallback{}, Store: store}

	bidsName := "sub-0953_ses-241104_task-AudOdd_meg.fif"
	base := ConversionRow{
		Status: StatusRun, SourceSubject: "0953", SourceSession: "241104", Task: "AudOdd",
		Split: -1, RawDir: rawDir, RawFilename: "AudOdd_raw.fif",
		BIDSDir: bidsDir, BIDSFilename: bidsName,
		TargetSubject: "0953", TargetSession: "241104", Datatype: "meg",
	}
	sibling := base
	sibling.Split = 1
	sibling.RawFilename = "AudOdd_raw-1.fif"

	out, err := w.Run([]ConversionRow{base, sibling})
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, out[0].Status)
	require.Equal(t, StatusProcessed, out[1].Status)

	recs := store.ReadBidsRecords()
	require.Len(t, recs, 1)
	require.Equal(t, []string{
		filepath.Join(rawDir, "AudOdd_raw.fif"),
		filepath.Join(rawDir, "AudOdd_raw-1.fif"),
	}, recs[0].SourcePath)
	require.Equal(t, []string{
		filepath.Join(bidsDir, bidsName),
		filepath.Join(bidsDir, bidsName),
	}, recs[0].BidsPath)
	require.Equal(t, provenance.ConvProcessed, recs[0].Status)
}
