package convert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natmeg/pipeline/pipelineconfig"
)

func newTestPlanner(t *testing.T, rawRoot, bidsRoot string) *Planner {
	t.Helper()
	cfg := &pipelineconfig.ProjectConfig{}
	cfg.Project.Name = "proj"
	cfg.Project.RawRoot = rawRoot
	cfg.Project.BIDSRoot = bidsRoot
	cfg.Project.Tasks = []string{"AudOdd"}
	return &Planner{Config: cfg, TablePath: filepath.Join(bidsRoot, "conversion_logs", "bids_conversion.tsv")}
}

func writeRawFile(t *testing.T, root, subject, session, acq, name string) string {
	t.Helper()
	dir := filepath.Join(root, "sub-"+subject, session, acq)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestPlanDiscoversRecognizedTaskAsRun(t *testing.T) {
	rawRoot := t.TempDir()
	bidsRoot := t.TempDir()
	writeRawFile(t, rawRoot, "0953", "241104", "squid", "AudOdd_raw.fif")

	p := newTestPlanner(t, rawRoot, bidsRoot)
	rows, err := p.Plan()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, StatusRun, rows[0].Status)
	require.Equal(t, "AudOdd", rows[0].Task)
}

func TestPlanUnrecognizedTaskIsCheck(t *testing.T) {
	rawRoot := t.TempDir()
	bidsRoot := t.TempDir()
	writeRawFile(t, rawRoot, "0953", "241104", "squid", "MysteryTask_raw.fif")

	p := newTestPlanner(t, rawRoot, bidsRoot)
	rows, err := p.Plan()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, StatusCheck, rows[0].Status)
}

func TestPlanExcludesDerivatives(t *testing.T) {
	rawRoot := t.TempDir()
	bidsRoot := t.TempDir()
	writeRawFile(t, rawRoot, "0953", "241104", "squid", "AudOdd_raw.fif")
	writeRawFile(t, rawRoot, "0953", "241104", "squid", "AudOdd_proc-tsss_meg.fif")
	writeRawFile(t, rawRoot, "0953", "241104", "squid", "AudOdd_raw-1.fif")

	p := newTestPlanner(t, rawRoot, bidsRoot)
	rows, err := p.Plan()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	names := []string{rows[0].RawFilename, rows[1].RawFilename}
	require.ElementsMatch(t, []string{"AudOdd_raw.fif", "AudOdd_raw-1.fif"}, names)
}

func TestPlanIsIdempotentIgnoringTimestamp(t *testing.T) {
	rawRoot := t.TempDir()
	bidsRoot := t.TempDir()
	writeRawFile(t, rawRoot, "0953", "241104", "squid", "AudOdd_raw.fif")

	p := newTestPlanner(t, rawRoot, bidsRoot)
	first, err := p.Plan()
	require.NoError(t, err)
	second, err := p.Plan()
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		a, b := first[i], second[i]
		a.TimeStamp, b.TimeStamp = "", ""
		require.Equal(t, a, b)
	}
}

func TestPlanMarksRowRunWhenBIDSTargetMissing(t *testing.T) {
	rawRoot := t.TempDir()
	bidsRoot := t.TempDir()
	writeRawFile(t, rawRoot, "0953", "241104", "squid", "AudOdd_raw.fif")

	p := newTestPlanner(t, rawRoot, bidsRoot)
	rows, err := p.Plan()
	require.NoError(t, err)
	require.Equal(t, StatusRun, rows[0].Status)
}

func TestIdentityMapperZeroPads(t *testing.T) {
	m := IdentityMapper{Width: 4}
	subj, sess := m.Map("53", "241104")
	require.Equal(t, "0053", subj)
	require.Equal(t, "241104", sess)
}
