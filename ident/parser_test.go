package ident

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTriuxBasic(t *testing.T) {
	id := Parse("NatMEG_0953_Phalanges_tsss_mc_meg.fif")
	require.Equal(t, "0953", id.Subject)
	require.Equal(t, "Phalanges", id.Task)
	require.Equal(t, SQUID, id.Acquisition)
	require.Equal(t, []string{"tsss", "mc"}, id.Processing)
	require.False(t, id.HasSplit)
	require.Equal(t, ".fif", id.Extension)
}

func TestParseSplitFile(t *testing.T) {
	id := Parse("/data/sinuhe/NatMEG_0953/241104/meg/AudOdd_raw-1.fif")
	require.True(t, id.HasSplit)
	require.Equal(t, 1, id.Split)
	require.Equal(t, "0953", id.Subject)
}

func TestParseNoiseNormalization(t *testing.T) {
	id := Parse("sub-0001_task-empty_room_after.fif")
	require.Equal(t, "NoiseAfter", id.Task)
}

func TestParseOPMPathMarker(t *testing.T) {
	id := Parse("/data/kaptah/20241104_sub-0001_Phalanges_raw.fif")
	require.Equal(t, OPM, id.Acquisition)
	require.Contains(t, id.Datatypes, "opm")
}

func TestParseOPMException(t *testing.T) {
	id := Parse("/data/kaptah/file-HPIbefore_20241104_120000.fif")
	require.True(t, id.OPMException)
	require.Contains(t, id.Datatypes, "opm")
}

func TestParseUnknownFallback(t *testing.T) {
	id := Parse("")
	require.Equal(t, "unknown", id.Subject)
	require.Equal(t, "unknown", id.Task)
}

func TestMatchesAny(t *testing.T) {
	require.True(t, MatchesAny("test_tsss_mc.fif", ProcPatterns))
	require.True(t, MatchesAny("empty_room.fif", NoisePatterns))
	require.False(t, MatchesAny("regular_data.fif", HeadposPatterns))
}
