package pipelineerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapNilReturnsNil(t *testing.T) {
	require.NoError(t, Wrap(KindIO, "x", nil))
}

func TestWrapPreservesUnderlyingError(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindIO, "sub-0001/241104", cause)

	require.ErrorIs(t, err, cause)
	require.Equal(t, "IOError [sub-0001/241104]: disk full", err.Error())
}

func TestWrapWithoutUnitOmitsBrackets(t *testing.T) {
	err := Wrap(KindConfig, "", errors.New("missing calibration"))
	require.Equal(t, "ConfigError: missing calibration", err.Error())
}

func TestIsMatchesWrappedKind(t *testing.T) {
	err := Wrap(KindDataQuality, "", errors.New("fewer than 3 coils"))
	require.True(t, Is(err, KindDataQuality))
	require.False(t, Is(err, KindExternal))
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, Is(errors.New("plain"), KindIO))
}

func TestKindStringUnknown(t *testing.T) {
	require.Equal(t, "Unknown", Kind(99).String())
}
