package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thebinaryloop/binstash/errs"
)

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := errs.New(errs.IoError, cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "IoError: disk full", err.Error())
}

func TestErrorWithNoCause(t *testing.T) {
	err := &errs.Error{Kind: errs.NotFound}
	require.Equal(t, "NotFound", err.Error())
}

func TestSentinelMatchesByKind(t *testing.T) {
	err := errs.New(errs.NotFound, fmt.Errorf("hash abc123 not found"))
	require.True(t, errors.Is(err, errs.Sentinel(errs.NotFound)))
	require.False(t, errors.Is(err, errs.Sentinel(errs.Corruption)))
}

func TestAtCarriesLocation(t *testing.T) {
	loc := errs.Location{ShardPrefix: "abc", PackFile: 2, Offset: 128, SectionID: -1}
	err := errs.At(errs.Corruption, loc, fmt.Errorf("xxh3 mismatch"))
	require.Equal(t, loc, err.Location)
	require.Equal(t, errs.Corruption, err.Kind)
}

func TestKindString(t *testing.T) {
	cases := map[errs.Kind]string{
		errs.InvalidFormat: "InvalidFormat",
		errs.Corruption:    "Corruption",
		errs.NotFound:      "NotFound",
		errs.AlreadyExists: "AlreadyExists",
		errs.Unsupported:   "Unsupported",
		errs.IoError:       "IoError",
		errs.Cancelled:     "Cancelled",
		errs.Kind(999):     "Unknown",
	}
	for kind, want := range cases {
		require.Equal(t, want, kind.String())
	}
}
