package ferr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsAsRecoversKind(t *testing.T) {
	wrapped := fmt.Errorf("opening container: %w", New(InvalidFormat, "vhd: bad footer cookie"))

	var fe *Error
	require.True(t, errors.As(wrapped, &fe))
	assert.Equal(t, InvalidFormat, fe.Kind)
	assert.Equal(t, "vhd: bad footer cookie", fe.Context)
}

func TestIntegrityMessageCarriesExpectedAndActual(t *testing.T) {
	err := Integrity("gpt_header_crc32", "0xdeadbeef", "0x0badf00d")
	assert.Equal(t, IntegrityFailure, err.Kind)
	assert.Contains(t, err.Error(), "gpt_header_crc32")
	assert.Contains(t, err.Error(), "0xdeadbeef")
	assert.Contains(t, err.Error(), "0x0badf00d")
}

func TestLimitMessageCarriesValues(t *testing.T) {
	err := LimitErr("MAX_FILE_EXTRACT", 2<<30, 1<<30)
	assert.Equal(t, LimitExceeded, err.Kind)
	assert.Contains(t, err.Error(), "MAX_FILE_EXTRACT")
}

func TestWrapPreservesSource(t *testing.T) {
	src := errors.New("disk on fire")
	err := Wrap(IO, "reading sector", src)
	assert.ErrorIs(t, err, src)
	assert.Contains(t, err.Error(), "reading sector")
}

func TestKindStrings(t *testing.T) {
	for kind, want := range map[Kind]string{
		NotFound:         "NotFound",
		PermissionDenied: "PermissionDenied",
		InvalidPath:      "InvalidPath",
		InvalidFormat:    "InvalidFormat",
		Unsupported:      "Unsupported",
		IntegrityFailure: "IntegrityFailure",
		LimitExceeded:    "LimitExceeded",
		Truncated:        "Truncated",
		IO:               "Io",
		InvalidOperation: "InvalidOperation",
	} {
		assert.Equal(t, want, kind.String())
	}
}
