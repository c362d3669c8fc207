package protocol

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	require.Equal(t, int16(0), ErrNone.Code())
	require.Equal(t, int16(6), ErrNotLeaderForPartition.Code())
	require.Equal(t, int16(11), ErrStaleControllerEpoch.Code())
	require.Equal(t, int16(56), ErrKafkaStorageError.Code())
	require.Equal(t, int16(74), ErrFencedLeaderEpoch.Code())
	require.Equal(t, int16(75), ErrUnknownLeaderEpoch.Code())
}

func TestWithErrKeepsCode(t *testing.T) {
	cause := errors.New("disk on fire")
	err := ErrKafkaStorageError.WithErr(cause)
	require.Equal(t, ErrKafkaStorageError.Code(), err.Code())
	require.Equal(t, cause, err.Err())
	require.Contains(t, err.Error(), "disk on fire")
}

func TestErrorForCode(t *testing.T) {
	require.Equal(t, ErrOffsetOutOfRange, ErrorForCode(1))
	require.Equal(t, ErrUnknown, ErrorForCode(9999))
}
