package constraint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSolveTCPWholeBlock(t *testing.T) {
	s, err := Solve(Params{Protocol: ProtocolTCP})
	require.NoError(t, err)
	require.NoError(t, s.Validate(Params{Protocol: ProtocolTCP}))
	require.Zero(t, s.BlockSize%s.ReadSize)
	require.Zero(t, s.BlockSize%s.WriteSize)
}

func TestSolveUDPCapsWriteSizeToMTU(t *testing.T) {
	p := Params{Protocol: ProtocolUDPS, MTU: 1500}
	s, err := Solve(p)
	require.NoError(t, err)
	require.LessOrEqual(t, s.WriteSize, 1500-28-8)
	require.NoError(t, s.Validate(p))
}

func TestSolveCompressionShrinksWriteSize(t *testing.T) {
	p := Params{Protocol: ProtocolTCP, Compress: true, CompressionRatio: 2, HeaderSize: 16}
	s, err := Solve(p)
	require.NoError(t, err)
	require.Less(t, s.WriteSize, s.ReadSize)
	require.Equal(t, 16, s.CompressOffset)
}

func TestSolveFrameSizeDividesReadSize(t *testing.T) {
	p := Params{Protocol: ProtocolTCP, FrameSize: 10016}
	s, err := Solve(p)
	require.NoError(t, err)
	ok := s.FrameSize%s.ReadSize == 0 || s.ReadSize%s.FrameSize == 0
	require.True(t, ok, "read_size %d incompatible with framesize %d", s.ReadSize, s.FrameSize)
}

func TestValidateRejectsNonDividingWriteSizeUnlessAllowed(t *testing.T) {
	bad := Set{BlockSize: 100, ReadSize: 10, WriteSize: 7, MTU: 1500}
	require.Error(t, bad.Validate(Params{}))
	require.NoError(t, bad.Validate(Params{AllowVariableBlockSize: true}))
}

func TestSolveMTUTooSmallErrors(t *testing.T) {
	_, err := Solve(Params{Protocol: ProtocolUDPS, MTU: 20})
	require.Error(t, err)
}
