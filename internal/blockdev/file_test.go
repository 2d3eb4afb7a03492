package blockdev

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// NewFileDevice falls back to plain file I/O whenever io_uring_setup is
// unavailable (sandboxed CI, old kernel), so these tests exercise the
// Device contract regardless of which path actually served the call.

func TestFileDeviceAppendAndReadAt(t *testing.T) {
	dev, err := NewFileDevice(t.TempDir(), 64)
	require.NoError(t, err)
	defer dev.Close()

	n, err := dev.Append([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, int64(5), dev.AppendOffset())

	buf := make([]byte, 5)
	n, err = dev.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestFileDeviceAppendRejectsOverflow(t *testing.T) {
	dev, err := NewFileDevice(t.TempDir(), 4)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.Append([]byte("toolong"))
	require.Error(t, err)
}

func TestFileDeviceSelectBankIsolatesData(t *testing.T) {
	dev, err := NewFileDevice(t.TempDir(), 64)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.Append([]byte("bank-a"))
	require.NoError(t, err)

	require.NoError(t, dev.SelectBank(BankB))
	require.Equal(t, BankB, dev.ActiveBank())
	require.Equal(t, int64(0), dev.AppendOffset())

	_, err = dev.Append([]byte("bank-b"))
	require.NoError(t, err)

	require.NoError(t, dev.SelectBank(BankA))
	buf := make([]byte, 6)
	_, err = dev.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "bank-a", string(buf))
}

func TestFileDeviceEraseResetsAppendCursorAndScans(t *testing.T) {
	dev, err := NewFileDevice(t.TempDir(), 64)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.BeginScan("scan1"))
	_, err = dev.Append([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, dev.EndScan())
	require.Len(t, dev.Scans(BankA), 1)

	require.NoError(t, dev.Erase(BankA))
	require.Equal(t, int64(0), dev.AppendOffset())
	require.Empty(t, dev.Scans(BankA))

	buf := make([]byte, 4)
	_, err = dev.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestFileDeviceFlushAndClose(t *testing.T) {
	dev, err := NewFileDevice(t.TempDir(), 64)
	require.NoError(t, err)

	_, err = dev.Append([]byte("sync-me"))
	require.NoError(t, err)
	require.NoError(t, dev.Flush())
	require.NoError(t, dev.Close())
}
