package blockdev

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jive-vlbi/mark5xfer/internal/iouring"
)

// fileBankState holds one bank's backing file and bookkeeping, the
// file-backed counterpart of Memory's bankState.
type fileBankState struct {
	mu        sync.RWMutex
	f         *os.File
	size      int64
	appendCur int64
	scans     []ScanInfo
	openScan  *ScanInfo
}

// FileDevice is a file-backed Device: each bank is one fixed-size file on a
// real filesystem, read and written through an optional io_uring fast path
// (internal/iouring) with a plain os.File ReadAt/WriteAt fallback. This is
// the disk-facing counterpart of Memory, exercising the fast path the
// internal/iouring fast path exists to serve: Memory is
// sufficient for every testable property in this repo, but a
// complete Mark5-class engine also needs a Device that actually persists to
// disk, since the vendor ASIC it stands in for is itself disk-backed.
type FileDevice struct {
	mu     sync.Mutex
	banks  [2]*fileBankState
	active Bank
	vsn    string

	ring *iouring.Ring // nil if the fast path is unavailable; see Open's contract
}

// NewFileDevice creates (or truncates) two bankSize-byte backing files,
// "bankA.dat" and "bankB.dat", under dir, and attempts to open an io_uring
// fast path for them. A fast-path-open failure (unprivileged container, old
// kernel, seccomp) is not fatal: Open's contract is that its error always
// means "fall back to blocking I/O", so FileDevice silently falls back
// rather than refusing to start.
func NewFileDevice(dir string, bankSize int64) (*FileDevice, error) {
	d := &FileDevice{vsn: "MARK5XFER001"}
	for i, name := range [2]string{"bankA.dat", "bankB.dat"} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("blockdev: open %s: %w", name, err)
		}
		if err := f.Truncate(bankSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdev: truncate %s: %w", name, err)
		}
		d.banks[i] = &fileBankState{f: f, size: bankSize}
	}
	if ring, err := iouring.Open(128); err == nil {
		d.ring = ring
	}
	return d, nil
}

func (d *FileDevice) bank() *fileBankState {
	d.mu.Lock()
	b := d.banks[d.active]
	d.mu.Unlock()
	return b
}

// readAt/writeAt route through the io_uring fast path when one is open,
// otherwise fall back to the file's own ReadAt/WriteAt; a fast-path I/O
// error also falls back rather than failing the caller outright, since a
// ring can wedge (e.g. CQ overflow) independently of the underlying file
// still being perfectly readable.
func (d *FileDevice) readAt(b *fileBankState, p []byte, off int64) (int, error) {
	if d.ring != nil {
		if n, err := d.ring.ReadAt(int32(b.f.Fd()), p, off); err == nil {
			return n, nil
		}
	}
	return b.f.ReadAt(p, off)
}

func (d *FileDevice) writeAt(b *fileBankState, p []byte, off int64) (int, error) {
	if d.ring != nil {
		if n, err := d.ring.WriteAt(int32(b.f.Fd()), p, off); err == nil {
			return n, nil
		}
	}
	return b.f.WriteAt(p, off)
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	b := d.bank()
	b.mu.RLock()
	defer b.mu.RUnlock()
	if off >= b.size {
		return 0, fmt.Errorf("blockdev: read offset %d beyond bank size %d", off, b.size)
	}
	return d.readAt(b, p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	b := d.bank()
	b.mu.Lock()
	defer b.mu.Unlock()
	if off >= b.size {
		return 0, fmt.Errorf("blockdev: write offset %d beyond bank size %d", off, b.size)
	}
	return d.writeAt(b, p, off)
}

func (d *FileDevice) Append(p []byte) (int, error) {
	b := d.bank()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendCur+int64(len(p)) > b.size {
		return 0, fmt.Errorf("blockdev: append would exceed bank capacity")
	}
	n, err := d.writeAt(b, p, b.appendCur)
	b.appendCur += int64(n)
	return n, err
}

func (d *FileDevice) AppendOffset() int64 {
	b := d.bank()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.appendCur
}

func (d *FileDevice) Size() int64 {
	b := d.bank()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (d *FileDevice) Close() error {
	var first error
	if d.ring != nil {
		if err := d.ring.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, b := range d.banks {
		if err := b.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *FileDevice) Flush() error {
	for _, b := range d.banks {
		if err := b.f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (d *FileDevice) SelectBank(b Bank) error {
	if b != BankA && b != BankB {
		return fmt.Errorf("blockdev: invalid bank %v", b)
	}
	d.mu.Lock()
	d.active = b
	d.mu.Unlock()
	return nil
}

func (d *FileDevice) ActiveBank() Bank {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Erase zeros the whole bank file in 1 MiB chunks (rather than one giant
// write) so a large bank doesn't require a matching giant in-memory zero
// buffer, and resets its append cursor and scan directory.
func (d *FileDevice) Erase(bk Bank) error {
	d.mu.Lock()
	target := d.banks[bk]
	d.mu.Unlock()

	target.mu.Lock()
	defer target.mu.Unlock()

	zero := make([]byte, 1<<20)
	for off := int64(0); off < target.size; off += int64(len(zero)) {
		n := len(zero)
		if remaining := target.size - off; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := d.writeAt(target, zero[:n], off); err != nil {
			return err
		}
	}
	target.appendCur = 0
	target.scans = nil
	target.openScan = nil
	return nil
}

func (d *FileDevice) VSN() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vsn
}

func (d *FileDevice) SetVSN(vsn string) {
	d.mu.Lock()
	d.vsn = vsn
	d.mu.Unlock()
}

func (d *FileDevice) BeginScan(name string) error {
	b := d.bank()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openScan != nil {
		return fmt.Errorf("blockdev: scan %q already open", b.openScan.Name)
	}
	b.openScan = &ScanInfo{Name: name, Bank: d.ActiveBank(), Start: b.appendCur}
	return nil
}

func (d *FileDevice) EndScan() error {
	b := d.bank()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openScan == nil {
		return fmt.Errorf("blockdev: no scan open")
	}
	b.openScan.End = b.appendCur
	b.openScan.Time = scanTimestamp()
	b.scans = append(b.scans, *b.openScan)
	b.openScan = nil
	return nil
}

func (d *FileDevice) Scans(bk Bank) []ScanInfo {
	d.mu.Lock()
	b := d.banks[bk]
	d.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ScanInfo, len(b.scans))
	copy(out, b.scans)
	return out
}

var _ Device = (*FileDevice)(nil)
