package mark5xfer

import "github.com/jive-vlbi/mark5xfer/internal/constants"

// Re-exported tunables, kept in internal/constants so internal packages
// (stage, supervisor) can use them without importing the root package.
const (
	DefaultQueueCapacity = constants.DefaultQueueCapacity
	DefaultBlockSize     = constants.DefaultBlockSize
	DefaultReadSize      = constants.DefaultReadSize
	DefaultWriteSize     = constants.DefaultWriteSize
	DefaultMTU           = constants.DefaultMTU
	FillPattern          = constants.FillPattern
)
