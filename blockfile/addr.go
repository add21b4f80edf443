package blockfile

// ToBlock converts a byte offset to a block number.
func ToBlock(byteOff int64) uint32 { return uint32(byteOff / BlockSize) }

// FromBlock converts a block number to a byte offset.
func FromBlock(block uint32) int64 { return int64(block) * BlockSize }
