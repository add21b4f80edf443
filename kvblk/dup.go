package kvblk

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/arnavkj/skiplitekv/errkind"
)

// DupWidth is the fixed width of a sorted-duplicate numeric value: 4 or
// 8 bytes, selected by the owning database's flags (§4.3).
type DupWidth int

const (
	Dup32 DupWidth = 4
	Dup64 DupWidth = 8
)

// dupCountSize is the little-endian uint32 count prefix before the
// sorted array of values.
const dupCountSize = 4

// DecodeDupSlot parses a dup-mode slot value into its sorted values.
func DecodeDupSlot(raw []byte, width DupWidth) ([]uint64, error) {
	if len(raw) < dupCountSize {
		return nil, fmt.Errorf("kvblk: dup slot shorter than count prefix: %w", errkind.ErrCorrupted)
	}
	count := binary.LittleEndian.Uint32(raw[:dupCountSize])
	out := make([]uint64, 0, count)
	p := dupCountSize
	for i := uint32(0); i < count; i++ {
		if p+int(width) > len(raw) {
			return nil, fmt.Errorf("kvblk: dup slot truncated: %w", errkind.ErrCorrupted)
		}
		out = append(out, readWidth(raw[p:p+int(width)], width))
		p += int(width)
	}
	return out, nil
}

// EncodeDupSlot serializes a sorted, deduplicated list of values.
func EncodeDupSlot(values []uint64, width DupWidth) []byte {
	out := make([]byte, dupCountSize+len(values)*int(width))
	binary.LittleEndian.PutUint32(out[:dupCountSize], uint32(len(values)))
	p := dupCountSize
	for _, v := range values {
		writeWidth(out[p:p+int(width)], v, width)
		p += int(width)
	}
	return out
}

func readWidth(b []byte, width DupWidth) uint64 {
	if width == Dup32 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func writeWidth(b []byte, v uint64, width DupWidth) {
	if width == Dup32 {
		binary.LittleEndian.PutUint32(b, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(b, v)
}

// DupInsert inserts v into the sorted values, skipping it if already
// present (§4.3: "Insertion uses sorted-array insert (skipping
// duplicates)").
func DupInsert(values []uint64, v uint64) ([]uint64, bool) {
	i := sort.Search(len(values), func(i int) bool { return values[i] >= v })
	if i < len(values) && values[i] == v {
		return values, false
	}
	values = append(values, 0)
	copy(values[i+1:], values[i:])
	values[i] = v
	return values, true
}

// DupRemove removes v from the sorted values if present.
func DupRemove(values []uint64, v uint64) ([]uint64, bool) {
	i := sort.Search(len(values), func(i int) bool { return values[i] >= v })
	if i >= len(values) || values[i] != v {
		return values, false
	}
	return append(values[:i], values[i+1:]...), true
}

// DupContains reports whether v is present in the sorted values (P7).
func DupContains(values []uint64, v uint64) bool {
	i := sort.Search(len(values), func(i int) bool { return values[i] >= v })
	return i < len(values) && values[i] == v
}
