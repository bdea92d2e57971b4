package replica

// A mask is an unsigned 64-bit integer whose bit i is set iff field i has a
// pending, unacknowledged change. Field numbers run 1..schema.MaxFieldNumber;
// bit 0 is never used.
//
// The two top bits carry collection-entry state:
//
//	10  entry added since the last commit
//	11  entry removed since the last commit
//	01  wire tombstone — never occurs as live state, so a received entry
//	    whose mask equals exactly this bit unambiguously means "delete"
//	00  plain modification
const (
	maskStateLow  uint64 = 1 << 62
	maskStateHigh uint64 = 1 << 63

	// MaskAdded marks a live collection entry created in this commit window.
	MaskAdded = maskStateHigh
	// MaskRemoved marks a live collection entry pending deletion.
	MaskRemoved = maskStateHigh | maskStateLow
	// MaskTombstone is the reserved removed-marker value an entry carries on
	// the wire in place of field data.
	MaskTombstone = maskStateLow

	maskStateBits = maskStateHigh | maskStateLow
)

// FieldBit returns the mask bit for field number n.
func FieldBit(n uint32) uint64 { return 1 << n }

// fieldBits strips entry-state bits, leaving only field bits.
func fieldBits(mask uint64) uint64 { return mask &^ maskStateBits }

// isRemoved reports whether a live entry mask carries the removed state.
func isRemoved(mask uint64) bool { return mask&maskStateBits == maskStateBits }
