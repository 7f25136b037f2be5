// Package bbvars implements the battery-backed diagnostic variables: state
// that must survive a reset and carry the "why did we reset?" story into
// the next POST. In the original firmware this lived in battery-backed
// RAM guarded by a 32-bit magic number; here it is re-expressed as a value
// snapshotted to disk across process restarts (see Snapshot).
package bbvars

const (
	// magicNumber guards the whole block; a mismatch clears everything.
	magicNumber = 0xFACE55AA

	// badPostErrStr is substituted when the magic check fails and forces
	// a version mismatch on the following check.
	badPostErrStr = "(none)"

	// maxPostErrLen bounds the raw error string copied into the record;
	// RecordPostError replaces anything longer with a fixed fallback string.
	maxPostErrLen = 49
)

// Vars is the in-memory battery-backed state. It carries no serialization
// tags of its own -- Snapshot (see snapshot.go) is the only thing allowed
// to read or write it to stable storage, keeping wire/storage types
// distinct from the domain type.
type Vars struct {
	SeqNum uint32

	VerMajor uint8
	VerMinor uint8

	PostErrorPending  bool
	PostErrorStr      string
	PostErrorStateNum int32

	TestWord uint16

	magicValid bool
}

// New returns a zeroed Vars as if the magic check failed (the state a
// fresh, never-snapshotted device starts in).
func New() *Vars {
	v := &Vars{
		PostErrorStr:      badPostErrStr,
		PostErrorStateNum: -1,
	}
	return v
}

// Init applies the two independent guard checks the original bb_init()
// performs: a magic mismatch clears the entire block (including forcing
// the stored firmware version to zero, which cascades into the version
// check below); a firmware-version mismatch clears only the post-error
// record. These are deliberately two separate conditions, not one
// combined check.
func Init(loaded *Vars, magicOK bool, verMajor, verMinor uint8) *Vars {
	v := loaded
	if v == nil || !magicOK {
		v = New()
		v.VerMajor = 0
		v.VerMinor = 0
	}

	if v.VerMajor != verMajor || v.VerMinor != verMinor {
		v.VerMajor = verMajor
		v.VerMinor = verMinor
		v.PostErrorPending = false
		v.PostErrorStr = badPostErrStr
		v.PostErrorStateNum = -1
	}

	v.magicValid = true
	return v
}

// NextSeq increments and returns the sequence number to transmit, masked
// to its low 31 bits to keep the wire value within a signed 32-bit range.
func (v *Vars) NextSeq() uint32 {
	v.SeqNum++
	return v.SeqNum & 0x7FFFFFFF
}

// RecordPostError stashes a failed POST's error string and state number and
// raises the pending flag, per the battery-backed-vars invariant: the next
// successful POST body must include this record, and clearing is exclusive
// to a successful POST.
func (v *Vars) RecordPostError(errStr string, stateNum int) {
	if len(errStr) > maxPostErrLen {
		errStr = "error string too long to record"
	}
	v.PostErrorStr = errStr
	v.PostErrorStateNum = int32(stateNum)
	v.PostErrorPending = true
}

// ClearPostError clears the pending error record; only a successful POST
// may call this.
func (v *Vars) ClearPostError() {
	v.PostErrorPending = false
}
