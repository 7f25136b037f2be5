package bbvars

import (
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// wireRecord is the msgpack-tagged shape persisted to disk. It is kept
// separate from Vars so that adding fields to the in-memory struct never
// silently changes the on-disk schema.
type wireRecord struct {
	Magic    uint32 `msgpack:"magic"`
	SeqNum   uint32 `msgpack:"seq_num"`
	VerMajor uint8  `msgpack:"ver_major"`
	VerMinor uint8  `msgpack:"ver_minor"`

	PostErrorPending  bool   `msgpack:"post_error_pending"`
	PostErrorStr      string `msgpack:"post_error_str"`
	PostErrorStateNum int32  `msgpack:"post_error_state_num"`

	TestWord uint16 `msgpack:"test_word"`
}

// Snapshot persists and restores Vars to a single file, standing in for
// the original's battery-backed RAM region across process restarts.
type Snapshot struct {
	path string
}

// NewSnapshot returns a Snapshot backed by the file at path.
func NewSnapshot(path string) *Snapshot {
	return &Snapshot{path: path}
}

// Load reads the snapshot file and runs it through Init. A missing file or
// any decode error is treated exactly like a magic mismatch: Init receives
// magicOK=false and starts from a fresh Vars.
func (s *Snapshot) Load(verMajor, verMinor uint8) *Vars {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Init(nil, false, verMajor, verMinor)
	}

	var rec wireRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Init(nil, false, verMajor, verMinor)
	}

	magicOK := rec.Magic == magicNumber
	loaded := &Vars{
		SeqNum:            rec.SeqNum,
		VerMajor:          rec.VerMajor,
		VerMinor:          rec.VerMinor,
		PostErrorPending:  rec.PostErrorPending,
		PostErrorStr:      rec.PostErrorStr,
		PostErrorStateNum: rec.PostErrorStateNum,
		TestWord:          rec.TestWord,
	}
	return Init(loaded, magicOK, verMajor, verMinor)
}

// Save writes v to the snapshot file. Called after every mutation that
// must survive a reset: a new sequence number, a recorded or cleared POST
// error, or a changed test word.
func (s *Snapshot) Save(v *Vars) error {
	rec := wireRecord{
		Magic:             magicNumber,
		SeqNum:            v.SeqNum,
		VerMajor:          v.VerMajor,
		VerMinor:          v.VerMinor,
		PostErrorPending:  v.PostErrorPending,
		PostErrorStr:      v.PostErrorStr,
		PostErrorStateNum: v.PostErrorStateNum,
		TestWord:          v.TestWord,
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
