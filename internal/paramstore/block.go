package paramstore

import (
	"github.com/chapmip/wxappliance/internal/crc16"
)

// blockMarker is the magic sentinel at the head of every block.
const blockMarker uint16 = 0x55AA

// minBlockSize mirrors EE_BLK_MIN_SIZE: sizeof(marker) + sizeof(crc) + 1.
const minBlockSize = 2 + 2 + 1

// encodeBlock lays out {marker, payload, crc} as raw bytes, padded up to a
// whole number of pages, ready for PageStore.WritePages.
func encodeBlock(payload []byte) []byte {
	raw := make([]byte, 0, 2+len(payload)+2)
	raw = append(raw, byte(blockMarker), byte(blockMarker>>8))
	raw = append(raw, payload...)
	raw = crc16.Append(raw)

	if pad := len(raw) % PageSize; pad != 0 {
		raw = append(raw, make([]byte, PageSize-pad)...)
	}
	return raw
}

// decodeBlock validates marker+CRC over the first blockLen bytes of raw
// (the logical block length, before page padding) and returns the payload.
// On any validity failure the returned payload is zeroed, matching the
// original's "zero the block on any failure" rule.
func decodeBlock(raw []byte, payloadLen int) (payload []byte, valid bool, err error) {
	blockLen := 2 + payloadLen + 2
	if blockLen < minBlockSize {
		return make([]byte, payloadLen), false, ErrBadBlockSize
	}
	if len(raw) < blockLen {
		return make([]byte, payloadLen), false, ErrPageIO
	}

	block := raw[:blockLen]
	marker := uint16(block[0]) | uint16(block[1])<<8
	if marker != blockMarker {
		return make([]byte, payloadLen), false, ErrBadMarker
	}
	if !crc16.Valid(block) {
		return make([]byte, payloadLen), false, ErrBadCRC
	}

	out := make([]byte, payloadLen)
	copy(out, block[2:2+payloadLen])
	return out, true, nil
}

// pagesNeeded rounds a payload's logical block length up to whole pages.
func pagesNeeded(payloadLen int) int {
	blockLen := 2 + payloadLen + 2
	n := blockLen / PageSize
	if blockLen%PageSize != 0 {
		n++
	}
	return n
}

// readBlock reads and validates a block of the given payload length
// starting at startPage.
func readBlock(store PageStore, startPage, payloadLen int) (payload []byte, valid bool, err error) {
	n := pagesNeeded(payloadLen)
	raw, err := store.ReadPages(startPage, n)
	if err != nil {
		return make([]byte, payloadLen), false, err
	}
	return decodeBlock(raw, payloadLen)
}

// writeBlock encodes and writes payload as a block starting at startPage,
// then (via PageStore.WritePages) verifies it by reading it back.
func writeBlock(store PageStore, startPage int, payload []byte) error {
	raw := encodeBlock(payload)
	return store.WritePages(startPage, raw)
}
