package tsfile

import (
	"encoding/binary"
	"os"

	"tsengine/internal/tsfileformat"
)

// SelfCheckStatus classifies what SelfCheck found at the end of a file
// (spec §4.1/§8: a crash can leave a file mid-chunk-group, mid-page, or
// with only the magic head written).
type SelfCheckStatus int

const (
	// Complete means the file ends with valid tail metadata (index tree,
	// file-metadata block, and matching head/tail magic): a normally
	// sealed file.
	Complete SelfCheckStatus = iota
	// OnlyMagicHead means the file contains nothing past the head magic —
	// as if the writer crashed before appending a single chunk group.
	OnlyMagicHead
	// Incompatible means the file is too short to even hold a head magic,
	// or the head magic/version don't match this format.
	Incompatible
	// Truncated means the file contains one or more complete chunk groups
	// (and/or version records) but ends mid-record, with no valid tail.
	// SafePosition is the byte offset to truncate to before re-opening the
	// file as a live, appendable unsealed file.
	Truncated
)

func (s SelfCheckStatus) String() string {
	switch s {
	case Complete:
		return "COMPLETE"
	case OnlyMagicHead:
		return "ONLY_MAGIC_HEAD"
	case Incompatible:
		return "INCOMPATIBLE"
	case Truncated:
		return "TRUNCATED"
	default:
		return "UNKNOWN"
	}
}

// SelfCheckResult is the outcome of walking a file's body record by
// record. SafePosition is only meaningful when Status is Truncated or
// OnlyMagicHead (in which case it equals HeaderLen).
type SelfCheckResult struct {
	Status       SelfCheckStatus
	SafePosition int64
}

// SelfCheck walks a data file's body marker by marker, classifying its
// end state without treating a torn tail as an exception: a writer
// crash mid-page or mid-footer is an expected, recoverable condition
// (spec §4.1 "self-check", spec §8 "self-check truncate to last safe
// position").
//
// On Truncated, the caller (storage-group recovery) truncates the file to
// SafePosition and reopens it as a live unsealed file, discarding the torn
// tail rather than attempting to repair it.
func SelfCheck(path string) (SelfCheckResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return SelfCheckResult{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return SelfCheckResult{}, err
	}
	size := info.Size()
	if size < int64(tsfileformat.HeaderLen) {
		return SelfCheckResult{Status: Incompatible}, nil
	}

	head := make([]byte, tsfileformat.HeaderLen)
	if _, err := f.ReadAt(head, 0); err != nil {
		return SelfCheckResult{}, err
	}
	if err := tsfileformat.DecodeHeader(head); err != nil {
		return SelfCheckResult{Status: Incompatible}, nil
	}
	if size == int64(tsfileformat.HeaderLen) {
		return SelfCheckResult{Status: OnlyMagicHead, SafePosition: int64(tsfileformat.HeaderLen)}, nil
	}

	c := &cursor{f: f, size: size, pos: int64(tsfileformat.HeaderLen)}
	lastSafe := c.pos

	for {
		markerBuf, ok := c.readN(1)
		if !ok {
			// Clean EOF right where a new record would start: the body is
			// exactly as long as its last complete record.
			return SelfCheckResult{Status: Truncated, SafePosition: lastSafe}, nil
		}
		switch markerBuf[0] {
		case tsfileformat.MarkerChunkHeader:
			if !parseChunkBody(c) {
				return SelfCheckResult{Status: Truncated, SafePosition: lastSafe}, nil
			}
		case tsfileformat.MarkerChunkGroupFooter:
			if !parseFooterBody(c) {
				return SelfCheckResult{Status: Truncated, SafePosition: lastSafe}, nil
			}
			lastSafe = c.pos
		case tsfileformat.MarkerVersion:
			if _, ok := c.readN(8); !ok {
				return SelfCheckResult{Status: Truncated, SafePosition: lastSafe}, nil
			}
			lastSafe = c.pos
		default:
			// Not a body marker: this is where the tail (index tree, file
			// metadata, bloom filter, size, magic) begins, or the file is
			// corrupt. Validate the tail independently of the body scan.
			if tailValid(f, size) {
				return SelfCheckResult{Status: Complete}, nil
			}
			return SelfCheckResult{Status: Truncated, SafePosition: lastSafe}, nil
		}
	}
}

// cursor is a forward-only reader over a file, tracking how far it got so
// a short read can be reported as "truncated here" rather than an error.
type cursor struct {
	f    *os.File
	size int64
	pos  int64
}

func (c *cursor) readN(n int64) ([]byte, bool) {
	if c.pos+n > c.size {
		return nil, false
	}
	buf := make([]byte, n)
	if _, err := c.f.ReadAt(buf, c.pos); err != nil {
		return nil, false
	}
	c.pos += n
	return buf, true
}

// parseChunkBody parses a chunk's header and pages (the marker byte is
// already consumed), reporting ok=false the moment a read would run past
// the file's end.
func parseChunkBody(c *cursor) bool {
	measLenBuf, ok := c.readN(2)
	if !ok {
		return false
	}
	measLen := int64(binary.LittleEndian.Uint16(measLenBuf))
	if _, ok := c.readN(measLen); !ok {
		return false
	}
	if _, ok := c.readN(3); !ok { // dataType, encoding, compression
		return false
	}
	numPagesBuf, ok := c.readN(4)
	if !ok {
		return false
	}
	numPages := int64(binary.LittleEndian.Uint32(numPagesBuf))
	if numPages < 0 || numPages > 1<<20 {
		return false
	}
	if _, ok := c.readN(numPages * 4); !ok { // per-page sample counts
		return false
	}
	for i := int64(0); i < numPages; i++ {
		sizesBuf, ok := c.readN(8)
		if !ok {
			return false
		}
		compressedSize := int64(binary.LittleEndian.Uint32(sizesBuf[4:8]))
		if compressedSize < 0 {
			return false
		}
		if _, ok := c.readN(compressedSize); !ok {
			return false
		}
	}
	return true
}

func parseFooterBody(c *cursor) bool {
	devLenBuf, ok := c.readN(2)
	if !ok {
		return false
	}
	devLen := int64(binary.LittleEndian.Uint16(devLenBuf))
	if _, ok := c.readN(devLen); !ok {
		return false
	}
	if _, ok := c.readN(4); !ok { // chunkCount
		return false
	}
	if _, ok := c.readN(8); !ok { // footerLen
		return false
	}
	return true
}

// tailValid checks the tail magic and file-metadata header independently
// of the body scan position, since a self-check lands on the
// MarkerSeparator byte that Writer.Close writes right where the tail
// begins.
func tailValid(f *os.File, size int64) bool {
	if size < int64(len(tsfileformat.Magic))+4+fileMetadataHeaderLen {
		return false
	}
	tailMagic := make([]byte, len(tsfileformat.Magic))
	if _, err := f.ReadAt(tailMagic, size-int64(len(tsfileformat.Magic))); err != nil {
		return false
	}
	if string(tailMagic) != tsfileformat.Magic {
		return false
	}
	sizeBuf := make([]byte, 4)
	sizePos := size - int64(len(tsfileformat.Magic)) - 4
	if _, err := f.ReadAt(sizeBuf, sizePos); err != nil {
		return false
	}
	fmSize := int64(binary.LittleEndian.Uint32(sizeBuf))
	if sizePos-fmSize < int64(tsfileformat.HeaderLen) {
		return false
	}
	fmHeaderBuf := make([]byte, fileMetadataHeaderLen)
	if _, err := f.ReadAt(fmHeaderBuf, sizePos-fileMetadataHeaderLen); err != nil {
		return false
	}
	_, err := decodeFileMetadataHeader(fmHeaderBuf)
	return err == nil
}
