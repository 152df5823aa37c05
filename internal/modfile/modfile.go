// Package modfile implements the .mods append-only tombstone log: delete
// operations are never applied in place, they're recorded as
// (path, delete-upper-bound-time, file-version) entries and folded in at
// read time and at merge time (spec §3, §4.5 delete, §9).
package modfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// Suffix is appended to a data file's path to name its tombstone log.
const Suffix = ".mods"

// Deletion is one tombstone: every sample for Device/Measurement with
// timestamp <= UpperBound is considered deleted, as of the moment a chunk
// whose Version is <= the deletion's FileVersion is read (spec §4.5: a
// delete only affects data already durable at the time it was issued).
type Deletion struct {
	Device      string
	Measurement string // empty means "every measurement of Device"
	UpperBound  int64
	FileVersion int64
}

// File is an open, append-only .mods log plus the deletions read from it
// so far. Append and Deletions are serialized by mu; Deletions hands out
// a copy of the cached deletion list.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File

	deletions []Deletion
}

// Open opens (creating if absent) the .mods file alongside dataPath and
// replays any existing entries.
func Open(dataPath string) (*File, error) {
	path := dataPath + Suffix
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("modfile: open %s: %w", path, err)
	}
	mf := &File{path: path, f: f}
	if err := mf.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return mf, nil
}

func (mf *File) replay() error {
	if _, err := mf.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("modfile: seek start: %w", err)
	}
	br := bufio.NewReader(mf.f)
	var good int64
	for {
		d, err := readDeletion(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn final record (crash mid-append) is tolerated: the
			// log is truncated to the last complete entry and further
			// appends continue from there, mirroring how the data file's
			// own self-check discards a torn tail.
			break
		}
		mf.deletions = append(mf.deletions, d)
		good += int64(2 + len(d.Device) + 2 + len(d.Measurement) + 8 + 8)
	}
	if err := mf.f.Truncate(good); err != nil {
		return fmt.Errorf("modfile: truncate torn tail: %w", err)
	}
	if _, err := mf.f.Seek(good, io.SeekStart); err != nil {
		return fmt.Errorf("modfile: seek end: %w", err)
	}
	return nil
}

// Append durably records a deletion: written, fsynced, and cached in
// memory before returning.
func (mf *File) Append(d Deletion) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	buf := encodeDeletion(d)
	if _, err := mf.f.Write(buf); err != nil {
		return fmt.Errorf("modfile: write deletion: %w", err)
	}
	if err := mf.f.Sync(); err != nil {
		return fmt.Errorf("modfile: fsync: %w", err)
	}
	mf.deletions = append(mf.deletions, d)
	return nil
}

// Deletions returns every deletion recorded so far, in append order.
func (mf *File) Deletions() []Deletion {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	out := make([]Deletion, len(mf.deletions))
	copy(out, mf.deletions)
	return out
}

// Close closes the underlying file handle.
func (mf *File) Close() error { return mf.f.Close() }

// Apply reports whether a sample at the given device/measurement/
// timestamp, read from a chunk of the given version, is covered by any
// recorded tombstone. A deletion only covers chunks whose version predates
// (or equals) the deletion's FileVersion (spec §4.5/§9: deletes issued
// after a chunk's data became durable must not retroactively delete data
// written afterward under the same nominal version).
func Apply(deletions []Deletion, device, measurement string, ts, chunkVersion int64) bool {
	for _, d := range deletions {
		if d.Device != device {
			continue
		}
		if d.Measurement != "" && d.Measurement != measurement {
			continue
		}
		if ts > d.UpperBound {
			continue
		}
		if chunkVersion > d.FileVersion {
			continue
		}
		return true
	}
	return false
}

// record layout: uint16 deviceLen, device, uint16 measurementLen,
// measurement, int64 upperBound, int64 fileVersion.

func encodeDeletion(d Deletion) []byte {
	buf := make([]byte, 0, 4+len(d.Device)+len(d.Measurement)+16)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(len(d.Device)))
	buf = append(buf, u16[:]...)
	buf = append(buf, d.Device...)
	binary.LittleEndian.PutUint16(u16[:], uint16(len(d.Measurement)))
	buf = append(buf, u16[:]...)
	buf = append(buf, d.Measurement...)
	var i64 [8]byte
	binary.LittleEndian.PutUint64(i64[:], uint64(d.UpperBound))
	buf = append(buf, i64[:]...)
	binary.LittleEndian.PutUint64(i64[:], uint64(d.FileVersion))
	buf = append(buf, i64[:]...)
	return buf
}

func readDeletion(r *bufio.Reader) (Deletion, error) {
	device, err := readLenString(r)
	if err != nil {
		return Deletion{}, err
	}
	measurement, err := readLenString(r)
	if err != nil {
		return Deletion{}, err
	}
	var i64 [8]byte
	if _, err := io.ReadFull(r, i64[:]); err != nil {
		return Deletion{}, err
	}
	upperBound := int64(binary.LittleEndian.Uint64(i64[:]))
	if _, err := io.ReadFull(r, i64[:]); err != nil {
		return Deletion{}, err
	}
	fileVersion := int64(binary.LittleEndian.Uint64(i64[:]))
	return Deletion{Device: device, Measurement: measurement, UpperBound: upperBound, FileVersion: fileVersion}, nil
}

func readLenString(r *bufio.Reader) (string, error) {
	var u16 [2]byte
	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(u16[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
