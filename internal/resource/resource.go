// Package resource implements the file-resource side-car: the in-memory
// (and on-disk, via the .resource file) descriptor that tracks what time
// range each device has data for inside one sealed or unsealed data file,
// plus the merge-lineage fingerprint and close/merge/delete state (spec
// §3, §4.2, §6).
//
// Serialization follows the teacher's meta_store.go pattern: encode to a
// buffer, write it to a temp file in the same directory, fsync, then
// rename over the final path — so a reader never observes a partially
// written .resource file.
package resource

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Suffix is appended to a data file's path to name its side-car.
const Suffix = ".resource"

// FileResource describes one data file (sealed or still-open) within a
// storage group: which devices it holds data for and over what time
// range, which historical merge versions contributed to it, and its
// lifecycle flags.
//
// WriteQueryLock serializes a writer sealing/deleting the file against
// readers assembling a query data source from it (spec §4.2's per-file
// RWMutex; lock order is storage-group → partition → file-resource →
// metadata-cache, see storagegroup package doc).
type FileResource struct {
	WriteQueryLock sync.RWMutex

	Path          string
	Closed        bool // true once sealed (no further writes)
	MergeInvolved bool // true while a merge is in flight over this file
	Deleted       bool // true once removed from the partition's active list

	deviceStart map[string]int64
	deviceEnd   map[string]int64

	// HistoricalVersions is the set of version numbers whose data this
	// file's content derives from, accumulated across merges — the
	// "merge-lineage fingerprint"; a merge output inherits the union of
	// its sources' sets.
	HistoricalVersions map[int64]struct{}
}

// New creates an empty resource for a freshly opened (unsealed) file.
func New(path string) *FileResource {
	return &FileResource{
		Path:               path,
		deviceStart:        make(map[string]int64),
		deviceEnd:          make(map[string]int64),
		HistoricalVersions: make(map[int64]struct{}),
	}
}

// UpdateStartTime extends the device's recorded start time backward if ts
// precedes what's on record (monotone: a resource's bounds only ever
// widen).
func (r *FileResource) UpdateStartTime(device string, ts int64) {
	if cur, ok := r.deviceStart[device]; !ok || ts < cur {
		r.deviceStart[device] = ts
	}
}

// UpdateEndTime extends the device's recorded end time forward if ts
// follows what's on record.
func (r *FileResource) UpdateEndTime(device string, ts int64) {
	if cur, ok := r.deviceEnd[device]; !ok || ts > cur {
		r.deviceEnd[device] = ts
	}
}

// ContainsDevice reports whether this file has any recorded data for
// device.
func (r *FileResource) ContainsDevice(device string) bool {
	_, ok := r.deviceStart[device]
	return ok
}

// StillLives reports whether device could still have live (non-deleted,
// non-superseded) data after time t — used by the merge file selector to
// decide whether a file is worth including in a merge.
func (r *FileResource) StillLives(device string, t int64) bool {
	end, ok := r.deviceEnd[device]
	if !ok {
		return false
	}
	return end >= t
}

// TimeRange returns the recorded [start,end] for device, and ok=false if
// the file holds no data for it.
func (r *FileResource) TimeRange(device string) (start, end int64, ok bool) {
	start, ok = r.deviceStart[device]
	if !ok {
		return 0, 0, false
	}
	end = r.deviceEnd[device]
	return start, end, true
}

// Devices returns every device this resource has data for, sorted.
func (r *FileResource) Devices() []string {
	out := make([]string, 0, len(r.deviceStart))
	for d := range r.deviceStart {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// AddHistoricalVersion records that version contributed data merged into
// this file.
func (r *FileResource) AddHistoricalVersion(version int64) {
	r.HistoricalVersions[version] = struct{}{}
}

// HasHistoricalVersion reports whether version is already folded into this
// file's lineage.
func (r *FileResource) HasHistoricalVersion(version int64) bool {
	_, ok := r.HistoricalVersions[version]
	return ok
}

// Remove deletes the data file and its .resource side-car. Safe to call
// on a file with no side-car yet (an unsealed file that never reached
// Serialize).
func (r *FileResource) Remove() error {
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("resource: remove %s: %w", r.Path, err)
	}
	sidecar := r.Path + Suffix
	if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("resource: remove %s: %w", sidecar, err)
	}
	r.Deleted = true
	return nil
}

// GetFileSize returns the current size of the data file on disk.
func (r *FileResource) GetFileSize() (int64, error) {
	info, err := os.Stat(r.Path)
	if err != nil {
		return 0, fmt.Errorf("resource: stat %s: %w", r.Path, err)
	}
	return info.Size(), nil
}

// sidecar binary layout:
//   uint32 deviceCount
//   repeated deviceCount: uint16 nameLen, name, int64 start, int64 end
//   uint32 historicalVersionCount
//   repeated: int64 version
//   byte closed (0/1)

// Serialize writes the .resource side-car via temp-file-then-rename, the
// same durable-write pattern the teacher's MetaStore.Save uses: create a
// temp file alongside the target, write and fsync it, then atomically
// rename it into place so a crash never leaves a half-written side-car.
func (r *FileResource) Serialize() (err error) {
	sidecar := r.Path + Suffix
	dir := filepath.Dir(sidecar)
	tmp, err := os.CreateTemp(dir, filepath.Base(sidecar)+".tmp-*")
	if err != nil {
		return fmt.Errorf("resource: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("resource: chmod temp file: %w", err)
	}

	bw := bufio.NewWriter(tmp)
	if err = r.encode(bw); err != nil {
		tmp.Close()
		return err
	}
	if err = bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("resource: flush temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("resource: fsync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("resource: close temp file: %w", err)
	}
	if err = os.Rename(tmpName, sidecar); err != nil {
		return fmt.Errorf("resource: rename into place: %w", err)
	}
	return nil
}

func (r *FileResource) encode(w io.Writer) error {
	devices := r.Devices()
	if err := writeUint32(w, uint32(len(devices))); err != nil {
		return err
	}
	for _, d := range devices {
		if err := writeString(w, d); err != nil {
			return err
		}
		if err := writeInt64(w, r.deviceStart[d]); err != nil {
			return err
		}
		if err := writeInt64(w, r.deviceEnd[d]); err != nil {
			return err
		}
	}

	versions := make([]int64, 0, len(r.HistoricalVersions))
	for v := range r.HistoricalVersions {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	if err := writeUint32(w, uint32(len(versions))); err != nil {
		return err
	}
	for _, v := range versions {
		if err := writeInt64(w, v); err != nil {
			return err
		}
	}

	closedByte := byte(0)
	if r.Closed {
		closedByte = 1
	}
	_, err := w.Write([]byte{closedByte})
	return err
}

// Deserialize loads a FileResource's side-car from disk for the data file
// at path (path itself, not the .resource suffix).
func Deserialize(path string) (*FileResource, error) {
	sidecar := path + Suffix
	f, err := os.Open(sidecar)
	if err != nil {
		return nil, fmt.Errorf("resource: open %s: %w", sidecar, err)
	}
	defer f.Close()

	r := New(path)
	br := bufio.NewReader(f)

	deviceCount, err := readUint32(br)
	if err != nil {
		return nil, fmt.Errorf("resource: read device count: %w", err)
	}
	for i := uint32(0); i < deviceCount; i++ {
		name, err := readString(br)
		if err != nil {
			return nil, fmt.Errorf("resource: read device %d name: %w", i, err)
		}
		start, err := readInt64(br)
		if err != nil {
			return nil, fmt.Errorf("resource: read device %d start: %w", i, err)
		}
		end, err := readInt64(br)
		if err != nil {
			return nil, fmt.Errorf("resource: read device %d end: %w", i, err)
		}
		r.deviceStart[name] = start
		r.deviceEnd[name] = end
	}

	versionCount, err := readUint32(br)
	if err != nil {
		return nil, fmt.Errorf("resource: read version count: %w", err)
	}
	for i := uint32(0); i < versionCount; i++ {
		v, err := readInt64(br)
		if err != nil {
			return nil, fmt.Errorf("resource: read version %d: %w", i, err)
		}
		r.HistoricalVersions[v] = struct{}{}
	}

	closedByte, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("resource: read closed flag: %w", err)
	}
	r.Closed = closedByte != 0
	return r, nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
