package tsfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"tsengine/internal/bloom"
	"tsengine/internal/record"
	"tsengine/internal/tsfileformat"
)

// Column is one measurement's samples for a single chunk-group write,
// handed to WriteChunkGroup by the memtable flush path (spec §4.4).
type Column struct {
	Schema  record.Schema
	Samples []record.Sample // must be sorted by Timestamp ascending
}

// seriesBuild accumulates everything the index/file-metadata builder needs
// once every chunk group has been written.
type seriesBuild struct {
	measurement string
	dataType    record.DataType
	chunks      []ChunkMetadata
}

type deviceBuild struct {
	device string
	series []*seriesBuild
	index  map[string]*seriesBuild
}

// Writer builds one sealed data file: a sequence of chunk groups and
// version records, followed by the metadata index tree, file metadata, a
// bloom filter, and the tail magic/size trailer (spec §3, §4.1).
type Writer struct {
	f      *os.File
	bw     *bufio.Writer
	offset int64

	// mu guards devices/deviceIndex against a concurrent ChunksSoFar call
	// from a query goroutine while a flush is mutating them.
	mu          sync.RWMutex
	devices     []*deviceBuild
	deviceIndex map[string]*deviceBuild
	bloomFilter *bloom.Filter
	closed      bool
}

// NewWriter creates path and writes the file header. expectedSeries sizes
// the bloom filter (spec §6 bloomFilterErrorRate).
func NewWriter(path string, expectedSeries uint, bloomErrorRate float64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tsfile: create %s: %w", path, err)
	}
	w := &Writer{
		f:           f,
		bw:          bufio.NewWriter(f),
		deviceIndex: make(map[string]*deviceBuild),
		bloomFilter: bloom.New(expectedSeries, bloomErrorRate),
	}
	head := tsfileformat.EncodeHeader()
	if err := w.write(head); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) write(p []byte) error {
	n, err := w.bw.Write(p)
	w.offset += int64(n)
	if err != nil {
		return fmt.Errorf("tsfile: write: %w", err)
	}
	return nil
}

func (w *Writer) deviceBuildFor(device string) *deviceBuild {
	db, ok := w.deviceIndex[device]
	if !ok {
		db = &deviceBuild{device: device, index: make(map[string]*seriesBuild)}
		w.deviceIndex[device] = db
		w.devices = append(w.devices, db)
	}
	return db
}

// WriteChunkGroup writes one device's columns as a sequence of chunks
// followed by a chunk-group footer (spec §3: "A chunk group is a
// contiguous run of chunks for one device... followed by a footer").
// version is stamped on every chunk written (the producing memtable's
// version, spec §3/§6), since one Writer spans many flush cycles across
// the lifetime of an unsealed file.
func (w *Writer) WriteChunkGroup(device string, version int64, columns []Column) error {
	if w.closed {
		return fmt.Errorf("tsfile: write to closed writer")
	}
	w.mu.Lock()
	db := w.deviceBuildFor(device)
	w.mu.Unlock()
	groupStart := w.offset

	for _, col := range columns {
		if len(col.Samples) == 0 {
			continue
		}
		meta, err := w.writeChunk(col, version)
		if err != nil {
			return err
		}
		w.mu.Lock()
		sb, ok := db.index[col.Schema.Measurement]
		if !ok {
			sb = &seriesBuild{measurement: col.Schema.Measurement, dataType: col.Schema.DataType}
			db.index[col.Schema.Measurement] = sb
			db.series = append(db.series, sb)
		}
		sb.chunks = append(sb.chunks, meta)
		w.mu.Unlock()
		w.bloomFilter.Add(device, col.Schema.Measurement)
	}

	footerLen := w.offset - groupStart
	if err := w.write([]byte{tsfileformat.MarkerChunkGroupFooter}); err != nil {
		return err
	}
	if err := w.writeLenPrefixedString(device); err != nil {
		return err
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(columns)))
	if err := w.write(tmp[:4]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(tmp[:8], uint64(footerLen))
	return w.write(tmp[:8])
}

func (w *Writer) writeLenPrefixedString(s string) error {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(s)))
	if err := w.write(tmp[:]); err != nil {
		return err
	}
	return w.write([]byte(s))
}

// writeChunk encodes one measurement's samples as one or more pages and
// writes the chunk header + pages, returning the resulting metadata.
func (w *Writer) writeChunk(col Column, version int64) (ChunkMetadata, error) {
	start := w.offset
	var stats Statistics
	for _, s := range col.Samples {
		stats.observe(s.Timestamp)
	}

	type encodedPage struct {
		uncompressed uint32
		payload      []byte
	}
	var pages []encodedPage
	for i := 0; i < len(col.Samples); i += MaxPageSamples {
		end := i + MaxPageSamples
		if end > len(col.Samples) {
			end = len(col.Samples)
		}
		payload, err := encodePagePayload(col.Samples[i:end], col.Schema)
		if err != nil {
			return ChunkMetadata{}, err
		}
		compressed := compressPage(payload, col.Schema.Compression)
		pages = append(pages, encodedPage{uncompressed: uint32(len(payload)), payload: compressed})
	}

	if err := w.write([]byte{tsfileformat.MarkerChunkHeader}); err != nil {
		return ChunkMetadata{}, err
	}
	if err := w.writeLenPrefixedString(col.Schema.Measurement); err != nil {
		return ChunkMetadata{}, err
	}
	if err := w.write([]byte{byte(col.Schema.DataType), byte(col.Schema.Encoding), byte(col.Schema.Compression)}); err != nil {
		return ChunkMetadata{}, err
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(pages)))
	if err := w.write(tmp[:4]); err != nil {
		return ChunkMetadata{}, err
	}
	// sample count per page, needed on decode to split timestamps/values
	for i := 0; i < len(col.Samples); i += MaxPageSamples {
		end := i + MaxPageSamples
		if end > len(col.Samples) {
			end = len(col.Samples)
		}
		binary.LittleEndian.PutUint32(tmp[:4], uint32(end-i))
		if err := w.write(tmp[:4]); err != nil {
			return ChunkMetadata{}, err
		}
	}
	for _, p := range pages {
		binary.LittleEndian.PutUint32(tmp[:4], p.uncompressed)
		if err := w.write(tmp[:4]); err != nil {
			return ChunkMetadata{}, err
		}
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(p.payload)))
		if err := w.write(tmp[:4]); err != nil {
			return ChunkMetadata{}, err
		}
		if err := w.write(p.payload); err != nil {
			return ChunkMetadata{}, err
		}
	}

	return ChunkMetadata{
		Measurement: col.Schema.Measurement,
		DataType:    col.Schema.DataType,
		Offset:      start,
		DataSize:    w.offset - start,
		Stats:       stats,
		Version:     version,
	}, nil
}

// ChunksSoFar returns the chunk metadata accumulated for device/
// measurement across every WriteChunkGroup call so far, even though the
// file hasn't been sealed yet. The processor uses this to let queries see
// flushed-but-unsealed data (spec §4.4).
func (w *Writer) ChunksSoFar(device, measurement string) []ChunkMetadata {
	w.mu.RLock()
	defer w.mu.RUnlock()
	db, ok := w.deviceIndex[device]
	if !ok {
		return nil
	}
	sb, ok := db.index[measurement]
	if !ok {
		return nil
	}
	out := make([]ChunkMetadata, len(sb.chunks))
	copy(out, sb.chunks)
	return out
}

// DevicesSoFar returns every device written to this file so far, even
// before the file is sealed — used by recovery to rebuild a resource
// side-car from the writer's replayed index.
func (w *Writer) DevicesSoFar() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.devices))
	for _, db := range w.devices {
		out = append(out, db.device)
	}
	return out
}

// MeasurementsSoFar returns every measurement recorded for device so far.
func (w *Writer) MeasurementsSoFar(device string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	db, ok := w.deviceIndex[device]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(db.series))
	for _, sb := range db.series {
		out = append(out, sb.measurement)
	}
	return out
}

// Flush fsyncs everything written so far without sealing the file — the
// durability point after each memtable flush, distinct from the one-time
// Close that appends the index tree and tail trailer.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("tsfile: flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("tsfile: fsync: %w", err)
	}
	return nil
}

// WriteVersionRecord appends a version marker after a chunk group (spec
// §3/§4.1's "(chunk-group | VERSION-marker)*" body grammar), recording the
// version under which later-merged data was produced.
func (w *Writer) WriteVersionRecord(version int64) error {
	if err := w.write([]byte{tsfileformat.MarkerVersion}); err != nil {
		return err
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(version))
	return w.write(tmp[:])
}

// Close writes the metadata index tree, file metadata block, bloom filter,
// and tail magic/size trailer, then fsyncs and closes the file (spec §3:
// "sealing ... fsyncs the data, writes the index/footer, fsyncs again").
func (w *Writer) Close() (err error) {
	if w.closed {
		return nil
	}
	w.closed = true
	defer func() {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
	}()

	if err = w.bw.Flush(); err != nil {
		return fmt.Errorf("tsfile: flush data: %w", err)
	}
	if err = w.f.Sync(); err != nil {
		return fmt.Errorf("tsfile: fsync data: %w", err)
	}

	fileMetaStart := w.offset
	if err = w.write([]byte{tsfileformat.MarkerSeparator}); err != nil {
		return err
	}
	indexRootOffset, indexRootType, err := writeIndexTree(w, w.devices)
	if err != nil {
		return err
	}

	bloomOffset := w.offset
	bloomBytes, err := w.bloomFilter.Bytes()
	if err != nil {
		return fmt.Errorf("tsfile: serialize bloom filter: %w", err)
	}
	if err = w.write(bloomBytes); err != nil {
		return err
	}
	bloomSize := w.offset - bloomOffset

	fm := fileMetadataHeader{
		IndexRootOffset: indexRootOffset,
		IndexRootType:   indexRootType,
		BloomOffset:     bloomOffset,
		BloomSize:       int64(bloomSize),
		FileMetaOffset:  fileMetaStart,
	}
	fmBytes := fm.encode()
	if err = w.write(fmBytes); err != nil {
		return err
	}

	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(w.offset-fileMetaStart))
	if err = w.write(tmp[:]); err != nil {
		return err
	}
	if err = w.write([]byte(tsfileformat.Magic)); err != nil {
		return err
	}
	if err = w.bw.Flush(); err != nil {
		return fmt.Errorf("tsfile: flush tail: %w", err)
	}
	if err = w.f.Sync(); err != nil {
		return fmt.Errorf("tsfile: fsync tail: %w", err)
	}
	return nil
}

// fileMetadataHeader is the small fixed record at the very end of the file
// metadata block; everything else (index tree, series records) is reached
// through it.
type fileMetadataHeader struct {
	IndexRootOffset int64
	IndexRootType   byte
	BloomOffset     int64
	BloomSize       int64
	FileMetaOffset  int64 // where the file-metadata block starts (= end of last chunk group)
}

const fileMetadataHeaderLen = 8 + 1 + 8 + 8 + 8

func (fm fileMetadataHeader) encode() []byte {
	buf := make([]byte, fileMetadataHeaderLen)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(fm.IndexRootOffset))
	buf[8] = fm.IndexRootType
	binary.LittleEndian.PutUint64(buf[9:17], uint64(fm.BloomOffset))
	binary.LittleEndian.PutUint64(buf[17:25], uint64(fm.BloomSize))
	binary.LittleEndian.PutUint64(buf[25:33], uint64(fm.FileMetaOffset))
	return buf
}

func decodeFileMetadataHeader(buf []byte) (fileMetadataHeader, error) {
	if len(buf) < fileMetadataHeaderLen {
		return fileMetadataHeader{}, fmt.Errorf("tsfile: file metadata header truncated")
	}
	var fm fileMetadataHeader
	fm.IndexRootOffset = int64(binary.LittleEndian.Uint64(buf[0:8]))
	fm.IndexRootType = buf[8]
	fm.BloomOffset = int64(binary.LittleEndian.Uint64(buf[9:17]))
	fm.BloomSize = int64(binary.LittleEndian.Uint64(buf[17:25]))
	fm.FileMetaOffset = int64(binary.LittleEndian.Uint64(buf[25:33]))
	return fm, nil
}
