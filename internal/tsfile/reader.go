package tsfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"tsengine/internal/bloom"
	"tsengine/internal/record"
	"tsengine/internal/tsfileformat"
)

// Reader opens a sealed data file for metadata lookups and chunk reads. A
// Reader is safe for concurrent use by multiple goroutines: it only ever
// performs positioned reads (ReadAt) against the underlying *os.File.
type Reader struct {
	f              *os.File
	size           int64
	fm             fileMetadataHeader
	fileMetaStart  int64
	bloomCache     *bloom.Filter
}

// Open validates the head and tail magic, reads the file-metadata header,
// and returns a Reader ready for GetChunkMetadata/ReadChunk calls.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tsfile: open %s: %w", path, err)
	}
	r := &Reader{f: f}
	if err := r.init(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) init() error {
	info, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("tsfile: stat: %w", err)
	}
	r.size = info.Size()
	if r.size < int64(tsfileformat.HeaderLen+len(tsfileformat.Magic)+4) {
		return tsfileformat.ErrFileTooShort
	}

	head := make([]byte, tsfileformat.HeaderLen)
	if _, err := r.f.ReadAt(head, 0); err != nil {
		return fmt.Errorf("tsfile: read head: %w", err)
	}
	if err := tsfileformat.DecodeHeader(head); err != nil {
		return err
	}

	tailMagic := make([]byte, len(tsfileformat.Magic))
	if _, err := r.f.ReadAt(tailMagic, r.size-int64(len(tsfileformat.Magic))); err != nil {
		return fmt.Errorf("tsfile: read tail magic: %w", err)
	}
	if string(tailMagic) != tsfileformat.Magic {
		return tsfileformat.ErrBadMagic
	}

	sizeBuf := make([]byte, 4)
	sizePos := r.size - int64(len(tsfileformat.Magic)) - 4
	if _, err := r.f.ReadAt(sizeBuf, sizePos); err != nil {
		return fmt.Errorf("tsfile: read file-metadata size: %w", err)
	}
	fmSize := int64(binary.LittleEndian.Uint32(sizeBuf))
	fmStart := sizePos - fmSize
	if fmStart < 0 {
		return fmt.Errorf("tsfile: file-metadata size %d exceeds file", fmSize)
	}

	fmHeaderBuf := make([]byte, fileMetadataHeaderLen)
	if _, err := r.f.ReadAt(fmHeaderBuf, sizePos-fileMetadataHeaderLen); err != nil {
		return fmt.Errorf("tsfile: read file-metadata header: %w", err)
	}
	fm, err := decodeFileMetadataHeader(fmHeaderBuf)
	if err != nil {
		return err
	}
	r.fm = fm
	r.fileMetaStart = fmStart
	return nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// ReadBloomFilter loads the file's bloom filter over device.measurement
// keys (spec §4.3's cache bypass consults this without touching the
// index).
func (r *Reader) ReadBloomFilter() (*bloom.Filter, error) {
	if r.bloomCache != nil {
		return r.bloomCache, nil
	}
	buf := make([]byte, r.fm.BloomSize)
	if _, err := r.f.ReadAt(buf, r.fm.BloomOffset); err != nil {
		return nil, fmt.Errorf("tsfile: read bloom filter: %w", err)
	}
	flt, err := bloom.ReadFilter(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("tsfile: decode bloom filter: %w", err)
	}
	r.bloomCache = flt
	return flt, nil
}

// GetChunkMetadataList returns every chunk for one device/measurement,
// sorted by start time ascending, by descending the index tree: device
// level then measurement level (spec §4.1).
func (r *Reader) GetChunkMetadataList(device, measurement string) ([]ChunkMetadata, error) {
	sb, err := r.lookupSeries(device, measurement)
	if err != nil {
		return nil, err
	}
	if sb == nil {
		return nil, nil
	}
	sort.Slice(sb, func(i, j int) bool { return sb[i].Stats.StartTime < sb[j].Stats.StartTime })
	return sb, nil
}

// GetChunkMetadataListBulk returns chunk metadata for many measurements
// under one device in as few I/Os as possible: the leaf-measurement node's
// contiguous run is read once and every requested measurement is sliced
// out of that single buffer, rather than one positioned read per
// measurement (spec §4.1's bulk-read heuristic; callers should reach for
// this once |measurements| crosses BulkReadThreshold).
func (r *Reader) GetChunkMetadataListBulk(device string, measurements []string) (map[string][]ChunkMetadata, error) {
	measRoot, measRootType, err := r.descendToDevice(device)
	if err != nil {
		return nil, err
	}
	if measRoot == nil {
		return map[string][]ChunkMetadata{}, nil
	}

	leaves, err := r.collectLeafMeasurementNodes(*measRoot, measRootType)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(measurements))
	for _, m := range measurements {
		want[m] = true
	}

	out := make(map[string][]ChunkMetadata)
	for _, leaf := range leaves {
		if leaf.runEnd <= leaf.runStart {
			continue
		}
		buf := make([]byte, leaf.runEnd-leaf.runStart)
		if _, err := r.f.ReadAt(buf, leaf.runStart); err != nil {
			return nil, fmt.Errorf("tsfile: bulk read series run: %w", err)
		}
		for _, e := range leaf.entries {
			if !want[e.key] {
				continue
			}
			recOff := e.childOffset - leaf.runStart
			if recOff < 0 || recOff >= int64(len(buf)) {
				continue
			}
			meas, _, chunks, err := decodeSeriesRecord(buf[recOff:])
			if err != nil {
				return nil, fmt.Errorf("tsfile: decode bulk series record for %q: %w", e.key, err)
			}
			out[meas] = append(out[meas], chunks...)
		}
	}
	for k := range out {
		sort.Slice(out[k], func(i, j int) bool { return out[k][i].Stats.StartTime < out[k][j].Stats.StartTime })
	}
	return out, nil
}

// ListDevices returns every device recorded in this file's index, sorted —
// used by the merge engine to discover which devices two or more source
// files share without having to know the device set up front.
func (r *Reader) ListDevices() ([]string, error) {
	root, _, err := r.readIndexNodeAt(r.fm.IndexRootOffset, tsfileformat.MetadataIndexNodeType(r.fm.IndexRootType))
	if err != nil {
		return nil, err
	}
	leaves, err := r.collectLeafDeviceNodes(root, tsfileformat.MetadataIndexNodeType(r.fm.IndexRootType))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, leaf := range leaves {
		for _, e := range leaf.entries {
			out = append(out, e.key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListMeasurements returns every measurement recorded for device, sorted.
func (r *Reader) ListMeasurements(device string) ([]string, error) {
	measRootOffset, measRootType, err := r.descendToDevice(device)
	if err != nil {
		return nil, err
	}
	if measRootOffset == nil {
		return nil, nil
	}
	node, _, err := r.readIndexNodeAt(*measRootOffset, measRootType)
	if err != nil {
		return nil, err
	}
	leaves, err := r.collectLeafMeasurementNodes(node, measRootType)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, leaf := range leaves {
		for _, e := range leaf.entries {
			out = append(out, e.key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Reader) collectLeafDeviceNodes(node indexNode, typ tsfileformat.MetadataIndexNodeType) ([]indexNode, error) {
	if typ == tsfileformat.LeafDevice {
		return []indexNode{node}, nil
	}
	var leaves []indexNode
	for _, e := range node.entries {
		child, _, err := r.readIndexNodeAt(e.childOffset, e.childType)
		if err != nil {
			return nil, fmt.Errorf("tsfile: read device child: %w", err)
		}
		sub, err := r.collectLeafDeviceNodes(child, e.childType)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, sub...)
	}
	return leaves, nil
}

func (r *Reader) collectLeafMeasurementNodes(node indexNode, typ tsfileformat.MetadataIndexNodeType) ([]indexNode, error) {
	if typ == tsfileformat.LeafMeasurement {
		return []indexNode{node}, nil
	}
	var leaves []indexNode
	for _, e := range node.entries {
		child, _, err := r.readIndexNodeAt(e.childOffset, e.childType)
		if err != nil {
			return nil, fmt.Errorf("tsfile: read measurement child: %w", err)
		}
		sub, err := r.collectLeafMeasurementNodes(child, e.childType)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, sub...)
	}
	return leaves, nil
}

// lookupSeries performs an exact descent: device level, then measurement
// level, then reads the single series record addressed by the leaf entry.
func (r *Reader) lookupSeries(device, measurement string) ([]ChunkMetadata, error) {
	measRootOffset, measRootType, err := r.descendToDevice(device)
	if err != nil {
		return nil, err
	}
	if measRootOffset == nil {
		return nil, nil
	}

	node, _, err := r.readIndexNodeAt(*measRootOffset, measRootType)
	if err != nil {
		return nil, err
	}
	for node.typ != tsfileformat.LeafMeasurement {
		idx := sort.Search(len(node.entries), func(i int) bool { return node.entries[i].key > measurement }) - 1
		if idx < 0 {
			return nil, nil
		}
		e := node.entries[idx]
		node, _, err = r.readIndexNodeAt(e.childOffset, e.childType)
		if err != nil {
			return nil, err
		}
	}

	idx := sort.Search(len(node.entries), func(i int) bool { return node.entries[i].key >= measurement })
	if idx >= len(node.entries) || node.entries[idx].key != measurement {
		return nil, nil
	}
	recOff := node.entries[idx].childOffset
	lengthBuf := make([]byte, 4)
	if _, err := r.f.ReadAt(lengthBuf, recOff); err != nil {
		return nil, fmt.Errorf("tsfile: read series record length: %w", err)
	}
	bodyLen := binary.LittleEndian.Uint32(lengthBuf)
	buf := make([]byte, 4+bodyLen)
	if _, err := r.f.ReadAt(buf, recOff); err != nil {
		return nil, fmt.Errorf("tsfile: read series record: %w", err)
	}
	_, _, chunks, err := decodeSeriesRecord(buf)
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// descendToDevice returns the offset and type of the device's
// measurement-root node (a LeafMeasurement or InternalMeasurement node),
// or (nil, 0, nil) if the device is absent.
func (r *Reader) descendToDevice(device string) (*int64, tsfileformat.MetadataIndexNodeType, error) {
	node, _, err := r.readIndexNodeAt(r.fm.IndexRootOffset, tsfileformat.MetadataIndexNodeType(r.fm.IndexRootType))
	if err != nil {
		return nil, 0, err
	}
	for node.typ != tsfileformat.LeafDevice {
		idx := sort.Search(len(node.entries), func(i int) bool { return node.entries[i].key > device }) - 1
		if idx < 0 {
			return nil, 0, nil
		}
		e := node.entries[idx]
		node, _, err = r.readIndexNodeAt(e.childOffset, e.childType)
		if err != nil {
			return nil, 0, err
		}
	}
	idx := sort.Search(len(node.entries), func(i int) bool { return node.entries[i].key >= device })
	if idx >= len(node.entries) || node.entries[idx].key != device {
		return nil, 0, nil
	}
	off := node.entries[idx].childOffset
	return &off, node.entries[idx].childType, nil
}

// readIndexNodeAt reads and decodes one index node, using the node's own
// encoded entry count to size the read (the node is length-self-
// describing once the fixed header is known), so no sibling-offset
// bookkeeping is required here.
func (r *Reader) readIndexNodeAt(offset int64, typ tsfileformat.MetadataIndexNodeType) (indexNode, int64, error) {
	headBuf := make([]byte, 21)
	if _, err := r.f.ReadAt(headBuf, offset); err != nil {
		return indexNode{}, 0, fmt.Errorf("tsfile: read index node header at %d: %w", offset, err)
	}
	count := binary.LittleEndian.Uint32(headBuf[17:21])

	// Entries are variable-length (key strings), so scan forward reading
	// incrementally rather than precomputing a fixed size.
	pos := offset + 21
	for i := uint32(0); i < count; i++ {
		keyLenBuf := make([]byte, 2)
		if _, err := r.f.ReadAt(keyLenBuf, pos); err != nil {
			return indexNode{}, 0, fmt.Errorf("tsfile: read entry %d key length: %w", i, err)
		}
		keyLen := int64(binary.LittleEndian.Uint16(keyLenBuf))
		pos += 2 + keyLen + 9
	}
	full := make([]byte, pos-offset)
	if _, err := r.f.ReadAt(full, offset); err != nil {
		return indexNode{}, 0, fmt.Errorf("tsfile: read index node at %d: %w", offset, err)
	}
	node, err := decodeIndexNode(full)
	if err != nil {
		return indexNode{}, 0, err
	}
	return node, pos, nil
}

// ReadChunk decompresses and decodes every page of one chunk, returning
// its samples in timestamp order.
func (r *Reader) ReadChunk(meta ChunkMetadata) ([]record.Sample, error) {
	return ReadChunkFrom(r.f, r.size, meta)
}

// ReadChunkFrom decodes one chunk directly from a positioned reader,
// without requiring a sealed file's tail metadata to be present. The
// processor's flush path uses this to serve queries against chunks that
// have been fsynced to an as-yet-unsealed file (spec §4.4: flushed data is
// queryable before the file is sealed), reading through a second,
// read-only handle to the same path.
func ReadChunkFrom(r io.ReaderAt, size int64, meta ChunkMetadata) ([]record.Sample, error) {
	if meta.Offset < 0 || meta.Offset+meta.DataSize > size {
		return nil, fmt.Errorf("tsfile: chunk at %d/%d out of file bounds", meta.Offset, meta.DataSize)
	}
	buf := make([]byte, meta.DataSize)
	if _, err := r.ReadAt(buf, meta.Offset); err != nil {
		return nil, fmt.Errorf("tsfile: read chunk: %w", err)
	}
	if buf[0] != tsfileformat.MarkerChunkHeader {
		return nil, fmt.Errorf("%w: expected chunk header marker at %d", tsfileformat.ErrUnknownMarker, meta.Offset)
	}
	off := 1
	measLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	measurement := string(buf[off : off+measLen])
	off += measLen
	dt := record.DataType(buf[off])
	enc := record.Encoding(buf[off+1])
	comp := record.Compression(buf[off+2])
	off += 3
	numPages := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4

	pageCounts := make([]int, numPages)
	for i := 0; i < numPages; i++ {
		pageCounts[i] = int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}

	schema := record.Schema{Measurement: measurement, DataType: dt, Encoding: enc, Compression: comp}
	var samples []record.Sample
	for i := 0; i < numPages; i++ {
		uncompressedSize := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		compressedSize := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		pageBytes := buf[off : off+int(compressedSize)]
		off += int(compressedSize)
		raw, err := decompressPage(pageBytes, uncompressedSize, comp)
		if err != nil {
			return nil, fmt.Errorf("tsfile: decompress page %d: %w", i, err)
		}
		pageSamples, err := decodePagePayload(raw, pageCounts[i], schema)
		if err != nil {
			return nil, fmt.Errorf("tsfile: decode page %d: %w", i, err)
		}
		samples = append(samples, pageSamples...)
	}
	return samples, nil
}
