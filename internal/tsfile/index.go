package tsfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"tsengine/internal/record"
	"tsengine/internal/tsfileformat"
)

// MaxIndexFanout bounds how many entries one index node holds before the
// tree grows another internal level (spec §3's "maxDegreeOfIndexNode"
// config option, spec §6). A leaf node with more entries than this is
// split into several leaves under a new internal node.
const MaxIndexFanout = 256

// BulkReadThreshold is the measurement-count cost crossover point (spec
// §4.1): scanning every leaf under a device costs O(leaves), a
// per-measurement descent costs O(log D) each, so bulk reading only pays
// off once |measurements| exceeds D/ln(D), D = MaxIndexFanout.
func BulkReadThreshold() int {
	return int(float64(MaxIndexFanout) / math.Log(float64(MaxIndexFanout)))
}

// indexEntry is one (key, child pointer) pair inside an index node.
type indexEntry struct {
	key         string
	childOffset int64
	childType   tsfileformat.MetadataIndexNodeType
}

// indexNode is one node of the metadata index tree. runStart/runEnd are
// populated only for LeafMeasurement nodes, where they bracket the
// contiguous run of series-metadata records the node's entries address —
// letting a bulk read fetch every series under a device in one I/O instead
// of one seek per measurement (spec §4.1/§4.3 bulk-read heuristic).
type indexNode struct {
	typ      tsfileformat.MetadataIndexNodeType
	entries  []indexEntry
	runStart int64
	runEnd   int64
}

func (n indexNode) encode() []byte {
	var buf []byte
	head := make([]byte, 1+8+8+4)
	head[0] = byte(n.typ)
	binary.LittleEndian.PutUint64(head[1:9], uint64(n.runStart))
	binary.LittleEndian.PutUint64(head[9:17], uint64(n.runEnd))
	binary.LittleEndian.PutUint32(head[17:21], uint32(len(n.entries)))
	buf = append(buf, head...)
	for _, e := range n.entries {
		entryHead := make([]byte, 2)
		binary.LittleEndian.PutUint16(entryHead, uint16(len(e.key)))
		buf = append(buf, entryHead...)
		buf = append(buf, e.key...)
		rest := make([]byte, 8+1)
		binary.LittleEndian.PutUint64(rest[:8], uint64(e.childOffset))
		rest[8] = byte(e.childType)
		buf = append(buf, rest...)
	}
	return buf
}

func decodeIndexNode(buf []byte) (indexNode, error) {
	if len(buf) < 21 {
		return indexNode{}, fmt.Errorf("tsfile: index node header truncated")
	}
	n := indexNode{typ: tsfileformat.MetadataIndexNodeType(buf[0])}
	n.runStart = int64(binary.LittleEndian.Uint64(buf[1:9]))
	n.runEnd = int64(binary.LittleEndian.Uint64(buf[9:17]))
	count := binary.LittleEndian.Uint32(buf[17:21])
	off := 21
	for i := uint32(0); i < count; i++ {
		if off+2 > len(buf) {
			return indexNode{}, fmt.Errorf("tsfile: index node entry %d truncated", i)
		}
		keyLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		if off+keyLen+9 > len(buf) {
			return indexNode{}, fmt.Errorf("tsfile: index node entry %d truncated", i)
		}
		key := string(buf[off : off+keyLen])
		off += keyLen
		childOffset := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
		childType := tsfileformat.MetadataIndexNodeType(buf[off])
		off++
		n.entries = append(n.entries, indexEntry{key: key, childOffset: childOffset, childType: childType})
	}
	return n, nil
}

// writeIndexTree serializes every device's series records and builds the
// hierarchical device→measurement index, returning the root node's offset
// and type.
func writeIndexTree(w *Writer, devices []*deviceBuild) (rootOffset int64, rootType byte, err error) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].device < devices[j].device })

	var deviceEntries []indexEntry
	for _, db := range devices {
		sort.Slice(db.series, func(i, j int) bool { return db.series[i].measurement < db.series[j].measurement })

		runStart := w.offset
		var leafEntries []indexEntry
		for _, sb := range db.series {
			recOffset := w.offset
			rec := encodeSeriesRecord(sb)
			if err = w.write(rec); err != nil {
				return 0, 0, err
			}
			leafEntries = append(leafEntries, indexEntry{key: sb.measurement, childOffset: recOffset})
		}
		runEnd := w.offset

		measRootOffset, measRootType, err2 := writeFanoutLevel(w, leafEntries, tsfileformat.LeafMeasurement, tsfileformat.InternalMeasurement, runStart, runEnd)
		if err2 != nil {
			return 0, 0, err2
		}
		deviceEntries = append(deviceEntries, indexEntry{key: db.device, childOffset: measRootOffset, childType: measRootType})
	}

	root, rootT, err := writeFanoutLevel(w, deviceEntries, tsfileformat.LeafDevice, tsfileformat.InternalDevice, 0, 0)
	if err != nil {
		return 0, 0, err
	}
	return root, byte(rootT), nil
}

// writeFanoutLevel writes one or more leaf nodes of leafType over entries
// (splitting at MaxIndexFanout), and — if more than one leaf was needed —
// an internalType node over the leaves, returning the single resulting
// root's offset and type. runStart/runEnd are only meaningful when
// leafType is LeafMeasurement; a multi-leaf split otherwise builds
// internal nodes with runStart=runEnd=0.
func writeFanoutLevel(w *Writer, entries []indexEntry, leafType, internalType tsfileformat.MetadataIndexNodeType, runStart, runEnd int64) (int64, tsfileformat.MetadataIndexNodeType, error) {
	if len(entries) == 0 {
		n := indexNode{typ: leafType, runStart: runStart, runEnd: runEnd}
		off := w.offset
		if err := w.write(n.encode()); err != nil {
			return 0, 0, err
		}
		return off, leafType, nil
	}
	if len(entries) <= MaxIndexFanout {
		n := indexNode{typ: leafType, entries: entries, runStart: runStart, runEnd: runEnd}
		off := w.offset
		if err := w.write(n.encode()); err != nil {
			return 0, 0, err
		}
		return off, leafType, nil
	}

	var internalEntries []indexEntry
	for i := 0; i < len(entries); i += MaxIndexFanout {
		end := i + MaxIndexFanout
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[i:end]
		var rs, re int64
		if leafType == tsfileformat.LeafMeasurement {
			// Each leaf's run still spans the contiguous sub-range of the
			// original series-record run it covers; since entries are in
			// series-record order this sub-range is [chunk[0].childOffset,
			// next chunk's start) which we don't have precisely here, so
			// fall back to the whole run — bulk reads still work, just
			// less tightly scoped per leaf.
			rs, re = runStart, runEnd
		}
		n := indexNode{typ: leafType, entries: chunk, runStart: rs, runEnd: re}
		off := w.offset
		if err := w.write(n.encode()); err != nil {
			return 0, 0, err
		}
		internalEntries = append(internalEntries, indexEntry{key: chunk[0].key, childOffset: off, childType: leafType})
	}
	root := indexNode{typ: internalType, entries: internalEntries}
	off := w.offset
	if err := w.write(root.encode()); err != nil {
		return 0, 0, err
	}
	return off, internalType, nil
}

// encodeSeriesRecord serializes one series' chunk metadata list plus
// aggregated statistics, length-prefixed so both exact and bulk reads can
// split a buffer of concatenated records.
func encodeSeriesRecord(sb *seriesBuild) []byte {
	var stats Statistics
	for i, c := range sb.chunks {
		if i == 0 || c.Stats.StartTime < stats.StartTime {
			stats.StartTime = c.Stats.StartTime
		}
		if i == 0 || c.Stats.EndTime > stats.EndTime {
			stats.EndTime = c.Stats.EndTime
		}
		stats.Count += c.Stats.Count
	}

	body := make([]byte, 0, 64+len(sb.chunks)*48)
	measBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(measBuf, uint16(len(sb.measurement)))
	body = append(body, measBuf...)
	body = append(body, sb.measurement...)
	body = append(body, byte(sb.dataType))

	fixed := make([]byte, 8*3+4)
	binary.LittleEndian.PutUint64(fixed[0:8], uint64(stats.StartTime))
	binary.LittleEndian.PutUint64(fixed[8:16], uint64(stats.EndTime))
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(stats.Count))
	binary.LittleEndian.PutUint32(fixed[24:28], uint32(len(sb.chunks)))
	body = append(body, fixed...)

	for _, c := range sb.chunks {
		cbuf := make([]byte, 8*6+1)
		binary.LittleEndian.PutUint64(cbuf[0:8], uint64(c.Offset))
		binary.LittleEndian.PutUint64(cbuf[8:16], uint64(c.DataSize))
		binary.LittleEndian.PutUint64(cbuf[16:24], uint64(c.Stats.StartTime))
		binary.LittleEndian.PutUint64(cbuf[24:32], uint64(c.Stats.EndTime))
		binary.LittleEndian.PutUint64(cbuf[32:40], uint64(c.Stats.Count))
		binary.LittleEndian.PutUint64(cbuf[40:48], uint64(c.Version))
		cbuf[48] = byte(c.DataType)
		body = append(body, cbuf...)
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

func decodeSeriesRecord(buf []byte) (measurement string, dataType byte, chunks []ChunkMetadata, err error) {
	if len(buf) < 4 {
		return "", 0, nil, fmt.Errorf("tsfile: series record truncated")
	}
	bodyLen := binary.LittleEndian.Uint32(buf[:4])
	if uint32(len(buf)-4) < bodyLen {
		return "", 0, nil, fmt.Errorf("tsfile: series record body truncated")
	}
	body := buf[4 : 4+bodyLen]
	if len(body) < 2 {
		return "", 0, nil, fmt.Errorf("tsfile: series record measurement truncated")
	}
	measLen := int(binary.LittleEndian.Uint16(body[:2]))
	off := 2
	if off+measLen+1+28 > len(body) {
		return "", 0, nil, fmt.Errorf("tsfile: series record fixed section truncated")
	}
	measurement = string(body[off : off+measLen])
	off += measLen
	dataType = body[off]
	off++
	chunkCount := binary.LittleEndian.Uint32(body[off+24 : off+28])
	off += 28
	for i := uint32(0); i < chunkCount; i++ {
		if off+49 > len(body) {
			return "", 0, nil, fmt.Errorf("tsfile: series record chunk %d truncated", i)
		}
		cm := ChunkMetadata{Measurement: measurement}
		cm.Offset = int64(binary.LittleEndian.Uint64(body[off : off+8]))
		cm.DataSize = int64(binary.LittleEndian.Uint64(body[off+8 : off+16]))
		cm.Stats.StartTime = int64(binary.LittleEndian.Uint64(body[off+16 : off+24]))
		cm.Stats.EndTime = int64(binary.LittleEndian.Uint64(body[off+24 : off+32]))
		cm.Stats.Count = int64(binary.LittleEndian.Uint64(body[off+32 : off+40]))
		cm.Version = int64(binary.LittleEndian.Uint64(body[off+40 : off+48]))
		cm.DataType = record.DataType(body[off+48])
		off += 49
		chunks = append(chunks, cm)
	}
	return measurement, dataType, chunks, nil
}

