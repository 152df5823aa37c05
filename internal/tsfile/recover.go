package tsfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"tsengine/internal/bloom"
	"tsengine/internal/record"
	"tsengine/internal/tsfileformat"
)

// RecoverWriter reopens an unsealed data file left behind by a crash:
// it runs SelfCheck, truncates any torn tail, and rebuilds the writer's
// in-memory device/series index by replaying the surviving chunk groups,
// so ChunksSoFar and the eventual sealed index both still cover data
// written before the crash (spec §4.1 self-check, §8 startup recovery).
//
// Chunk groups within one flush share the version stamped by the VERSION
// record that follows them (processor.finishFlush always writes one
// version record per flush, after that flush's chunk groups) — this is
// how a chunk's version is recovered even though it isn't encoded in the
// chunk bytes themselves. Chunk groups written after the last complete
// version record (a flush that fsynced its data but crashed before its
// version record landed) are discarded along with the rest of the torn
// tail, since they were never observably durable.
func RecoverWriter(path string, expectedSeries uint, bloomErrorRate float64) (w *Writer, maxVersion int64, err error) {
	check, err := SelfCheck(path)
	if err != nil {
		return nil, 0, fmt.Errorf("tsfile: recover %s: self-check: %w", path, err)
	}
	switch check.Status {
	case Incompatible:
		return nil, 0, fmt.Errorf("tsfile: recover %s: incompatible file", path)
	case Complete:
		return nil, 0, fmt.Errorf("tsfile: recover %s: file is already sealed, open it with Open instead", path)
	}

	if err := os.Truncate(path, check.SafePosition); err != nil {
		return nil, 0, fmt.Errorf("tsfile: recover %s: truncate to %d: %w", path, check.SafePosition, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("tsfile: recover %s: open: %w", path, err)
	}

	devices, maxVersion, err := scanBody(f, check.SafePosition)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("tsfile: recover %s: replay body: %w", path, err)
	}

	if _, err := f.Seek(check.SafePosition, os.SEEK_SET); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("tsfile: recover %s: seek to safe position: %w", path, err)
	}

	w = &Writer{
		f:           f,
		bw:          bufio.NewWriter(f),
		offset:      check.SafePosition,
		deviceIndex: make(map[string]*deviceBuild),
		bloomFilter: bloom.New(expectedSeries, bloomErrorRate),
	}
	for _, db := range devices {
		w.devices = append(w.devices, db)
		w.deviceIndex[db.device] = db
		for _, sb := range db.series {
			for range sb.chunks {
				w.bloomFilter.Add(db.device, sb.measurement)
			}
		}
	}
	return w, maxVersion, nil
}

// scanBody replays every complete chunk group and version record in
// [tsfileformat.HeaderLen, limit), attributing each chunk group's chunks
// to the version recorded by the next version marker, and returns the
// highest version observed.
func scanBody(f *os.File, limit int64) ([]*deviceBuild, int64, error) {
	byDevice := make(map[string]*deviceBuild)
	var order []*deviceBuild
	var maxVersion int64

	type pendingChunk struct {
		device string
		meta   ChunkMetadata
	}
	var pending []pendingChunk

	pos := int64(tsfileformat.HeaderLen)
	for pos < limit {
		markerBuf := make([]byte, 1)
		if _, err := f.ReadAt(markerBuf, pos); err != nil {
			return nil, 0, err
		}
		switch markerBuf[0] {
		case tsfileformat.MarkerChunkHeader:
			meta, next, err := replayChunk(f, pos)
			if err != nil {
				return nil, 0, err
			}
			pending = append(pending, pendingChunk{meta: meta})
			pos = next
		case tsfileformat.MarkerChunkGroupFooter:
			device, next, err := replayFooter(f, pos+1)
			if err != nil {
				return nil, 0, err
			}
			for i := range pending {
				if pending[i].device == "" {
					pending[i].device = device
				}
			}
			pos = next
		case tsfileformat.MarkerVersion:
			buf := make([]byte, 8)
			if _, err := f.ReadAt(buf, pos+1); err != nil {
				return nil, 0, err
			}
			version := int64(binary.LittleEndian.Uint64(buf))
			if version > maxVersion {
				maxVersion = version
			}
			pos += 1 + 8
			for _, pc := range pending {
				pc.meta.Version = version
				db, ok := byDevice[pc.device]
				if !ok {
					db = &deviceBuild{device: pc.device, index: make(map[string]*seriesBuild)}
					byDevice[pc.device] = db
					order = append(order, db)
				}
				sb, ok := db.index[pc.meta.Measurement]
				if !ok {
					sb = &seriesBuild{measurement: pc.meta.Measurement, dataType: pc.meta.DataType}
					db.index[pc.meta.Measurement] = sb
					db.series = append(db.series, sb)
				}
				sb.chunks = append(sb.chunks, pc.meta)
			}
			pending = pending[:0]
		default:
			return nil, 0, fmt.Errorf("tsfile: unexpected marker %d at %d during replay", markerBuf[0], pos)
		}
	}
	return order, maxVersion, nil
}

// replayChunk re-derives a chunk's ChunkMetadata (minus Version, filled in
// later from the following version record) by parsing the same layout
// writeChunk produced and decompressing each page to recover accurate
// time-range statistics.
func replayChunk(f *os.File, markerPos int64) (ChunkMetadata, int64, error) {
	pos := markerPos + 1
	lenBuf := make([]byte, 2)
	if _, err := f.ReadAt(lenBuf, pos); err != nil {
		return ChunkMetadata{}, 0, err
	}
	measLen := int64(binary.LittleEndian.Uint16(lenBuf))
	pos += 2
	measBuf := make([]byte, measLen)
	if _, err := f.ReadAt(measBuf, pos); err != nil {
		return ChunkMetadata{}, 0, err
	}
	pos += measLen

	typeBuf := make([]byte, 3)
	if _, err := f.ReadAt(typeBuf, pos); err != nil {
		return ChunkMetadata{}, 0, err
	}
	dt := record.DataType(typeBuf[0])
	enc := record.Encoding(typeBuf[1])
	comp := record.Compression(typeBuf[2])
	pos += 3

	numPagesBuf := make([]byte, 4)
	if _, err := f.ReadAt(numPagesBuf, pos); err != nil {
		return ChunkMetadata{}, 0, err
	}
	numPages := int64(binary.LittleEndian.Uint32(numPagesBuf))
	pos += 4

	pageCounts := make([]int, numPages)
	if numPages > 0 {
		buf := make([]byte, numPages*4)
		if _, err := f.ReadAt(buf, pos); err != nil {
			return ChunkMetadata{}, 0, err
		}
		for i := int64(0); i < numPages; i++ {
			pageCounts[i] = int(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
		}
	}
	pos += numPages * 4

	schema := record.Schema{DataType: dt, Encoding: enc, Compression: comp}
	var stats Statistics
	for i := int64(0); i < numPages; i++ {
		sizesBuf := make([]byte, 8)
		if _, err := f.ReadAt(sizesBuf, pos); err != nil {
			return ChunkMetadata{}, 0, err
		}
		uncompressedSize := binary.LittleEndian.Uint32(sizesBuf[0:4])
		compressedSize := int64(binary.LittleEndian.Uint32(sizesBuf[4:8]))
		pos += 8
		pageBuf := make([]byte, compressedSize)
		if _, err := f.ReadAt(pageBuf, pos); err != nil {
			return ChunkMetadata{}, 0, err
		}
		pos += compressedSize

		raw, err := decompressPage(pageBuf, uncompressedSize, comp)
		if err != nil {
			return ChunkMetadata{}, 0, fmt.Errorf("decompress page during replay: %w", err)
		}
		samples, err := decodePagePayload(raw, pageCounts[i], schema)
		if err != nil {
			return ChunkMetadata{}, 0, fmt.Errorf("decode page during replay: %w", err)
		}
		for _, s := range samples {
			stats.observe(s.Timestamp)
		}
	}

	meta := ChunkMetadata{
		Measurement: string(measBuf),
		DataType:    dt,
		Offset:      markerPos,
		DataSize:    pos - markerPos,
		Stats:       stats,
	}
	return meta, pos, nil
}

func replayFooter(f *os.File, pos int64) (device string, next int64, err error) {
	lenBuf := make([]byte, 2)
	if _, err := f.ReadAt(lenBuf, pos); err != nil {
		return "", 0, err
	}
	devLen := int64(binary.LittleEndian.Uint16(lenBuf))
	pos += 2
	devBuf := make([]byte, devLen)
	if _, err := f.ReadAt(devBuf, pos); err != nil {
		return "", 0, err
	}
	pos += devLen
	pos += 4 + 8 // chunkCount, footerLen
	return string(devBuf), pos, nil
}
