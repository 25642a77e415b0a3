package messages

import (
	"encoding/binary"

	"github.com/lishenglong/rDSN/gpid"
)

// LogHeaderMagic identifies the first envelope body of every segment.
const LogHeaderMagic uint32 = 0xDEADBEEF

// LogHeaderVersion is the only wire version this core understands.
const LogHeaderVersion uint32 = 1

const logHeaderFixedSize = 4 + 4 + 8 + 4 + 4 // magic, version, start_global_offset, log_buffer_size_bytes, max_staleness_for_commit

// LogHeader is the body of a segment's first envelope: log_header ||
// decree_map (spec §6).
type LogHeader struct {
	StartGlobalOffset     int64
	LogBufferSizeBytes    int32
	MaxStalenessForCommit int32
	InitPreparedDecrees   map[gpid.GPID]gpid.Decree
}

// EncodeLogHeader serializes h as log_header || decree_map.
func EncodeLogHeader(h *LogHeader) []byte {
	buf := make([]byte, logHeaderFixedSize)
	binary.LittleEndian.PutUint32(buf[0:4], LogHeaderMagic)
	binary.LittleEndian.PutUint32(buf[4:8], LogHeaderVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.StartGlobalOffset))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.LogBufferSizeBytes))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.MaxStalenessForCommit))

	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(len(h.InitPreparedDecrees)))
	buf = append(buf, count...)

	for g, d := range h.InitPreparedDecrees {
		var entry [8 + 8 + 8]byte
		binary.LittleEndian.PutUint32(entry[0:4], uint32(g.AppID))
		binary.LittleEndian.PutUint32(entry[4:8], uint32(g.PartitionIndex))
		binary.LittleEndian.PutUint64(entry[8:16], uint64(d))
		buf = append(buf, entry[:]...)
	}
	return buf
}

// DecodeLogHeader parses a LogHeader from body, the decoded first envelope
// body of a segment. It fails if the magic number does not match.
func DecodeLogHeader(body []byte) (*LogHeader, error) {
	if len(body) < logHeaderFixedSize {
		return nil, NewError(InvalidData, "short log header")
	}

	magic := binary.LittleEndian.Uint32(body[0:4])
	if magic != LogHeaderMagic {
		return nil, Errorf(InvalidData, "bad log header magic %#x", magic)
	}
	version := binary.LittleEndian.Uint32(body[4:8])
	if version != LogHeaderVersion {
		return nil, Errorf(InvalidData, "unsupported log header version %d", version)
	}

	h := &LogHeader{
		StartGlobalOffset:     int64(binary.LittleEndian.Uint64(body[8:16])),
		LogBufferSizeBytes:    int32(binary.LittleEndian.Uint32(body[16:20])),
		MaxStalenessForCommit: int32(binary.LittleEndian.Uint32(body[20:24])),
		InitPreparedDecrees:   make(map[gpid.GPID]gpid.Decree),
	}

	rest := body[logHeaderFixedSize:]
	if len(rest) < 4 {
		return nil, NewError(InvalidData, "short decree map count")
	}
	count := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]

	const entrySize = 8 + 8 + 8
	if len(rest) < int(count)*entrySize {
		return nil, NewError(InvalidData, "short decree map body")
	}
	for i := uint32(0); i < count; i++ {
		off := i * entrySize
		appID := int32(binary.LittleEndian.Uint32(rest[off : off+4]))
		partIdx := int32(binary.LittleEndian.Uint32(rest[off+4 : off+8]))
		decree := gpid.Decree(binary.LittleEndian.Uint64(rest[off+8 : off+16]))
		h.InitPreparedDecrees[gpid.New(appID, partIdx)] = decree
	}

	return h, nil
}
