package messages

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/lishenglong/rDSN/gpid"
	"github.com/pkg/errors"
)

// MsgHdrSerializedSize is the fixed size, in bytes, of the envelope header
// that precedes every framed record written to a log segment (spec §6
// "msg_hdr"). It is always the first thing read off a segment.
const MsgHdrSerializedSize = 4 + 4 + 4 // body_length, crc, id

// mutationHeaderSize is the fixed size of a single mutation's on-disk
// header, preceding its opaque body, inside an envelope's body.
const mutationHeaderSize = 8 + 8 + 8 + 8 + 4 + 4 // gpid, decree, ballot, log_offset, body_length, crc

// Mutation is one logical write: a header plus an opaque payload. Once
// Append has assigned LogOffset, it equals the absolute byte offset at
// which the mutation's serialized form begins in the global log stream.
type Mutation struct {
	GPID      gpid.GPID
	Decree    gpid.Decree
	Ballot    int64
	LogOffset int64
	Body      []byte
}

// SerializedSize is the number of bytes Mutation occupies once encoded.
func (m *Mutation) SerializedSize() int {
	return mutationHeaderSize + len(m.Body)
}

// EncodeMutation appends the on-disk form of m to dst and returns the
// extended slice.
func EncodeMutation(dst []byte, m *Mutation) []byte {
	body := m.Body
	crc := crc32.ChecksumIEEE(body)

	var hdr [mutationHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(m.GPID.AppID))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(m.GPID.PartitionIndex))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(m.Decree))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(m.Ballot))
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(m.LogOffset))
	binary.LittleEndian.PutUint32(hdr[32:36], uint32(len(body)))
	binary.LittleEndian.PutUint32(hdr[36:40], crc)

	dst = append(dst, hdr[:]...)
	dst = append(dst, body...)
	return dst
}

// DecodeMutation parses one mutation record from the front of b and
// returns it along with the number of bytes consumed. It returns
// WrongChecksum if the body's CRC does not validate.
func DecodeMutation(b []byte) (*Mutation, int, error) {
	if len(b) < mutationHeaderSize {
		return nil, 0, NewError(InvalidData, "short mutation header")
	}

	appID := int32(binary.LittleEndian.Uint32(b[0:4]))
	partIdx := int32(binary.LittleEndian.Uint32(b[4:8]))
	decree := gpid.Decree(binary.LittleEndian.Uint64(b[8:16]))
	ballot := int64(binary.LittleEndian.Uint64(b[16:24]))
	logOffset := int64(binary.LittleEndian.Uint64(b[24:32]))
	bodyLen := binary.LittleEndian.Uint32(b[32:36])
	crc := binary.LittleEndian.Uint32(b[36:40])

	total := mutationHeaderSize + int(bodyLen)
	if len(b) < total {
		return nil, 0, NewError(InvalidData, "truncated mutation body")
	}

	body := b[mutationHeaderSize:total]
	if crc32.ChecksumIEEE(body) != crc {
		return nil, 0, NewError(WrongChecksum, "mutation body crc mismatch")
	}

	return &Mutation{
		GPID:      gpid.New(appID, partIdx),
		Decree:    decree,
		Ballot:    ballot,
		LogOffset: logOffset,
		Body:      append([]byte(nil), body...),
	}, total, nil
}

// WriteMsgHdr appends the envelope header for a body of the given length
// to dst. id distinguishes the first (log-header) envelope of a segment
// from ordinary mutation-batch envelopes.
func WriteMsgHdr(dst []byte, body []byte, id uint32) []byte {
	var hdr [MsgHdrSerializedSize]byte
	crc := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc)
	binary.LittleEndian.PutUint32(hdr[8:12], id)
	dst = append(dst, hdr[:]...)
	dst = append(dst, body...)
	return dst
}

// ReadMsgHdr reads exactly MsgHdrSerializedSize bytes from r and returns
// the declared body length, CRC, and envelope id.
func ReadMsgHdr(r io.Reader) (bodyLen uint32, crc uint32, id uint32, err error) {
	var hdr [MsgHdrSerializedSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, 0, 0, NewError(HandleEOF, "eof reading msg_hdr")
		}
		return 0, 0, 0, errors.WithMessage(err, "could not read msg_hdr")
	}
	bodyLen = binary.LittleEndian.Uint32(hdr[0:4])
	crc = binary.LittleEndian.Uint32(hdr[4:8])
	id = binary.LittleEndian.Uint32(hdr[8:12])
	return bodyLen, crc, id, nil
}

// SplitMutations decodes every mutation record packed into body, in order.
func SplitMutations(body []byte) ([]*Mutation, error) {
	var out []*Mutation
	for len(body) > 0 {
		m, n, err := DecodeMutation(body)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		body = body[n:]
	}
	return out, nil
}
