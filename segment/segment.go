// Package segment implements the mutation log's single-file unit: an
// append-only segment with a fixed header, a framed record stream, and
// single-writer/many-reader file access (spec.md §4.1, "Log Segment").
package segment

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
	"github.com/pkg/errors"
)

var filenamePattern = regexp.MustCompile(`^log\.(\d+)\.(-?\d+)$`)

// WriteTask represents one outstanding asynchronous write issued against a
// segment. Wait blocks until the write's completion handler has run.
type WriteTask struct {
	done chan struct{}
	err  error
}

func newWriteTask() *WriteTask {
	return &WriteTask{done: make(chan struct{})}
}

func (t *WriteTask) finish(err error) {
	t.err = err
	close(t.done)
}

func (t *WriteTask) Wait() error {
	<-t.done
	return t.err
}

// Segment is one append-only log file.
type Segment struct {
	Index       uint32
	StartOffset int64
	Path        string

	header   *messages.LogHeader
	file     *os.File
	isRead   bool

	mu        sync.Mutex
	endOffset int64

	writeTaskSem chan struct{}
	writeWG      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// FileName returns the canonical on-disk name for a segment with the
// given index and start offset (spec.md §6).
func FileName(index uint32, startOffset int64) string {
	return fmt.Sprintf("log.%d.%d", index, startOffset)
}

// ParseFileName extracts (index, startOffset) from a segment file name. ok
// is false when name does not match log.<u32>.<i64> exactly, which
// includes a name carrying the ".removed" suffix.
func ParseFileName(name string) (index uint32, startOffset int64, ok bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	idx, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	off, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return uint32(idx), off, true
}

// OpenForRead opens an existing segment file read-only, parsing its name
// for (index, start_offset) and deriving end_offset from the file size.
func OpenForRead(path string) (*Segment, error) {
	base := filepath.Base(path)
	index, startOffset, ok := ParseFileName(base)
	if !ok {
		return nil, messages.Errorf(messages.MissingSegment, "invalid segment filename %s", base)
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not open segment %s for read", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.WithMessagef(err, "could not stat segment %s", path)
	}

	return &Segment{
		Index:       index,
		StartOffset: startOffset,
		Path:        path,
		file:        f,
		isRead:      true,
		endOffset:   startOffset + fi.Size(),
	}, nil
}

// CreateForWrite creates a new, empty segment file for read/write use.
func CreateForWrite(dir string, index uint32, startOffset int64, writeTaskCap int) (*Segment, error) {
	path := filepath.Join(dir, FileName(index, startOffset))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not create segment %s", path)
	}
	if writeTaskCap <= 0 {
		writeTaskCap = 1
	}
	return &Segment{
		Index:        index,
		StartOffset:  startOffset,
		Path:         path,
		file:         f,
		isRead:       false,
		endOffset:    startOffset,
		writeTaskSem: make(chan struct{}, writeTaskCap),
	}, nil
}

// EndOffset returns the current end offset (start_offset + bytes written)
// of the segment.
func (s *Segment) EndOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endOffset
}

// Header returns the header parsed by ReadHeader, or nil if not yet read.
func (s *Segment) Header() *messages.LogHeader { return s.header }

// WriteHeader appends the segment's header envelope to pending, the
// in-memory pending write buffer, and returns the number of bytes
// appended. It must be the first bytes written to a fresh segment.
func (s *Segment) WriteHeader(pending []byte, initPreparedDecrees map[gpid.GPID]gpid.Decree, logBufferSizeBytes int32, maxStalenessForCommit int32) ([]byte, int) {
	h := &messages.LogHeader{
		StartGlobalOffset:     s.StartOffset,
		LogBufferSizeBytes:    logBufferSizeBytes,
		MaxStalenessForCommit: maxStalenessForCommit,
		InitPreparedDecrees:   initPreparedDecrees,
	}
	s.header = h

	body := messages.EncodeLogHeader(h)
	before := len(pending)
	pending = messages.WriteMsgHdr(pending, body, 0)
	return pending, len(pending) - before
}

// ReadHeader reads one envelope from r and parses its body as a LogHeader,
// storing the result on the segment.
func (s *Segment) ReadHeader(r io.Reader) (int, error) {
	bodyLen, crc, _, err := messages.ReadMsgHdr(r)
	if err != nil {
		return 0, err
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, errors.WithMessage(err, "could not read log header body")
	}
	if crc32.ChecksumIEEE(body) != crc {
		return 0, messages.NewError(messages.WrongChecksum, "log header crc mismatch")
	}

	h, err := messages.DecodeLogHeader(body)
	if err != nil {
		return 0, err
	}
	s.header = h

	return messages.MsgHdrSerializedSize + int(bodyLen), nil
}

// LoadHeader reads and caches the segment's header directly from its file
// handle, for callers (e.g. garbage collection) that need header.go's
// InitPreparedDecrees without driving a full replay. A no-op if the
// header is already cached.
func (s *Segment) LoadHeader() error {
	if s.header != nil {
		return nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return errors.WithMessagef(err, "could not seek segment %s", s.Path)
	}
	_, err := s.ReadHeader(bufio.NewReader(s.file))
	return err
}

// ReadNextLogEntry reads one framed record (envelope header + body) from
// r. It returns io.EOF at a clean end of stream, messages.InvalidData if
// the body fails its CRC check or is truncated.
func (s *Segment) ReadNextLogEntry(r *bufio.Reader) ([]byte, error) {
	bodyLen, crc, id, err := messages.ReadMsgHdr(r)
	if err != nil {
		if messages.CodeOf(err) == messages.HandleEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, messages.NewError(messages.InvalidData, "truncated envelope body")
	}
	if crc32.ChecksumIEEE(body) != crc {
		return nil, messages.NewError(messages.InvalidData, "envelope crc mismatch")
	}

	full := messages.WriteMsgHdr(nil, body, id)
	return full, nil
}

// WriteLogEntry issues an asynchronous write of buf at the given absolute
// offset. The caller must pass offset == EndOffset(); on issue success,
// EndOffset advances by len(buf) before the data has necessarily reached
// disk, and completionHandler runs once the write (or its failure) is
// known.
func (s *Segment) WriteLogEntry(buf []byte, offset int64, completionHandler func(err error, n int)) (*WriteTask, error) {
	if s.isRead {
		return nil, messages.NewError(messages.InvalidState, "cannot write to a read-only segment")
	}

	s.mu.Lock()
	if offset != s.endOffset {
		s.mu.Unlock()
		return nil, messages.Errorf(messages.InvalidState, "write offset %d != end_offset %d", offset, s.endOffset)
	}
	s.endOffset = offset + int64(len(buf))
	s.mu.Unlock()

	task := newWriteTask()

	// write_task_max_count reached: this blocks until a slot frees up.
	// WriteLogEntry is called synchronously from issueFlushLocked with the
	// mutation log's lock held (from Append on the owning partition's task
	// runner, or from the flush timer), so a full semaphore stalls every
	// appender rather than just the caller -- a deliberate
	// trade against the "everything else is non-blocking" guideline,
	// made to keep outstanding writes bounded (see Open Question #3).
	s.writeTaskSem <- struct{}{}

	s.writeWG.Add(1)
	go func() {
		defer s.writeWG.Done()
		defer func() { <-s.writeTaskSem }()

		n, err := s.file.WriteAt(buf, offset-s.StartOffset)
		if err != nil {
			err = errors.WithMessagef(err, "write failed at offset %d", offset)
		}
		if completionHandler != nil {
			completionHandler(err, n)
		}
		task.finish(err)
	}()

	return task, nil
}

// Close waits for all outstanding writes, then closes the file handle.
// Idempotent.
func (s *Segment) Close() error {
	s.closeOnce.Do(func() {
		s.writeWG.Wait()
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}

// Remove marks the segment removed on disk by renaming it with a
// ".removed" suffix so a directory scan ignores it, then unlinks it.
func Remove(path string) error {
	removed := path + ".removed"
	if err := os.Rename(path, removed); err != nil {
		return errors.WithMessagef(err, "could not mark segment %s removed", path)
	}
	return os.Remove(removed)
}
