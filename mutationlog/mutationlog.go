// Package mutationlog implements the Mutation Log (spec.md §4.2): an
// ordered set of on-disk segments fronted by a batching pending buffer,
// with ordered replay and decree-aware garbage collection.
package mutationlog

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	logger "github.com/rs/zerolog/log"

	"github.com/lishenglong/rDSN/config"
	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
	"github.com/lishenglong/rDSN/segment"
	"github.com/pkg/errors"
)

// ReplayCallback is invoked, in log order, with every mutation recovered
// from the on-disk log.
type ReplayCallback func(m *messages.Mutation) error

// MutationLog is the process-wide (or, in a sharded deployment, per-shard)
// append-only log described by spec.md §3/§4.2.
type MutationLog struct {
	dir  string
	opts config.Options

	mu                  sync.Mutex
	segments            map[uint32]*segment.Segment
	current             *segment.Segment
	globalStartOffset   int64
	globalEndOffset     int64
	lastFileNumber      uint32
	initPreparedDecrees map[gpid.GPID]gpid.Decree
	maxStalenessForCommit int32
	pending             *pendingBuffer

	writable bool
}

// New constructs a MutationLog rooted at dir, not yet initialized.
func New(dir string, opts config.Options) *MutationLog {
	return &MutationLog{
		dir:                 dir,
		opts:                opts,
		segments:            make(map[uint32]*segment.Segment),
		initPreparedDecrees: make(map[gpid.GPID]gpid.Decree),
	}
}

// GlobalStartOffset returns the first valid byte offset across all
// segments.
func (l *MutationLog) GlobalStartOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalStartOffset
}

// GlobalEndOffset returns the offset just past the last valid byte in the
// log.
func (l *MutationLog) GlobalEndOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalEndOffset
}

// Initialize scans dir for segment files, opens each read-only, and
// verifies that segment indices are contiguous starting from the lowest
// present. After Initialize, the log is in read-only replay mode (spec.md
// §4.2).
func (l *MutationLog) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return messages.Errorf(messages.FileOperationFailed, "could not create log dir %s: %v", l.dir, err)
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return messages.Errorf(messages.FileOperationFailed, "could not scan log dir %s: %v", l.dir, err)
	}

	var indices []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, start, ok := segment.ParseFileName(e.Name())
		if !ok {
			continue // ignores .removed and unrecognized files
		}
		seg, err := segment.OpenForRead(filepath.Join(l.dir, e.Name()))
		if err != nil {
			return messages.Errorf(messages.FileOperationFailed, "could not open segment %s: %v", e.Name(), err)
		}
		if seg.StartOffset != start {
			return messages.NewError(messages.FileOperationFailed, "segment filename/start_offset inconsistency")
		}
		l.segments[idx] = seg
		indices = append(indices, idx)
	}

	if len(indices) == 0 {
		return nil // freshly created directory, nothing to replay yet
	}

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for i := 1; i < len(indices); i++ {
		if indices[i] != indices[i-1]+1 {
			return messages.Errorf(messages.MissingSegment,
				"segment index gap: %d followed by %d", indices[i-1], indices[i])
		}
	}

	l.lastFileNumber = indices[len(indices)-1]
	l.globalStartOffset = l.segments[indices[0]].StartOffset
	l.globalEndOffset = l.segments[indices[len(indices)-1]].EndOffset()

	return nil
}

// StartWriteService opens the log for appends, seeding the header of the
// first writable segment with initMaxDecrees and recording
// maxStalenessForCommit in every new segment's header (spec.md §4.2).
func (l *MutationLog) StartWriteService(initMaxDecrees map[gpid.GPID]gpid.Decree, maxStalenessForCommit int32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current != nil {
		return messages.NewError(messages.InvalidState, "write service already started")
	}

	for g, d := range initMaxDecrees {
		l.initPreparedDecrees[g] = d
	}
	l.maxStalenessForCommit = maxStalenessForCommit
	l.writable = true

	return l.createNewSegmentLocked()
}

// createNewSegmentLocked implements create_new_log_file (spec.md §4.2):
// it creates the next segment, writes its header into a fresh pending
// buffer seeded with the current init_prepared_decrees snapshot, and
// issues that header's write at once, ahead of any mutation buffer. The
// write itself completes asynchronously, like every other flush.
func (l *MutationLog) createNewSegmentLocked() error {
	newIndex := l.lastFileNumber + 1
	newStart := l.globalEndOffset

	seg, err := segment.CreateForWrite(l.dir, newIndex, newStart, l.opts.WriteTaskMaxCount)
	if err != nil {
		return messages.Errorf(messages.FileOperationFailed, "could not create segment: %v", err)
	}

	snapshot := make(map[gpid.GPID]gpid.Decree, len(l.initPreparedDecrees))
	for g, d := range l.initPreparedDecrees {
		snapshot[g] = d
	}

	p := newPendingBuffer(newStart)
	p.isHeader = true
	p.buf, _ = seg.WriteHeader(nil, snapshot, int32(l.opts.LogBufferSizeBytes()), l.maxStalenessForCommit)
	l.globalEndOffset += int64(len(p.buf))

	l.lastFileNumber = newIndex
	l.segments[newIndex] = seg
	l.current = seg

	if l.globalStartOffset == 0 && len(l.segments) == 1 {
		l.globalStartOffset = newStart
	}

	return l.issueFlushLocked(p)
}

// Append assigns a log offset to m, buffers its serialized form, and
// arranges for completionCallback to fire once the containing flush has
// completed (spec.md §4.2).
func (l *MutationLog) Append(m *messages.Mutation, completionCallback func(err error, n int)) (*Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.writable {
		return nil, messages.NewError(messages.InvalidState, "mutation log is not open for writes")
	}

	if l.pending == nil {
		l.pending = newPendingBuffer(l.globalEndOffset)
		l.globalEndOffset += int64(len(l.pending.buf))
		if l.opts.BatchWrite {
			pendingRef := l.pending
			l.pending.timer = time.AfterFunc(time.Duration(l.opts.LogPendingMaxMS)*time.Millisecond, func() {
				l.onFlushTimer(pendingRef)
			})
		}
	}

	m.LogOffset = l.globalEndOffset

	existing := l.initPreparedDecrees[m.GPID]
	if m.Decree > existing {
		l.initPreparedDecrees[m.GPID] = m.Decree
	}

	l.pending.appendMutation(m)
	l.globalEndOffset += int64(m.SerializedSize())

	task := newTask()
	l.pending.callbacks = append(l.pending.callbacks, callbackEntry{fn: completionCallback, task: task})

	if !l.opts.BatchWrite {
		p := l.pending
		l.pending = nil
		if err := l.issueFlushLocked(p); err != nil {
			return task, err
		}
		return task, nil
	}

	if int64(l.pending.size()) >= l.opts.LogBufferSizeBytes() {
		if l.pending.timer != nil {
			l.pending.timer.Stop()
		}
		p := l.pending
		l.pending = nil
		if err := l.issueFlushLocked(p); err != nil {
			return task, err
		}
	}

	return task, nil
}

// onFlushTimer fires log_pending_max_ms after a pending buffer is opened.
// If p is still the live pending buffer, it is flushed now; if append
// already flushed it (buffer crossed the size threshold first), this is a
// no-op.
func (l *MutationLog) onFlushTimer(p *pendingBuffer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending != p {
		return
	}
	l.pending = nil

	if err := l.issueFlushLocked(p); err != nil {
		logger.Error().Err(err).Msg("timer-triggered flush failed")
	}
}

// issueFlushLocked seals p, issues its write against the current segment,
// and rolls over to a new segment if the current one has now reached
// max_log_file_size. Must be called with l.mu held; the caller must have
// already removed p from l.pending.
func (l *MutationLog) issueFlushLocked(p *pendingBuffer) error {
	p.seal()
	p.state = 2 // Issued

	seg := l.current
	_, err := seg.WriteLogEntry(p.buf, p.startOffset, func(err error, n int) {
		p.notify(err, n)
	})
	if err != nil {
		p.notify(err, 0)
		return err
	}

	if seg.EndOffset()-seg.StartOffset >= l.opts.MaxLogFileBytes() {
		if rerr := l.createNewSegmentLocked(); rerr != nil {
			logger.Error().Err(rerr).Msg("could not roll over to new log segment")
			return rerr
		}
	}

	return nil
}

// Close waits for any armed timer to drain, flushes whatever is pending,
// then closes the current segment. Idempotent.
func (l *MutationLog) Close() error {
	l.mu.Lock()

	for l.pending != nil && l.pending.timer != nil {
		didCancel := l.pending.timer.Stop()
		if didCancel {
			break
		}
		// The timer fired concurrently and is about to flush this
		// buffer on its own; spin-wait for it to clear l.pending, per
		// spec.md §5's cancel/didFinish resolution.
		l.mu.Unlock()
		time.Sleep(time.Millisecond)
		l.mu.Lock()
	}

	if l.pending != nil {
		p := l.pending
		l.pending = nil
		if err := l.issueFlushLocked(p); err != nil {
			l.mu.Unlock()
			return err
		}
	}

	current := l.current
	l.writable = false
	l.mu.Unlock()

	if current != nil {
		return current.Close()
	}
	return nil
}

// OnPartitionRemoved erases gpid's entry from init_prepared_decrees
// (spec.md §4.2).
func (l *MutationLog) OnPartitionRemoved(g gpid.GPID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.initPreparedDecrees, g)
}

// ResetPartition reseeds init_prepared_decrees[gpid] without requiring a
// log restart, used when a partition is re-created after being fully
// garbage collected (original_source/mutation_log.cpp behavior, see
// SPEC_FULL.md "Supplemented Features").
func (l *MutationLog) ResetPartition(g gpid.GPID, decree gpid.Decree) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initPreparedDecrees[g] = decree
}

// Replay streams every mutation recorded in the log, in log order, to
// callback. A trailing corruption within the last segment's final
// log_buffer_size_bytes window truncates global_end_offset and still
// returns messages.InvalidData so the caller can note potential data
// loss; any other corruption is fatal.
func (l *MutationLog) Replay(callback ReplayCallback) error {
	l.mu.Lock()
	var indices []uint32
	for idx := range l.segments {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	l.mu.Unlock()

	running := l.GlobalStartOffset()

	for i, idx := range indices {
		l.mu.Lock()
		seg := l.segments[idx]
		l.mu.Unlock()

		if seg.StartOffset != running {
			return messages.Errorf(messages.InvalidData,
				"segment %d start_offset %d != running offset %d", idx, seg.StartOffset, running)
		}

		f, err := os.Open(seg.Path)
		if err != nil {
			return messages.Errorf(messages.FileOperationFailed, "could not open segment %s for replay: %v", seg.Path, err)
		}
		r := bufio.NewReader(f)

		n, err := seg.ReadHeader(r)
		if err != nil {
			f.Close()
			return errors.WithMessagef(err, "could not read header of segment %d", idx)
		}
		running += int64(n)

		isLast := i == len(indices)-1

		for {
			entry, err := seg.ReadNextLogEntry(r)
			if err != nil {
				if messages.CodeOf(err) == messages.HandleEOF || err.Error() == "EOF" {
					break
				}
				if messages.CodeOf(err) == messages.InvalidData {
					f.Close()
					if isLast && running+int64(seg.Header().LogBufferSizeBytes) >= seg.EndOffset() {
						l.mu.Lock()
						l.globalEndOffset = running
						l.mu.Unlock()
						return messages.NewError(messages.InvalidData, "truncated tail of last segment")
					}
					return err
				}
				f.Close()
				return err
			}

			body := entry[messages.MsgHdrSerializedSize:]
			running += int64(messages.MsgHdrSerializedSize)

			muts, err := messages.SplitMutations(body)
			if err != nil {
				f.Close()
				return err
			}

			for _, m := range muts {
				if m.LogOffset != running {
					f.Close()
					return messages.Errorf(messages.InvalidData,
						"mutation log_offset %d != running offset %d", m.LogOffset, running)
				}
				if err := callback(m); err != nil {
					f.Close()
					return errors.WithMessage(err, "replay callback failed")
				}
				running += int64(m.SerializedSize())
			}
		}

		f.Close()
	}

	return nil
}

// GarbageCollection removes every whole segment whose init_prepared_decrees
// are all covered by durableDecrees, stopping short of the current
// writable segment (spec.md §4.2). It returns the number of segments
// removed.
func (l *MutationLog) GarbageCollection(durableDecrees map[gpid.GPID]gpid.Decree) int {
	l.mu.Lock()

	var indices []uint32
	for idx := range l.segments {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] }) // descending

	keepFrom := uint32(0)
	for _, idx := range indices {
		seg := l.segments[idx]
		if err := seg.LoadHeader(); err != nil {
			logger.Warn().Err(err).Str("segment", seg.Path).Msg("could not load segment header for garbage collection")
			continue
		}
		covered := true
		for g, initDecree := range seg.Header().InitPreparedDecrees {
			// durableDecrees[g] defaults to gpid.InvalidDecree (0) when the
			// caller's durable map has no entry for g, so an untracked
			// partition is conservatively never covered -- spec.md §8's
			// "garbage_collection(D) preserves every mutation m with
			// m.decree > D[m.gpid]" invariant reads D[g] this way.
			if durableDecrees[g] < initDecree {
				covered = false
				break
			}
		}
		if covered {
			keepFrom = idx
			break
		}
	}

	var toRemove []*segment.Segment
	if keepFrom > 0 {
		for idx, seg := range l.segments {
			if idx < keepFrom {
				toRemove = append(toRemove, seg)
			}
		}
	}

	for _, seg := range toRemove {
		delete(l.segments, seg.Index)
	}
	if len(toRemove) > 0 {
		var remaining []uint32
		for idx := range l.segments {
			remaining = append(remaining, idx)
		}
		sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
		if len(remaining) > 0 {
			l.globalStartOffset = l.segments[remaining[0]].StartOffset
		}
	}
	l.mu.Unlock()

	for _, seg := range toRemove {
		seg.Close()
		if err := segment.Remove(seg.Path); err != nil {
			logger.Warn().Err(err).Str("segment", seg.Path).Msg("could not remove garbage collected segment")
		}
	}

	return len(toRemove)
}
