package mutationlog_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/lishenglong/rDSN/config"
	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
	"github.com/lishenglong/rDSN/mutationlog"
	"github.com/lishenglong/rDSN/segment"
)

func mutation(g gpid.GPID, decree gpid.Decree, body string) *messages.Mutation {
	return &messages.Mutation{GPID: g, Decree: decree, Body: []byte(body)}
}

// bigBody returns an n-byte payload, used to cross max_log_file_size
// without relying on a degenerate zero-byte threshold.
func bigBody(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

// appendSync issues m through log and blocks until its completion handler
// has run, returning whatever error it reported.
func appendSync(log *mutationlog.MutationLog, m *messages.Mutation) error {
	done := make(chan error, 1)
	_, err := log.Append(m, func(err error, n int) { done <- err })
	if err != nil {
		return err
	}
	return <-done
}

// waitWithTimeout waits for task to complete, failing the test if it
// doesn't within timeout -- used to tell "flushed immediately" apart from
// "flushed once the pending timer eventually fired".
func waitWithTimeout(task *mutationlog.Task, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- task.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		Fail("flush did not complete within timeout")
		return nil
	}
}

var _ = Describe("MutationLog", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "mutationlog-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	Context("append then replay", func() {
		It("recovers every mutation in log order after a restart", func() {
			opts := config.Default()
			opts.BatchWrite = false

			log := mutationlog.New(dir, opts)
			Expect(log.Initialize()).To(Succeed())
			Expect(log.StartWriteService(nil, 10)).To(Succeed())

			g := gpid.New(1, 0)
			Expect(appendSync(log, mutation(g, 1, "alpha"))).To(Succeed())
			Expect(appendSync(log, mutation(g, 2, "beta"))).To(Succeed())
			Expect(appendSync(log, mutation(g, 3, "gamma"))).To(Succeed())
			Expect(log.Close()).To(Succeed())

			replayed := mutationlog.New(dir, opts)
			Expect(replayed.Initialize()).To(Succeed())

			var bodies []string
			Expect(replayed.Replay(func(m *messages.Mutation) error {
				bodies = append(bodies, string(m.Body))
				return nil
			})).To(Succeed())

			Expect(bodies).To(Equal([]string{"alpha", "beta", "gamma"}))
		})
	})

	Context("segment rollover", func() {
		It("opens a fresh segment once the current one crosses max_log_file_size", func() {
			opts := config.Default()
			opts.BatchWrite = false
			opts.MaxLogFileMB = 1

			log := mutationlog.New(dir, opts)
			Expect(log.Initialize()).To(Succeed())
			Expect(log.StartWriteService(nil, 10)).To(Succeed())

			g := gpid.New(1, 0)
			body := bigBody(400 * 1024)
			for i := gpid.Decree(1); i <= 4; i++ {
				Expect(appendSync(log, mutation(g, i, body))).To(Succeed())
			}
			Expect(log.Close()).To(Succeed())

			entries, err := os.ReadDir(dir)
			Expect(err).NotTo(HaveOccurred())

			var segments int
			for _, e := range entries {
				if _, _, ok := segment.ParseFileName(e.Name()); ok {
					segments++
				}
			}
			Expect(segments).To(BeNumerically(">", 1))
		})
	})

	Context("tail corruption", func() {
		It("replays the intact prefix and reports the truncated tail", func() {
			opts := config.Default()
			opts.BatchWrite = false

			log := mutationlog.New(dir, opts)
			Expect(log.Initialize()).To(Succeed())
			Expect(log.StartWriteService(nil, 10)).To(Succeed())

			g := gpid.New(1, 0)
			Expect(appendSync(log, mutation(g, 1, "alpha"))).To(Succeed())
			Expect(appendSync(log, mutation(g, 2, "beta"))).To(Succeed())
			Expect(log.Close()).To(Succeed())

			entries, err := os.ReadDir(dir)
			Expect(err).NotTo(HaveOccurred())
			var segPath string
			for _, e := range entries {
				if _, _, ok := segment.ParseFileName(e.Name()); ok {
					segPath = filepath.Join(dir, e.Name())
				}
			}
			Expect(segPath).NotTo(BeEmpty())

			raw, err := os.ReadFile(segPath)
			Expect(err).NotTo(HaveOccurred())
			raw[len(raw)-1] ^= 0xFF // corrupt the last mutation's body
			Expect(os.WriteFile(segPath, raw, 0o644)).To(Succeed())

			replayed := mutationlog.New(dir, opts)
			Expect(replayed.Initialize()).To(Succeed())

			var bodies []string
			err = replayed.Replay(func(m *messages.Mutation) error {
				bodies = append(bodies, string(m.Body))
				return nil
			})
			Expect(err).To(HaveOccurred())
			Expect(messages.CodeOf(err)).To(Equal(messages.InvalidData))
			Expect(bodies).To(Equal([]string{"alpha"}))
		})
	})

	Context("garbage collection", func() {
		It("preserves every segment covering a partition not yet durable", func() {
			opts := config.Default()
			opts.BatchWrite = false
			opts.MaxLogFileMB = 1

			a := gpid.New(1, 0)
			b := gpid.New(2, 0)
			body := bigBody(400 * 1024)

			log := mutationlog.New(dir, opts)
			Expect(log.Initialize()).To(Succeed())
			Expect(log.StartWriteService(nil, 10)).To(Succeed())

			Expect(appendSync(log, mutation(a, 1, "a1"))).To(Succeed())
			Expect(appendSync(log, mutation(b, 1, "b1"))).To(Succeed())
			// Push the log past max_log_file_size using only gpid a, so the
			// rolled-over segment's header records a at 4 and b pinned at 1.
			// The first segment's header predates both partitions and is
			// empty.
			for i := gpid.Decree(2); i <= 5; i++ {
				Expect(appendSync(log, mutation(a, i, body))).To(Succeed())
			}
			Expect(log.Close()).To(Succeed())

			reopened := mutationlog.New(dir, opts)
			Expect(reopened.Initialize()).To(Succeed())

			before, err := os.ReadDir(dir)
			Expect(err).NotTo(HaveOccurred())

			removed := reopened.GarbageCollection(map[gpid.GPID]gpid.Decree{
				a: 5,
				// b has no durable entry at all: the second segment's header
				// names b's undurable init decree, so it does not qualify; the
				// first segment qualifies only because its header is empty,
				// and there is no segment below it to remove.
			})
			Expect(removed).To(Equal(0))

			after, err := os.ReadDir(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(len(after)).To(Equal(len(before)))
		})

		It("removes whole segments once every partition they cover is durable", func() {
			opts := config.Default()
			opts.BatchWrite = false
			opts.MaxLogFileMB = 1

			a := gpid.New(1, 0)
			body := bigBody(400 * 1024)

			log := mutationlog.New(dir, opts)
			Expect(log.Initialize()).To(Succeed())
			Expect(log.StartWriteService(nil, 10)).To(Succeed())

			for i := gpid.Decree(1); i <= 5; i++ {
				Expect(appendSync(log, mutation(a, i, body))).To(Succeed())
			}
			Expect(log.Close()).To(Succeed())

			reopened := mutationlog.New(dir, opts)
			Expect(reopened.Initialize()).To(Succeed())

			removed := reopened.GarbageCollection(map[gpid.GPID]gpid.Decree{a: 5})
			Expect(removed).To(BeNumerically(">", 0))
		})
	})

	Context("batched flush", func() {
		It("flushes as soon as the pending buffer crosses log_buffer_size_bytes, without waiting for the timer", func() {
			opts := config.Default()
			opts.BatchWrite = true
			opts.LogBufferSizeMB = 1
			opts.LogPendingMaxMS = 60000 // long enough that only the size threshold could explain a fast flush

			log := mutationlog.New(dir, opts)
			Expect(log.Initialize()).To(Succeed())
			Expect(log.StartWriteService(nil, 10)).To(Succeed())

			g := gpid.New(1, 0)
			task, err := log.Append(mutation(g, 1, bigBody(2*1024*1024)), nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(waitWithTimeout(task, 2*time.Second)).To(Succeed())
			Expect(log.Close()).To(Succeed())
		})

		It("flushes a still-pending buffer and drains its armed timer on Close", func() {
			opts := config.Default()
			opts.BatchWrite = true
			opts.LogBufferSizeMB = 64
			opts.LogPendingMaxMS = 5000 // long enough that Close, not the timer, must trigger the flush

			log := mutationlog.New(dir, opts)
			Expect(log.Initialize()).To(Succeed())
			Expect(log.StartWriteService(nil, 10)).To(Succeed())

			g := gpid.New(1, 0)
			task, err := log.Append(mutation(g, 1, "alpha"), nil)
			Expect(err).NotTo(HaveOccurred())

			// Close races the still-armed pending timer; it must win and
			// flush this buffer itself rather than leaving it stranded.
			Expect(log.Close()).To(Succeed())
			Expect(waitWithTimeout(task, time.Second)).To(Succeed())

			replayed := mutationlog.New(dir, opts)
			Expect(replayed.Initialize()).To(Succeed())

			var bodies []string
			Expect(replayed.Replay(func(m *messages.Mutation) error {
				bodies = append(bodies, string(m.Body))
				return nil
			})).To(Succeed())
			Expect(bodies).To(Equal([]string{"alpha"}))
		})
	})
})
