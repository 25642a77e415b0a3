// Package nfscopy models the bulk checkpoint file-transfer collaborator
// spec.md §1 and §5 describe but keep external to this core: "File copy
// service (bulk transfer of checkpoint files) — invoked via a
// copy_remote_files(...) interface," with two concurrency caps,
// max_concurrent_remote_copy_requests and max_concurrent_local_writes, and
// per-file in-order write dispatch.
package nfscopy

import (
	"context"
	"io"
	"os"
	"path/filepath"

	logger "github.com/rs/zerolog/log"

	"github.com/lishenglong/rDSN/config"
	"github.com/lishenglong/rDSN/messages"
	"github.com/pkg/errors"
)

// Client stages a set of remote files, named relative to the primary's
// data_dir(), under a local directory.
type Client interface {
	CopyRemoteFiles(ctx context.Context, primaryAddr string, files []messages.FileSpec, localDir string) error
}

// Source fetches one remote file's contents; a real deployment backs this
// with an RPC/NFS mount, this interface keeps that choice external.
type Source interface {
	Open(ctx context.Context, primaryAddr string, relativePath string) (io.ReadCloser, error)
}

// LocalClient is a reference Client: it pulls each file through a Source
// and writes it locally, respecting the two concurrency caps from
// spec.md §5 with plain semaphores, and copying each file's bytes through
// a single sequential writer so that file's byte ranges land in order.
type LocalClient struct {
	src              Source
	remoteCopySem    chan struct{}
	localWriteSem    chan struct{}
	copyBlockBytes   int
}

func NewLocalClient(src Source, opts config.Options) *LocalClient {
	blockBytes := opts.NFSCopyBlockBytes
	if blockBytes <= 0 {
		blockBytes = 4 << 20
	}
	return &LocalClient{
		src:            src,
		remoteCopySem:  make(chan struct{}, maxOne(opts.MaxConcurrentRemoteCopyRequests)),
		localWriteSem:  make(chan struct{}, maxOne(opts.MaxConcurrentLocalWrites)),
		copyBlockBytes: blockBytes,
	}
}

func maxOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func (c *LocalClient) CopyRemoteFiles(ctx context.Context, primaryAddr string, files []messages.FileSpec, localDir string) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return errors.WithMessagef(err, "could not create learn dir %s", localDir)
	}

	errCh := make(chan error, len(files))
	for _, f := range files {
		f := f
		select {
		case c.remoteCopySem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		go func() {
			defer func() { <-c.remoteCopySem }()
			errCh <- c.copyOne(ctx, primaryAddr, f, localDir)
		}()
	}

	var firstErr error
	for range files {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *LocalClient) copyOne(ctx context.Context, primaryAddr string, f messages.FileSpec, localDir string) error {
	rc, err := c.src.Open(ctx, primaryAddr, f.RelativePath)
	if err != nil {
		return errors.WithMessagef(err, "could not open remote file %s", f.RelativePath)
	}
	defer rc.Close()

	select {
	case c.localWriteSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.localWriteSem }()

	dest := filepath.Join(localDir, f.RelativePath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.WithMessagef(err, "could not create dir for %s", dest)
	}

	out, err := os.Create(dest)
	if err != nil {
		return errors.WithMessagef(err, "could not create local file %s", dest)
	}
	defer out.Close()

	buf := make([]byte, c.copyBlockBytes)
	n, err := io.CopyBuffer(out, rc, buf)
	if err != nil {
		return errors.WithMessagef(err, "could not copy file %s", f.RelativePath)
	}

	logger.Debug().Str("file", f.RelativePath).Int64("bytes", n).Msg("staged remote file")
	return nil
}
