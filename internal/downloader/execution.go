package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/transferd/internal/downloader/progress"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// copyChunkSize is the I/O buffer; the interrupt flag is checked at
	// every chunk boundary.
	copyChunkSize = 32 * 1024
	// progressInterval is how many bytes pass between progress persists.
	progressInterval = 256 * 1024

	// PartSuffix marks in-progress destination files. The artifact is
	// renamed into place only after the last byte landed.
	PartSuffix = ".part"
)

func (m *Manager) run(ctx context.Context, exec *execution) {
	defer m.finish(exec)

	work := func(ctx context.Context) error {
		return m.execute(ctx, exec)
	}

	var err error
	if m.tel != nil {
		err = m.tel.InstrumentTransferExecution(ctx, work)
	} else {
		err = work(ctx)
	}

	// An interrupt that lands mid-read surfaces as a transport error, so
	// the flag is checked first; the status requested by the interrupting
	// caller always wins over the retry policy.
	if exec.interrupted.Load() {
		m.reconcileInterrupted(exec)

		return
	}

	if err != nil {
		// Every transport failure funnels through the retry policy;
		// nothing propagates out of the worker.
		m.onError(exec, err)

		return
	}

	m.onComplete(exec)
}

func (m *Manager) execute(ctx context.Context, exec *execution) error {
	t := exec.transfer
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", t.ID)

	partPath := t.Destination + PartSuffix

	if err := os.MkdirAll(filepath.Dir(t.Destination), dirPerm); err != nil {
		return &transfer.ResourceError{Path: t.Destination, Reason: "cannot create target directory", Err: err}
	}

	// The part file on disk is authoritative for the resume offset; the
	// persisted counter can lag behind a crash.
	var offset int64
	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
	}

	reader, info, err := m.transporter.Fetch(ctx, t, offset)
	if err != nil {
		return err
	}
	defer reader.Close()

	out, err := openPartFile(partPath, info.Offset)
	if err != nil {
		return &transfer.ResourceError{Path: partPath, Reason: "cannot open partial file", Err: err}
	}
	defer out.Close()

	t.Downloaded = info.Offset
	if info.Total >= 0 {
		t.Total = info.Total
	}

	logger.Info("downloading",
		"url", t.URL,
		"resume_offset", info.Offset,
		"total", humanize.Bytes(uint64(max64(t.Total, 0))),
	)

	pr := progress.NewReader(reader, t.Total, progressInterval, func(read, total int64) {
		downloaded := info.Offset + read

		if err := m.repo.UpdateProgress(t.ID, downloaded, t.Total, transfer.StatusDownloading); err != nil {
			logger.Debug("failed to persist progress", "err", err)
		}

		m.bus.EmitProgress(t, downloaded, t.Total)
	})

	written, copyErr := m.copyChunks(exec, out, pr)
	t.Downloaded = info.Offset + written

	if m.tel != nil {
		m.tel.RecordTransferBytes(written)
	}

	if copyErr != nil {
		return copyErr
	}

	if exec.interrupted.Load() {
		// Flush what landed safely so the byte count stays accurate.
		if err := out.Sync(); err != nil {
			logger.Debug("failed to sync partial file", "err", err)
		}

		return nil
	}

	if t.Total >= 0 && t.Downloaded < t.Total {
		return &transfer.ConnectivityError{Operation: "read_body", Err: io.ErrUnexpectedEOF}
	}

	if t.Total < 0 {
		t.Total = t.Downloaded
	}

	if err := out.Sync(); err != nil {
		return &transfer.ResourceError{Path: partPath, Reason: "cannot sync file", Err: err}
	}

	out.Close()

	if err := os.Rename(partPath, t.Destination); err != nil {
		return &transfer.ResourceError{Path: t.Destination, Reason: "cannot move file into place", Err: err}
	}

	logger.Info("downloaded and saved file",
		"target", t.Destination,
		"size", humanize.Bytes(uint64(t.Total)),
	)

	return nil
}

// copyChunks copies until EOF or interruption, checking the interrupt
// flag at every buffer boundary so aborts have deterministic byte
// accounting.
func (m *Manager) copyChunks(exec *execution, out *os.File, in io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)

	var written int64

	for {
		if exec.interrupted.Load() {
			return written, nil
		}

		read, rerr := in.Read(buf)
		if read > 0 {
			if _, werr := out.Write(buf[:read]); werr != nil {
				return written, fmt.Errorf("failed to write chunk: %w", werr)
			}

			written += int64(read)
		}

		if rerr == io.EOF {
			return written, nil
		}

		if rerr != nil {
			return written, &transfer.ConnectivityError{Operation: "read_body", Err: rerr}
		}
	}
}

func openPartFile(path string, offset int64) (*os.File, error) {
	if offset == 0 {
		return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, filePerm)
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()

		return nil, err
	}

	return f, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}

	return b
}
