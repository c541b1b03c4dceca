package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/agentreplay/core/pkg/errors"
	"github.com/agentreplay/core/pkg/types"
	"github.com/klauspost/compress/zstd"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// minFreeBytes is the disk-space preflight floor checked before opening a
// new segment. Dropping below it is observed and logged, not fatal: a
// recording that stops the moment disk is tight is worse than one that
// keeps going and lets the operator notice the warning (SPEC_FULL.md
// "Supplemented features").
const minFreeBytes = 64 * 1024 * 1024

// Writer appends events to a run's segmented ledger. It is single-owner:
// spec.md §5 requires exactly one goroutine (the Background Writer) call
// into it, so Writer itself holds no internal lock beyond what's needed
// to let Stats be read concurrently.
type Writer struct {
	runDir string
	runID  string
	cfg    types.Config
	logger *logrus.Logger

	segmentIndex int
	prevHash     string

	file    *os.File
	zw      *zstd.Encoder
	hasher  *blake3.Hasher
	written int64 // uncompressed record bytes (length prefix + body) written to the current segment; rotation compares this, not the compressed file size, against MaxSegmentSizeMB
	records int64

	segments []types.SegmentFileInfo

	statsMu sync.Mutex
	stats   Stats
}

// Stats is a point-in-time snapshot of writer activity. The counters are
// guarded by statsMu, which Append takes briefly on each write.
type Stats struct {
	SegmentsWritten int64
	EventsWritten   int64
	BytesWritten    int64
	LowDiskWarnings int64
}

// NewWriter creates the ledger directory for runID under cfg.RootDir/runID
// and opens segment 0, truncating any segment 0 file already there.
func NewWriter(runID string, cfg types.Config, logger *logrus.Logger) (*Writer, error) {
	runDir := filepath.Join(cfg.RootDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, apperrors.New(apperrors.CodeIOError, "ledger", "mkdir", err.Error()).Wrap(err).WithRun(runID, 0)
	}
	w := &Writer{
		runDir: runDir,
		runID:  runID,
		cfg:    cfg,
		logger: logger,
	}
	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openSegment() error {
	w.preflightDiskSpace()

	name := segmentFileName(w.segmentIndex)
	path := filepath.Join(w.runDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.New(apperrors.CodeIOError, "ledger", "open_segment", err.Error()).Wrap(err).WithRun(w.runID, 0)
	}

	var zw *zstd.Encoder
	var out io.Writer = f
	if w.cfg.Compression == types.CompressionZstd {
		zw, err = zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return apperrors.New(apperrors.CodeIOError, "ledger", "zstd_writer", err.Error()).Wrap(err).WithRun(w.runID, 0)
		}
		out = zw
	}

	w.file = f
	w.zw = zw
	w.hasher = blake3.New()
	w.written = 0
	w.records = 0

	header := segmentHeader{
		Kind:          recordKindHeader,
		SchemaVersion: SchemaVersion,
		RunID:         w.runID,
		SegmentIndex:  w.segmentIndex,
		PrevHash:      w.prevHash,
	}
	if err := writeFrame(out, header); err != nil {
		return apperrors.New(apperrors.CodeIOError, "ledger", "write_header", err.Error()).Wrap(err).WithRun(w.runID, 0)
	}
	return nil
}

// preflightDiskSpace logs a warning when free disk space drops below
// minFreeBytes; it never blocks segment opening or rotation. Both the
// gopsutil-unavailable case and the low-space case are best-effort
// observability, not a reason to abort a run.
func (w *Writer) preflightDiskSpace() {
	usage, err := disk.Usage(filepath.Dir(w.runDir))
	if err != nil {
		w.logger.WithError(err).Warn("ledger: disk usage preflight unavailable")
		return
	}
	if usage.Free < minFreeBytes {
		w.logger.WithFields(logrus.Fields{
			"free_bytes": usage.Free,
			"min_bytes":  minFreeBytes,
			"run_id":     w.runID,
		}).Warn("ledger: low disk space, continuing to record")
		w.statsMu.Lock()
		w.stats.LowDiskWarnings++
		w.statsMu.Unlock()
	}
}

// Append writes one event record to the current segment, rotating first
// if the configured segment size would be exceeded (spec.md §4.3).
func (w *Writer) Append(ev types.Event) error {
	body, err := json.Marshal(struct {
		Kind recordKind `json:"kind"`
		types.Event
	}{Kind: recordKindEvent, Event: ev})
	if err != nil {
		return apperrors.New(apperrors.CodeIOError, "ledger", "marshal_event", err.Error()).Wrap(err).WithRun(w.runID, ev.Step)
	}

	maxBytes := int64(w.cfg.MaxSegmentSizeMB) * 1024 * 1024
	if w.written+int64(len(body))+8 > maxBytes && w.records > 0 {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	var out io.Writer = w.file
	if w.zw != nil {
		out = w.zw
	}
	if err := writeLengthPrefixed(out, body); err != nil {
		return apperrors.New(apperrors.CodeIOError, "ledger", "append", err.Error()).Wrap(err).WithRun(w.runID, ev.Step)
	}
	w.hasher.Write(body)
	w.written += int64(len(body)) + 4
	w.records++

	w.statsMu.Lock()
	w.stats.EventsWritten++
	w.stats.BytesWritten += int64(len(body))
	w.statsMu.Unlock()

	return nil
}

// rotate finalizes the current segment (trailer, fsync) and opens the next.
func (w *Writer) rotate() error {
	if err := w.finalizeSegment(); err != nil {
		return err
	}
	w.segmentIndex++
	return w.openSegment()
}

func (w *Writer) finalizeSegment() error {
	var out io.Writer = w.file
	if w.zw != nil {
		out = w.zw
	}

	trailer := segmentTrailer{
		Kind:        recordKindTrailer,
		RecordCount: w.records,
		Hash:        fmt.Sprintf("%x", w.hasher.Sum(nil)),
	}
	if err := writeFrame(out, trailer); err != nil {
		return apperrors.New(apperrors.CodeIOError, "ledger", "write_trailer", err.Error()).Wrap(err).WithRun(w.runID, 0)
	}
	w.prevHash = trailer.Hash

	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return apperrors.New(apperrors.CodeIOError, "ledger", "close_zstd", err.Error()).Wrap(err).WithRun(w.runID, 0)
		}
		w.zw = nil
	}
	if err := w.file.Sync(); err != nil {
		return apperrors.New(apperrors.CodeIOError, "ledger", "fsync", err.Error()).Wrap(err).WithRun(w.runID, 0)
	}

	info, err := w.file.Stat()
	if err != nil {
		return apperrors.New(apperrors.CodeIOError, "ledger", "stat", err.Error()).Wrap(err).WithRun(w.runID, 0)
	}
	path := w.file.Name()
	if err := w.file.Close(); err != nil {
		return apperrors.New(apperrors.CodeIOError, "ledger", "close_segment", err.Error()).Wrap(err).WithRun(w.runID, 0)
	}

	sum, err := blake3FileHash(path)
	if err != nil {
		return apperrors.New(apperrors.CodeIOError, "ledger", "rehash_segment", err.Error()).Wrap(err).WithRun(w.runID, 0)
	}

	w.segments = append(w.segments, types.SegmentFileInfo{
		Path:   filepath.Base(path),
		Size:   info.Size(),
		BLAKE3: sum,
	})

	w.statsMu.Lock()
	w.stats.SegmentsWritten++
	w.statsMu.Unlock()

	return nil
}

// Close finalizes the open segment and returns the accumulated per-segment
// file records for the Manifest Writer (spec.md §4.4: hashes are
// recomputed by re-reading segment bytes from disk, never from
// in-memory state — blake3FileHash does exactly that).
func (w *Writer) Close() ([]types.SegmentFileInfo, error) {
	if err := w.finalizeSegment(); err != nil {
		return nil, err
	}
	return w.segments, nil
}

// Stats returns a snapshot of writer activity counters.
func (w *Writer) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// writeFrame marshals v and writes it length-prefixed.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeLengthPrefixed(w, body)
}

// writeLengthPrefixed writes a 4-byte big-endian length followed by body
// (spec.md §6.2).
func writeLengthPrefixed(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// blake3FileHash hashes a file's bytes as they sit on disk.
func blake3FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
