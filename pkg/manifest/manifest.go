// Package manifest implements the Manifest Writer/Reader (spec.md §4.4,
// §6.3): a canonical YAML record of a run's metadata, written atomically
// only after the event ledger is fully flushed and fsynced.
//
// Adapted from pkg/positions/checkpoint_manager.go's temp-file-then-rename
// atomic write pattern, swapped from gzip+JSON to plain YAML (gopkg.in/
// yaml.v2, for the canonical field order the teacher's json.MarshalIndent
// could not give us) and from a directory of timestamped snapshots to the
// single manifest.yaml spec.md §6.1 names.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/agentreplay/core/pkg/errors"
	"github.com/agentreplay/core/pkg/types"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v2"
)

const fileName = "manifest.yaml"

// Path returns the manifest path for a run directory.
func Path(runDir string) string {
	return filepath.Join(runDir, fileName)
}

// Write serializes m as canonical YAML and atomically publishes it to
// runDir/manifest.yaml via a temp file + fsync + rename (spec.md §4.4).
// Segment hashes in m.Files must already reflect bytes on disk — Write
// does not recompute them (ledger.Writer.Close supplies hashes taken by
// re-reading each closed segment).
func Write(runDir string, m types.Manifest) error {
	body, err := yaml.Marshal(m)
	if err != nil {
		return apperrors.New(apperrors.CodeIOError, "manifest", "marshal", err.Error()).Wrap(err).WithRun(m.RunID, 0)
	}

	final := Path(runDir)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.New(apperrors.CodeIOError, "manifest", "create_temp", err.Error()).Wrap(err).WithRun(m.RunID, 0)
	}
	defer os.Remove(tmp) // no-op once renamed

	if _, err := f.Write(body); err != nil {
		f.Close()
		return apperrors.New(apperrors.CodeIOError, "manifest", "write", err.Error()).Wrap(err).WithRun(m.RunID, 0)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return apperrors.New(apperrors.CodeIOError, "manifest", "fsync", err.Error()).Wrap(err).WithRun(m.RunID, 0)
	}
	if err := f.Close(); err != nil {
		return apperrors.New(apperrors.CodeIOError, "manifest", "close", err.Error()).Wrap(err).WithRun(m.RunID, 0)
	}

	if err := os.Rename(tmp, final); err != nil {
		return apperrors.New(apperrors.CodeIOError, "manifest", "rename", err.Error()).Wrap(err).WithRun(m.RunID, 0)
	}
	return nil
}

// Read loads and parses runDir/manifest.yaml. It does not verify segment
// hashes against bytes on disk; callers needing integrity verification
// (the Player, at load time) should call VerifySegments afterward.
func Read(runDir string) (types.Manifest, error) {
	var m types.Manifest
	path := Path(runDir)
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, apperrors.New(apperrors.CodeRunNotFound, "manifest", "read", "manifest.yaml not found")
		}
		return m, apperrors.New(apperrors.CodeIOError, "manifest", "read", err.Error()).Wrap(err)
	}
	if err := yaml.Unmarshal(body, &m); err != nil {
		return m, apperrors.New(apperrors.CodeSchemaUnsupported, "manifest", "decode", err.Error()).Wrap(err)
	}
	if types.SchemaMajor(m.SchemaVersion) != types.SchemaMajor(types.SchemaVersion) {
		return m, apperrors.New(apperrors.CodeSchemaUnsupported, "manifest", "schema_check",
			fmt.Sprintf("manifest schema_version %q is incompatible with reader schema_version %q", m.SchemaVersion, types.SchemaVersion)).
			WithRun(m.RunID, 0)
	}
	return m, nil
}

// VerifySegments recomputes each listed segment's BLAKE3 by re-reading
// its bytes from disk (never from in-memory state, spec.md §4.4) and
// compares against the manifest's recorded hash, returning
// LedgerIntegrityError naming the first segment that fails to verify.
func VerifySegments(runDir string, m types.Manifest) error {
	for _, seg := range m.Files {
		path := filepath.Join(runDir, seg.Path)
		info, err := os.Stat(path)
		if err != nil {
			return apperrors.New(apperrors.CodeLedgerIntegrity, "manifest", "verify_segments",
				fmt.Sprintf("segment %s missing: %v", seg.Path, err)).WithRun(m.RunID, 0)
		}
		if info.Size() != seg.Size {
			return apperrors.New(apperrors.CodeLedgerIntegrity, "manifest", "verify_segments",
				fmt.Sprintf("segment %s size mismatch: manifest=%d disk=%d", seg.Path, seg.Size, info.Size())).WithRun(m.RunID, 0)
		}
		sum, err := hashFile(path)
		if err != nil {
			return apperrors.New(apperrors.CodeIOError, "manifest", "verify_segments", err.Error()).Wrap(err).WithRun(m.RunID, 0)
		}
		if sum != seg.BLAKE3 {
			return apperrors.New(apperrors.CodeLedgerIntegrity, "manifest", "verify_segments",
				fmt.Sprintf("segment %s hash mismatch", seg.Path)).WithRun(m.RunID, 0)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	buf := make([]byte, 256*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// New builds a Manifest from a run's meta, its recorded segment files,
// and terminal aggregate counts (spec.md §6.3 key set).
func New(runID string, meta types.RunMeta, createdAt time.Time, files []types.SegmentFileInfo,
	redactionApplied bool, compression types.Compression, totalEvents, totalChunks int64, incompleteStreams []string) types.Manifest {
	return types.Manifest{
		SchemaVersion:     types.SchemaVersion,
		RunID:             runID,
		Adapter:           meta.Adapter,
		AdapterVersion:    meta.AdapterVersion,
		CreatedAt:         createdAt,
		ClosedAt:          time.Time{}, // set by caller once draining completes
		ConfigDigest:      meta.ConfigDigest,
		GitSHA:            meta.GitSHA,
		ModelIDs:          meta.ModelIDs,
		Seeds:             meta.Seeds,
		Files:             files,
		RedactionApplied:  redactionApplied,
		Compression:       string(compression),
		TotalEvents:       totalEvents,
		TotalChunks:       totalChunks,
		IncompleteStreams: incompleteStreams,
	}
}
