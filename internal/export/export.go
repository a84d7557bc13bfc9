package export

// ============================================================================
// Responsibilities:
// 1. Write the final JobSnapshot of a run to <dir>/<run_id>/snapshot.json
// 2. Write every ready plot document to <dir>/<run_id>/<metric>.json
// 3. Every file is written atomically (temp file + rename)
// 4. Load validates the schema version of a previous export
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
)

// SchemaVersion is written into every snapshot.json.
const SchemaVersion = 1

const snapshotFile = "snapshot.json"

var (
	ErrCorruptedExport     = errors.New("export file is corrupted")
	ErrIncompatibleVersion = errors.New("export schema version is incompatible")
	ErrExportNotFound      = errors.New("export not found")
)

// Record is the content of snapshot.json.
type Record struct {
	SchemaVer  int               `json:"schema_version"`
	ExportedAt time.Time         `json:"exported_at"`
	Snapshot   types.JobSnapshot `json:"snapshot"`
	Plots      []string          `json:"plots"` // file names of the exported plot documents
}

// Exporter writes run results below a base directory.
type Exporter struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewExporter returns an exporter rooted at dir. The directory is created on first use.
func NewExporter(dir string) *Exporter {
	return &Exporter{dir: dir, now: time.Now}
}

// Dir returns the base directory.
func (e *Exporter) Dir() string {
	return e.dir
}

// RunDir returns the directory a snapshot with runID is exported to.
func (e *Exporter) RunDir(runID string) string {
	if runID == "" {
		runID = "latest"
	}
	return filepath.Join(e.dir, runID)
}

// Export writes snap and its ready plots. It returns the run directory.
func (e *Exporter) Export(snap types.JobSnapshot) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := e.RunDir(snap.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}

	rec := Record{SchemaVer: SchemaVersion, ExportedAt: e.now().UTC(), Snapshot: snap, Plots: []string{}}
	for _, p := range snap.Panels() {
		name := string(p.Metric) + ".json"
		if err := writeJSON(filepath.Join(dir, name), p.Plot); err != nil {
			return "", fmt.Errorf("failed to export %s plot: %w", p.Metric, err)
		}
		rec.Plots = append(rec.Plots, name)
	}

	if err := writeJSON(filepath.Join(dir, snapshotFile), rec); err != nil {
		return "", fmt.Errorf("failed to export snapshot: %w", err)
	}
	return dir, nil
}

// Load reads the snapshot.json of the run with runID.
func (e *Exporter) Load(runID string) (Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rec Record
	raw, err := os.ReadFile(filepath.Join(e.RunDir(runID), snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return rec, fmt.Errorf("%w: %s", ErrExportNotFound, runID)
		}
		return rec, fmt.Errorf("failed to read export: %w", err)
	}

	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorruptedExport, err)
	}
	if rec.SchemaVer != SchemaVersion {
		return rec, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, SchemaVersion)
	}
	if rec.Snapshot.Results == nil {
		rec.Snapshot.Results = types.EmptyResults()
	}
	return rec, nil
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
