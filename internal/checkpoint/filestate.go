package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/tablesync/internal/config"
)

// fileRetainRuns bounds how many runs (with their metrics, logs and
// validation results) the state file keeps. Watermarks are never pruned.
const fileRetainRuns = 20

// FileState implements Backend using a single YAML file.
// Designed for schedulers and headless environments where SQLite is impractical.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	Watermarks  map[string]Watermark `yaml:"watermarks"`
	Runs        []Run                `yaml:"runs"`
	Metrics     []TableMetric        `yaml:"table_metrics,omitempty"`
	Logs        []LogEntry           `yaml:"log_entries,omitempty"`
	Validations []ValidationResult   `yaml:"validation_results,omitempty"`
	NextLogID   int64                `yaml:"next_log_id"`
}

// NewFileState creates a file-based state manager.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{
		path: path,
		state: &fileStateData{
			Watermarks: make(map[string]Watermark),
		},
	}

	// Load existing state if file exists
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
		if fs.state.Watermarks == nil {
			fs.state.Watermarks = make(map[string]Watermark)
		}
	} else if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}

	return fs, nil
}

// save writes the current state to the YAML file. The file is replaced
// through a rename so a crash never leaves it half written.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// Close is a no-op; every mutation is already flushed.
func (fs *FileState) Close() error {
	return nil
}

func watermarkKey(configID, mappingID string) string {
	return configID + "/" + mappingID
}

// GetWatermark returns the stored watermark or the mapping's start value.
func (fs *FileState) GetWatermark(_ context.Context, configID string, m config.TableMapping) (any, bool, error) {
	fs.mu.RLock()
	w, ok := fs.state.Watermarks[watermarkKey(configID, m.ID)]
	fs.mu.RUnlock()

	if !ok {
		return initial(m)
	}
	v, err := m.IncrementalType.Parse(w.Value)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// AdvanceWatermark compares and stores the watermark under the write lock.
func (fs *FileState) AdvanceWatermark(_ context.Context, configID string, m config.TableMapping, value any) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	key := watermarkKey(configID, m.ID)
	prev, ok := fs.state.Watermarks[key]
	text, err := advance(m, prev.Value, ok, value)
	if err != nil {
		return err
	}

	fs.state.Watermarks[key] = Watermark{
		ConfigurationID: configID,
		MappingID:       m.ID,
		Type:            m.IncrementalType,
		Value:           text,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := fs.save(); err != nil {
		if ok {
			fs.state.Watermarks[key] = prev
		} else {
			delete(fs.state.Watermarks, key)
		}
		return err
	}
	return nil
}

// ResetWatermark removes a stored watermark.
func (fs *FileState) ResetWatermark(_ context.Context, configID, mappingID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	key := watermarkKey(configID, mappingID)
	if _, ok := fs.state.Watermarks[key]; !ok {
		return nil
	}
	delete(fs.state.Watermarks, key)
	return fs.save()
}

// ListWatermarks returns every stored watermark ordered by configuration and mapping.
func (fs *FileState) ListWatermarks(_ context.Context) ([]Watermark, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]Watermark, 0, len(fs.state.Watermarks))
	for _, w := range fs.state.Watermarks {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConfigurationID != out[j].ConfigurationID {
			return out[i].ConfigurationID < out[j].ConfigurationID
		}
		return out[i].MappingID < out[j].MappingID
	})
	return out, nil
}

// CreateRun appends a run and prunes the oldest runs beyond the retention limit.
func (fs *FileState) CreateRun(_ context.Context, r Run) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, existing := range fs.state.Runs {
		if existing.ID == r.ID {
			return fmt.Errorf("run %s already exists", r.ID)
		}
	}
	fs.state.Runs = append(fs.state.Runs, r)
	fs.prune()
	return fs.save()
}

// prune drops the oldest runs and everything attached to them.
func (fs *FileState) prune() {
	if len(fs.state.Runs) <= fileRetainRuns {
		return
	}
	drop := fs.state.Runs[:len(fs.state.Runs)-fileRetainRuns]
	dropped := make(map[string]bool, len(drop))
	for _, r := range drop {
		dropped[r.ID] = true
	}
	fs.state.Runs = append([]Run(nil), fs.state.Runs[len(drop):]...)

	metrics := fs.state.Metrics[:0]
	for _, m := range fs.state.Metrics {
		if !dropped[m.RunID] {
			metrics = append(metrics, m)
		}
	}
	fs.state.Metrics = metrics

	logs := fs.state.Logs[:0]
	for _, e := range fs.state.Logs {
		if !dropped[e.RunID] {
			logs = append(logs, e)
		}
	}
	fs.state.Logs = logs

	validations := fs.state.Validations[:0]
	for _, v := range fs.state.Validations {
		if !dropped[v.RunID] {
			validations = append(validations, v)
		}
	}
	fs.state.Validations = validations
}

// UpdateRun replaces a stored run.
func (fs *FileState) UpdateRun(_ context.Context, r Run) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i := range fs.state.Runs {
		if fs.state.Runs[i].ID == r.ID {
			fs.state.Runs[i] = r
			return fs.save()
		}
	}
	return fmt.Errorf("%w: %s", ErrRunNotFound, r.ID)
}

// SaveTableMetric upserts the metric for one mapping of a run.
func (fs *FileState) SaveTableMetric(_ context.Context, m TableMetric) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i := range fs.state.Metrics {
		if fs.state.Metrics[i].RunID == m.RunID && fs.state.Metrics[i].MappingID == m.MappingID {
			fs.state.Metrics[i] = m
			return fs.save()
		}
	}
	fs.state.Metrics = append(fs.state.Metrics, m)
	return fs.save()
}

// AppendLog appends a log entry with the next sequential id.
func (fs *FileState) AppendLog(_ context.Context, e LogEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state.NextLogID++
	e.ID = fs.state.NextLogID
	fs.state.Logs = append(fs.state.Logs, e)
	return fs.save()
}

// SaveValidationResult appends a validation result.
func (fs *FileState) SaveValidationResult(_ context.Context, v ValidationResult) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state.Validations = append(fs.state.Validations, v)
	return fs.save()
}

// GetRun returns one run or ErrRunNotFound.
func (fs *FileState) GetRun(_ context.Context, id string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	for _, r := range fs.state.Runs {
		if r.ID == id {
			r := r
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

// ListRuns returns the most recent runs first.
func (fs *FileState) ListRuns(_ context.Context, limit int) ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	runs := make([]Run, 0, min(limit, len(fs.state.Runs)))
	for i := len(fs.state.Runs) - 1; i >= 0 && len(runs) < limit; i-- {
		runs = append(runs, fs.state.Runs[i])
	}
	return runs, nil
}

// GetTableMetrics returns a run's metrics ordered by table name.
func (fs *FileState) GetTableMetrics(_ context.Context, runID string) ([]TableMetric, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []TableMetric
	for _, m := range fs.state.Metrics {
		if m.RunID == runID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out, nil
}

// GetLogs returns a run's log entries in insertion order.
func (fs *FileState) GetLogs(_ context.Context, runID string) ([]LogEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []LogEntry
	for _, e := range fs.state.Logs {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetValidationResults returns a run's validation results in insertion order.
func (fs *FileState) GetValidationResults(_ context.Context, runID string) ([]ValidationResult, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []ValidationResult
	for _, v := range fs.state.Validations {
		if v.RunID == runID {
			out = append(out, v)
		}
	}
	return out, nil
}
