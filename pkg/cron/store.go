package cron

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store persists jobs and their run history.
type Store interface {
	Load(ctx context.Context) ([]CronJob, error)
	SaveJob(ctx context.Context, job CronJob) error
	DeleteJob(ctx context.Context, id string) error
	AppendRun(ctx context.Context, entry RunLogEntry) error
	// ListRuns returns at most limit entries, newest first. limit <= 0 means all.
	ListRuns(ctx context.Context, jobID string, limit int) ([]RunLogEntry, error)
	// PruneRuns keeps only the newest keep entries of a job.
	PruneRuns(ctx context.Context, jobID string, keep int) error
	Close() error
}

const storeVersion = 1

// FileStore keeps jobs in a single JSON document and each job's runs in a
// JSONL file under runs/.
type FileStore struct {
	path    string
	runsDir string

	mu    sync.Mutex
	store *CronStore
}

// NewFileStore creates a file store rooted at path (the jobs document).
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:    path,
		runsDir: filepath.Join(filepath.Dir(path), "runs"),
	}
}

func (f *FileStore) Load(ctx context.Context) ([]CronJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.store = &CronStore{Version: storeVersion, Jobs: []CronJob{}}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, f.store); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, f.path, err)
	}

	jobs := make([]CronJob, len(f.store.Jobs))
	copy(jobs, f.store.Jobs)
	return jobs, nil
}

func (f *FileStore) SaveJob(ctx context.Context, job CronJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ensureLocked()
	for i := range f.store.Jobs {
		if f.store.Jobs[i].ID == job.ID {
			f.store.Jobs[i] = job
			return f.saveLocked()
		}
	}
	f.store.Jobs = append(f.store.Jobs, job)
	return f.saveLocked()
}

func (f *FileStore) DeleteJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ensureLocked()
	jobs := make([]CronJob, 0, len(f.store.Jobs))
	for _, j := range f.store.Jobs {
		if j.ID != id {
			jobs = append(jobs, j)
		}
	}
	f.store.Jobs = jobs
	if err := f.saveLocked(); err != nil {
		return err
	}
	if err := os.Remove(f.runsPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run log: %w", err)
	}
	return nil
}

func (f *FileStore) AppendRun(ctx context.Context, entry RunLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.runsDir, 0755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal run entry: %w", err)
	}
	file, err := os.OpenFile(f.runsPath(entry.JobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append run entry: %w", err)
	}
	return nil
}

func (f *FileStore) ListRuns(ctx context.Context, jobID string, limit int) ([]RunLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.readRunsLocked(jobID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Ts > entries[j].Ts })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *FileStore) PruneRuns(ctx context.Context, jobID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.readRunsLocked(jobID)
	if err != nil || len(entries) <= keep {
		return err
	}
	entries = entries[len(entries)-keep:]

	var buf bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal run entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(f.runsPath(jobID), buf.Bytes())
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) runsPath(jobID string) string {
	return filepath.Join(f.runsDir, jobID+".jsonl")
}

func (f *FileStore) ensureLocked() {
	if f.store == nil {
		f.store = &CronStore{Version: storeVersion, Jobs: []CronJob{}}
	}
}

func (f *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(f.store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron store: %w", err)
	}
	return writeFileAtomic(f.path, data)
}

// readRunsLocked returns entries in file (oldest first) order.
func (f *FileStore) readRunsLocked(jobID string) ([]RunLogEntry, error) {
	file, err := os.Open(f.runsPath(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer file.Close()

	var entries []RunLogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e RunLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%w: run log %s: %v", ErrStoreCorrupt, jobID, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}
	return entries, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
