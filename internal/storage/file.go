package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps every task in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot of all records)
//   - <prefix>.journal.jsonl (append-only put/del journal)
//
// The journal is compacted into the snapshot every compactEvery writes,
// on Bootstrap and on Vacuum.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	tasks        map[string]record

	writes int
}

type journalEntry struct {
	Op  string  `json:"op"` // put | del
	ID  string  `json:"id,omitempty"`
	Rec *record `json:"rec,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	tasks := map[string]record{}
	if err := loadSnapshot(snapPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		tasks:        tasks,
	}, nil
}

func (s *fileStore) Bootstrap(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return task.Storage("bootstrap", s.compactLocked())
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return task.Storage("close", err)
}

func (s *fileStore) Insert(ctx context.Context, t task.Task) error {
	_ = ctx
	r, err := toRecord(t)
	if err != nil {
		return task.Storage("insert", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[r.ID]; ok {
		return &task.DuplicateTaskError{ID: r.ID}
	}
	return task.Storage("insert", s.putLocked(r))
}

func (s *fileStore) Update(ctx context.Context, t task.Task) error {
	_ = ctx
	r, err := toRecord(t)
	if err != nil {
		return task.Storage("update", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[r.ID]; !ok {
		return &task.NotFoundError{ID: r.ID}
	}
	return task.Storage("update", s.putLocked(r))
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return &task.NotFoundError{ID: id}
	}
	return task.Storage("delete", s.delLocked(id))
}

func (s *fileStore) Get(ctx context.Context, id string) (task.Task, bool, error) {
	_ = ctx
	s.mu.Lock()
	r, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return task.Task{}, false, nil
	}
	t, err := r.task()
	if err != nil {
		return task.Task{}, false, task.Storage("get", err)
	}
	return t, true, nil
}

func (s *fileStore) Exists(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok, nil
}

func (s *fileStore) List(ctx context.Context) ([]task.Task, error) {
	return s.filter(ctx, "list", func(record) bool { return true })
}

func (s *fileStore) ListToDo(ctx context.Context, mask task.Status, now time.Time, redo bool) ([]task.Task, error) {
	at := now.Unix()
	return s.filter(ctx, "list_to_do", func(r record) bool {
		if task.Status(r.Status)&mask == 0 {
			return false
		}
		if redo {
			return r.RedoInterval > 0 && r.Start+r.RedoInterval <= at
		}
		return r.Start <= at
	})
}

func (s *fileStore) Recover(ctx context.Context, now time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tasks {
		st := task.Status(r.Status)
		switch {
		case st.In(task.InFlight):
			r.Status = uint16(task.StatusAborted)
			r.Stop = now.Unix()
		case st == task.StatusScheduled:
			r.Status = uint16(task.StatusDefault)
		default:
			continue
		}
		if err := s.putLocked(r); err != nil {
			return task.Storage("recover", err)
		}
	}
	return nil
}

func (s *fileStore) Purge(ctx context.Context, mask task.Status, now time.Time) (int, error) {
	_ = ctx
	at := now.Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.tasks {
		if r.RedoInterval != 0 || task.Status(r.Status)&mask == 0 || r.Stop == 0 {
			continue
		}
		if r.Stop+r.Expire >= at {
			continue
		}
		if err := s.delLocked(id); err != nil {
			return n, task.Storage("purge", err)
		}
		n++
	}
	return n, nil
}

func (s *fileStore) CountByStatus(ctx context.Context, mask task.Status) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.tasks {
		if task.Status(r.Status)&mask != 0 {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) Vacuum(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return task.Storage("vacuum", s.compactLocked())
}

func (s *fileStore) filter(ctx context.Context, op string, keep func(record) bool) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	recs := make([]record, 0, len(s.tasks))
	for _, r := range s.tasks {
		if keep(r) {
			recs = append(recs, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Start != recs[j].Start {
			return recs[i].Start < recs[j].Start
		}
		return recs[i].ID < recs[j].ID
	})
	out := make([]task.Task, 0, len(recs))
	for _, r := range recs {
		t, err := r.task()
		if err != nil {
			return nil, task.Storage(op, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *fileStore) putLocked(r record) error {
	if err := s.appendLocked(journalEntry{Op: "put", Rec: &r}); err != nil {
		return err
	}
	s.tasks[r.ID] = r
	return s.maybeCompactLocked()
}

func (s *fileStore) delLocked(id string) error {
	if err := s.appendLocked(journalEntry{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.tasks, id)
	return s.maybeCompactLocked()
}

func (s *fileStore) appendLocked(e journalEntry) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	return json.NewEncoder(s.journal).Encode(e)
}

func (s *fileStore) maybeCompactLocked() error {
	s.writes++
	if s.writes%compactEvery != 0 {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		// The journal still holds every write.
		s.log.Warn("journal compact failed", logx.Err(err))
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tasks); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]record
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// Torn tail write after a crash.
			continue
		}
		switch e.Op {
		case "put":
			if e.Rec != nil && e.Rec.ID != "" {
				out[e.Rec.ID] = *e.Rec
			}
		case "del":
			delete(out, e.ID)
		}
	}
	return sc.Err()
}
