package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"scrapebot/internal/model"
	logx "scrapebot/pkg/logx"
)

const compactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (one record per mutation since the snapshot)
//
// Records are replayed over the snapshot on open; a torn last line is skipped.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int

	state fileState
}

type fileState struct {
	Tasks      map[string]*model.Task        `json:"tasks"`
	Identities map[string]*model.Identity    `json:"identities"`
	Targets    map[string]*model.SavedTarget `json:"targets"`
}

type journalOp string

const (
	opCreate     journalOp = "create"
	opStatus     journalOp = "status"
	opComplete   journalOp = "complete"
	opDelivered  journalOp = "delivered"
	opTopics     journalOp = "topics"
	opProgress   journalOp = "progress"
	opStatusMsg  journalOp = "status_msg"
	opIdentity   journalOp = "identity"
	opIdentityRm journalOp = "identity_rm"
	opTarget     journalOp = "target"
	opTargetRm   journalOp = "target_rm"
)

type journalRecord struct {
	Op       journalOp           `json:"op"`
	TaskID   string              `json:"task_id,omitempty"`
	Task     *model.Task         `json:"task,omitempty"`
	Status   *model.StatusChange `json:"status,omitempty"`
	Link     string              `json:"link,omitempty"`
	N        int                 `json:"n,omitempty"`
	Progress *model.Progress     `json:"progress,omitempty"`
	Ref      *model.MessageRef   `json:"ref,omitempty"`
	Identity *model.Identity     `json:"identity,omitempty"`
	Target   *model.SavedTarget  `json:"target,omitempty"`
	UserID   int64               `json:"user_id,omitempty"`
	BotID    int64               `json:"bot_id,omitempty"`
	Name     string              `json:"name,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		state: fileState{
			Tasks:      map[string]*model.Task{},
			Identities: map[string]*model.Identity{},
			Targets:    map[string]*model.SavedTarget{},
		},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	journalPath := prefix + ".journal.jsonl"
	replayed, err := s.replay(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	s.writes = replayed
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("tasks", len(s.state.Tasks)), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	if st.Tasks != nil {
		s.state.Tasks = st.Tasks
	}
	if st.Identities != nil {
		s.state.Identities = st.Identities
	}
	if st.Targets != nil {
		s.state.Targets = st.Targets
	}
	return nil
}

func (s *fileStore) replay(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if err := s.apply(&rec); err != nil {
			s.log.Debug("journal record skipped", logx.String("op", string(rec.Op)), logx.Err(err))
			continue
		}
		n++
	}
	return n, sc.Err()
}

// apply validates rec against the current state and mutates it.
func (s *fileStore) apply(rec *journalRecord) error {
	swap, err := s.prepare(rec)
	if err != nil {
		return err
	}
	swap()
	return nil
}

// prepare validates rec and computes the next state without touching the
// current one. The returned swap installs it.
func (s *fileStore) prepare(rec *journalRecord) (func(), error) {
	switch rec.Op {
	case opCreate:
		if rec.Task == nil || rec.Task.ID == "" {
			return nil, errors.New("create without task")
		}
		if _, exists := s.state.Tasks[rec.Task.ID]; exists {
			return nil, fmt.Errorf("task %s already exists", rec.Task.ID)
		}
		t := rec.Task.Clone()
		return func() { s.state.Tasks[t.ID] = t }, nil
	case opIdentity:
		if rec.Identity == nil {
			return nil, errors.New("identity record without identity")
		}
		id := *rec.Identity
		return func() { s.state.Identities[identityKey(id.UserID, id.BotID)] = &id }, nil
	case opIdentityRm:
		key := identityKey(rec.UserID, rec.BotID)
		if _, ok := s.state.Identities[key]; !ok {
			return nil, ErrNotFound
		}
		return func() { delete(s.state.Identities, key) }, nil
	case opTarget:
		if rec.Target == nil || rec.Target.Name == "" {
			return nil, errors.New("target record without target")
		}
		tg := *rec.Target
		return func() { s.state.Targets[targetKey(tg.UserID, tg.Name)] = &tg }, nil
	case opTargetRm:
		key := targetKey(rec.UserID, rec.Name)
		if _, ok := s.state.Targets[key]; !ok {
			return nil, ErrNotFound
		}
		return func() { delete(s.state.Targets, key) }, nil
	}

	cur, ok := s.state.Tasks[rec.TaskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", rec.TaskID, ErrNotFound)
	}
	t := cur.Clone()
	ts := now()
	switch rec.Op {
	case opStatus:
		if rec.Status == nil {
			return nil, errors.New("status record without change")
		}
		if err := t.ApplyStatus(*rec.Status, ts); err != nil {
			return nil, err
		}
	case opComplete:
		if _, err := t.MarkComplete(rec.Link, ts); err != nil {
			return nil, err
		}
	case opDelivered:
		t.AddDelivered(rec.N, ts)
	case opTopics:
		t.TopicsCreated += rec.N
		t.UpdatedAt = ts
	case opProgress:
		if rec.Progress == nil {
			t.Current = nil
		} else {
			p := *rec.Progress
			t.Current = &p
		}
		t.UpdatedAt = ts
	case opStatusMsg:
		if rec.Ref != nil {
			t.StatusMessage = *rec.Ref
		}
		t.UpdatedAt = ts
	default:
		return nil, fmt.Errorf("unknown journal op %q", rec.Op)
	}
	return func() { s.state.Tasks[t.ID] = t }, nil
}

// commit validates rec, appends it to the journal and only then applies it,
// so a failed write leaves the in-memory state untouched.
func (s *fileStore) commit(rec journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	swap, err := s.prepare(&rec)
	if err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	swap()
	s.writes++
	if s.writes >= compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("store compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
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
	if _, err := s.journal.Seek(0, 2); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) CreateTask(_ context.Context, in *model.Task) (string, error) {
	t := prepareNew(in)
	if err := s.commit(journalRecord{Op: opCreate, Task: t}); err != nil {
		return "", err
	}
	return t.ID, nil
}

func (s *fileStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.Tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *fileStore) UpdateStatus(_ context.Context, id string, ch model.StatusChange) error {
	return s.commit(journalRecord{Op: opStatus, TaskID: id, Status: &ch})
}

func (s *fileStore) MarkLinkComplete(_ context.Context, id, link string) error {
	return s.commit(journalRecord{Op: opComplete, TaskID: id, Link: link})
}

func (s *fileStore) IncrementDelivered(_ context.Context, id string, n int) error {
	return s.commit(journalRecord{Op: opDelivered, TaskID: id, N: n})
}

func (s *fileStore) IncrementTopics(_ context.Context, id string, n int) error {
	return s.commit(journalRecord{Op: opTopics, TaskID: id, N: n})
}

func (s *fileStore) SetProgress(_ context.Context, id string, p *model.Progress) error {
	return s.commit(journalRecord{Op: opProgress, TaskID: id, Progress: p})
}

func (s *fileStore) SetStatusMessage(_ context.Context, id string, ref model.MessageRef) error {
	return s.commit(journalRecord{Op: opStatusMsg, TaskID: id, Ref: &ref})
}

func (s *fileStore) GetActiveTaskForUser(_ context.Context, userID int64) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.Task
	for _, t := range s.state.Tasks {
		if t.UserID != userID || !t.Status.Active() {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (s *fileStore) ListTasksByStatus(_ context.Context, statuses ...model.Status) ([]*model.Task, error) {
	s.mu.Lock()
	out := make([]*model.Task, 0, len(s.state.Tasks))
	for _, t := range s.state.Tasks {
		if len(statuses) == 0 || slices.Contains(statuses, t.Status) {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fileStore) PutIdentity(_ context.Context, id model.Identity) error {
	if id.AddedAt.IsZero() {
		id.AddedAt = now()
	}
	return s.commit(journalRecord{Op: opIdentity, Identity: &id})
}

func (s *fileStore) DeleteIdentity(_ context.Context, userID, botID int64) error {
	return s.commit(journalRecord{Op: opIdentityRm, UserID: userID, BotID: botID})
}

func (s *fileStore) ListIdentities(_ context.Context, userID int64) ([]model.Identity, error) {
	s.mu.Lock()
	out := make([]model.Identity, 0, 4)
	for _, id := range s.state.Identities {
		if id.UserID == userID {
			out = append(out, *id)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out, nil
}

func (s *fileStore) PutTarget(_ context.Context, tg model.SavedTarget) error {
	if tg.AddedAt.IsZero() {
		tg.AddedAt = now()
	}
	return s.commit(journalRecord{Op: opTarget, Target: &tg})
}

func (s *fileStore) DeleteTarget(_ context.Context, userID int64, name string) error {
	return s.commit(journalRecord{Op: opTargetRm, UserID: userID, Name: name})
}

func (s *fileStore) ListTargets(_ context.Context, userID int64) ([]model.SavedTarget, error) {
	s.mu.Lock()
	out := make([]model.SavedTarget, 0, 4)
	for _, tg := range s.state.Targets {
		if tg.UserID == userID {
			out = append(out, *tg)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func identityKey(userID, botID int64) string { return fmt.Sprintf("%d:%d", userID, botID) }

func targetKey(userID int64, name string) string { return fmt.Sprintf("%d:%s", userID, name) }
