package storage

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"scrapebot/internal/model"
	logx "scrapebot/pkg/logx"
)

var drivers = []string{"file", "sqlite"}

func openTestStore(t *testing.T, driver, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "scrapebot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	return st
}

func newTask() *model.Task {
	return &model.Task{
		UserID:  7,
		SeedURL: "https://example.com/gallery",
		Links:   []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"},
		Targets: []model.Target{{Name: "main", ChatID: -1001}},
		Formats: []model.Format{model.FormatMedia},
		Range:   &model.LinkRange{Start: 1, End: 2},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, driver string)) {
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) { fn(t, d) })
	}
}

func TestCreateAndGetTask(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		st := openTestStore(t, driver, t.TempDir())
		defer st.Close()

		id, err := st.CreateTask(ctx, newTask())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if id == "" {
			t.Fatal("expected generated id")
		}
		got, err := st.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != model.StatusPending || got.UserID != 7 || len(got.Links) != 3 {
			t.Fatalf("unexpected task: %+v", got)
		}
		if got.Range == nil || got.Range.End != 2 || got.Targets[0].ChatID != -1001 {
			t.Fatalf("inputs not round-tripped: %+v", got)
		}
		if _, err := st.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing task err = %v", err)
		}
	})
}

func TestCompletedLinksMonotonicAndDeduped(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		st := openTestStore(t, driver, t.TempDir())
		defer st.Close()

		task := newTask()
		id, _ := st.CreateTask(ctx, task)
		if err := st.SetProgress(ctx, id, &model.Progress{Link: task.Links[1], Index: 1, Found: 4}); err != nil {
			t.Fatal(err)
		}

		var prev []string
		for _, link := range []string{task.Links[1], task.Links[0], task.Links[1], task.Links[0]} {
			if err := st.MarkLinkComplete(ctx, id, link); err != nil {
				t.Fatalf("mark %s: %v", link, err)
			}
			got, _ := st.GetTask(ctx, id)
			if len(got.Completed) < len(prev) || !slices.Equal(got.Completed[:len(prev)], prev) {
				t.Fatalf("completed shrank or reordered: %v -> %v", prev, got.Completed)
			}
			prev = got.Completed
		}
		want := []string{task.Links[1], task.Links[0]}
		if !slices.Equal(prev, want) {
			t.Fatalf("completed = %v, want %v", prev, want)
		}

		if err := st.MarkLinkComplete(ctx, id, "https://elsewhere/x"); !errors.Is(err, model.ErrUnknownLink) {
			t.Fatalf("foreign link err = %v", err)
		}
		got, _ := st.GetTask(ctx, id)
		if got.Current != nil {
			t.Fatalf("current should be cleared after its link completed: %+v", got.Current)
		}
	})
}

func TestStatusTransitionsEnforced(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		st := openTestStore(t, driver, t.TempDir())
		defer st.Close()

		id, _ := st.CreateTask(ctx, newTask())
		until := time.Now().Add(30 * time.Second).UTC().Truncate(time.Millisecond)
		steps := []model.StatusChange{
			{To: model.StatusRunning},
			{To: model.StatusPaused, Reason: "flood control", ResumeAt: until},
		}
		for _, ch := range steps {
			if err := st.UpdateStatus(ctx, id, ch); err != nil {
				t.Fatalf("-> %s: %v", ch.To, err)
			}
		}
		got, _ := st.GetTask(ctx, id)
		if got.PauseReason != "flood control" || !got.ResumeAt.Equal(until) {
			t.Fatalf("pause fields = %q %v, want %v", got.PauseReason, got.ResumeAt, until)
		}

		if err := st.UpdateStatus(ctx, id, model.StatusChange{To: model.StatusCompleted}); !errors.Is(err, model.ErrInvalidTransition) {
			t.Fatalf("paused -> completed err = %v", err)
		}
		if err := st.UpdateStatus(ctx, id, model.StatusChange{To: model.StatusStopped}); err != nil {
			t.Fatal(err)
		}
		if err := st.UpdateStatus(ctx, id, model.StatusChange{To: model.StatusRunning}); !errors.Is(err, model.ErrInvalidTransition) {
			t.Fatalf("stopped is terminal, err = %v", err)
		}
	})
}

func TestCountersAndActiveLookup(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		st := openTestStore(t, driver, t.TempDir())
		defer st.Close()

		old, _ := st.CreateTask(ctx, newTask())
		_ = st.UpdateStatus(ctx, old, model.StatusChange{To: model.StatusStopped})

		if _, err := st.GetActiveTaskForUser(ctx, 7); !errors.Is(err, ErrNotFound) {
			t.Fatalf("no active task expected, err = %v", err)
		}

		time.Sleep(2 * time.Millisecond)
		id, _ := st.CreateTask(ctx, newTask())
		_ = st.UpdateStatus(ctx, id, model.StatusChange{To: model.StatusRunning})
		_ = st.SetProgress(ctx, id, &model.Progress{Link: "https://example.com/a", Found: 3})
		for i := 0; i < 3; i++ {
			if err := st.IncrementDelivered(ctx, id, 1); err != nil {
				t.Fatal(err)
			}
		}
		_ = st.IncrementTopics(ctx, id, 1)
		_ = st.SetStatusMessage(ctx, id, model.MessageRef{ChatID: 7, MessageID: 99})

		got, err := st.GetActiveTaskForUser(ctx, 7)
		if err != nil {
			t.Fatalf("active: %v", err)
		}
		if got.ID != id || got.Delivered != 3 || got.Current.Delivered != 3 || got.TopicsCreated != 1 {
			t.Fatalf("counters = %+v current=%+v", got, got.Current)
		}
		if got.StatusMessage.MessageID != 99 {
			t.Fatalf("status message = %+v", got.StatusMessage)
		}

		running, _ := st.ListTasksByStatus(ctx, model.StatusRunning)
		if len(running) != 1 || running[0].ID != id {
			t.Fatalf("running = %v", running)
		}
		all, _ := st.ListTasksByStatus(ctx)
		if len(all) != 2 {
			t.Fatalf("all = %d tasks", len(all))
		}
		if err := st.IncrementTopics(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing increment err = %v", err)
		}
	})
}

func TestIdentities(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		st := openTestStore(t, driver, t.TempDir())
		defer st.Close()

		_ = st.PutIdentity(ctx, model.Identity{UserID: 7, BotID: 1, Token: "1:a", Username: "w1", AddedAt: time.UnixMilli(1000)})
		_ = st.PutIdentity(ctx, model.Identity{UserID: 7, BotID: 2, Token: "2:b", AddedAt: time.UnixMilli(2000)})
		_ = st.PutIdentity(ctx, model.Identity{UserID: 8, BotID: 1, Token: "1:a", AddedAt: time.UnixMilli(3000)})

		ids, err := st.ListIdentities(ctx, 7)
		if err != nil || len(ids) != 2 || ids[0].BotID != 1 || ids[0].Username != "w1" {
			t.Fatalf("identities = %+v, %v", ids, err)
		}
		if err := st.DeleteIdentity(ctx, 7, 1); err != nil {
			t.Fatal(err)
		}
		if err := st.DeleteIdentity(ctx, 7, 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("double delete err = %v", err)
		}
		ids, _ = st.ListIdentities(ctx, 7)
		if len(ids) != 1 || ids[0].BotID != 2 {
			t.Fatalf("after delete = %+v", ids)
		}
	})
}

func TestSavedTargets(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		dir := t.TempDir()
		st := openTestStore(t, driver, dir)

		_ = st.PutTarget(ctx, model.SavedTarget{UserID: 7, Name: "main", ChatID: -1001})
		_ = st.PutTarget(ctx, model.SavedTarget{UserID: 7, Name: "alt", ChatID: -1002})
		_ = st.PutTarget(ctx, model.SavedTarget{UserID: 8, Name: "main", ChatID: -1003})
		if err := st.PutTarget(ctx, model.SavedTarget{UserID: 7, Name: "main", ChatID: -1009}); err != nil {
			t.Fatalf("repoint: %v", err)
		}
		if err := st.DeleteTarget(ctx, 7, "alt"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := st.DeleteTarget(ctx, 7, "alt"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("double delete err = %v", err)
		}
		if err := st.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}

		st = openTestStore(t, driver, dir)
		defer st.Close()
		got, err := st.ListTargets(ctx, 7)
		if err != nil || len(got) != 1 || got[0].Name != "main" || got[0].ChatID != -1009 {
			t.Fatalf("targets = %+v, %v", got, err)
		}
		other, _ := st.ListTargets(ctx, 8)
		if len(other) != 1 || other[0].ChatID != -1003 {
			t.Fatalf("other user targets = %+v", other)
		}
	})
}

func TestFileStoreFailedWriteLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "file", t.TempDir())
	task := newTask()
	id, _ := st.CreateTask(ctx, task)
	_ = st.UpdateStatus(ctx, id, model.StatusChange{To: model.StatusRunning})

	// The journal handle stays set but every write now fails.
	fs := st.(*fileStore)
	_ = fs.journal.Close()
	defer func() { fs.journal = nil }()

	if err := st.MarkLinkComplete(ctx, id, task.Links[0]); err == nil {
		t.Fatal("expected write error")
	}
	if err := st.IncrementDelivered(ctx, id, 3); err == nil {
		t.Fatal("expected write error")
	}
	if err := st.PutTarget(ctx, model.SavedTarget{UserID: 7, Name: "main", ChatID: -1}); err == nil {
		t.Fatal("expected write error")
	}
	got, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Completed) != 0 || got.Delivered != 0 {
		t.Fatalf("unpersisted change visible: %+v", got)
	}
	if tgs, _ := st.ListTargets(ctx, 7); len(tgs) != 0 {
		t.Fatalf("unpersisted target visible: %+v", tgs)
	}
}

func TestReopenKeepsProgress(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		dir := t.TempDir()
		st := openTestStore(t, driver, dir)

		task := newTask()
		id, _ := st.CreateTask(ctx, task)
		_ = st.UpdateStatus(ctx, id, model.StatusChange{To: model.StatusRunning})
		_ = st.MarkLinkComplete(ctx, id, task.Links[0])
		_ = st.IncrementDelivered(ctx, id, 2)
		if err := st.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}

		st = openTestStore(t, driver, dir)
		defer st.Close()
		got, err := st.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get after reopen: %v", err)
		}
		if got.Status != model.StatusRunning || got.Delivered != 2 || !slices.Equal(got.Completed, task.Links[:1]) {
			t.Fatalf("state lost across reopen: %+v", got)
		}
	})
}

func TestFileStoreReplaysJournalWithoutClose(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := openTestStore(t, "file", dir)
	task := newTask()
	id, _ := st.CreateTask(ctx, task)
	_ = st.UpdateStatus(ctx, id, model.StatusChange{To: model.StatusRunning})
	_ = st.MarkLinkComplete(ctx, id, task.Links[2])

	// Simulate a crash: the journal is fsynced, the snapshot was never written.
	fs := st.(*fileStore)
	_ = fs.journal.Close()
	fs.journal = nil

	st2 := openTestStore(t, "file", dir)
	defer st2.Close()
	got, err := st2.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusRunning || !slices.Equal(got.Completed, task.Links[2:]) {
		t.Fatalf("replayed task = %+v", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo", Path: filepath.Join(t.TempDir(), "x")}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}
