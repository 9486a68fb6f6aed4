package deepscrape

import (
	"errors"
	"slices"
	"testing"

	"scrapebot/internal/model"
)

func channels(n int) []model.Target {
	out := make([]model.Target, n)
	for i := range out {
		out[i] = model.Target{ChatID: int64(-1000 - i)}
	}
	return out
}

func TestPartitionGrid(t *testing.T) {
	chs := channels(3)
	want := []int{0, 0, 0, 1, 1, 1, 2}
	for i, w := range want {
		got, err := Partition(i, 3, chs)
		if err != nil {
			t.Fatalf("index %d: %v", i, err)
		}
		if got != chs[w] {
			t.Fatalf("index %d: got %v want channel %d", i, got, w)
		}
		// Deterministic.
		again, _ := Partition(i, 3, chs)
		if again != got {
			t.Fatalf("index %d: not deterministic", i)
		}
	}
}

func TestPartitionBoundaries(t *testing.T) {
	chs := channels(2)
	tests := []struct {
		index   int
		want    int
		wantErr error
	}{
		{index: 0, want: 0},
		{index: TopicsPerChannel - 1, want: 0},
		{index: TopicsPerChannel, want: 1},
		{index: 2*TopicsPerChannel - 1, want: 1},
		{index: 2 * TopicsPerChannel, wantErr: ErrChannelsExhausted},
	}
	for _, tt := range tests {
		got, err := Partition(tt.index, TopicsPerChannel, chs)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("index %d: err=%v want %v", tt.index, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != chs[tt.want] {
			t.Fatalf("index %d: got %v, %v want channel %d", tt.index, got, err, tt.want)
		}
	}
}

func TestPartitionInvalid(t *testing.T) {
	if _, err := Partition(0, 3, nil); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("no channels: %v", err)
	}
	if _, err := Partition(0, 0, channels(1)); err == nil {
		t.Fatalf("zero capacity accepted")
	}
	if _, err := Partition(-1, 3, channels(1)); err == nil {
		t.Fatalf("negative index accepted")
	}
	if _, err := Partition(6, 3, channels(2)); !errors.Is(err, ErrChannelsExhausted) {
		t.Fatalf("index 6 over 2x3: %v", err)
	}
}

func TestChannelsNeeded(t *testing.T) {
	tests := []struct{ n, capacity, want int }{
		{0, 3, 0},
		{1, 3, 1},
		{3, 3, 1},
		{4, 3, 2},
		{7, 3, 3},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := ChannelsNeeded(tt.n, tt.capacity); got != tt.want {
			t.Fatalf("ChannelsNeeded(%d,%d)=%d want %d", tt.n, tt.capacity, got, tt.want)
		}
	}
}

func TestRouteWithoutSplitUsesFirstChannel(t *testing.T) {
	task := &model.Task{Targets: channels(2)}
	for _, i := range []int{0, 5, 500} {
		got, err := Route(task, i, 3)
		if err != nil || got != task.Targets[0] {
			t.Fatalf("index %d: %v, %v", i, got, err)
		}
	}
	task.Split = true
	got, err := Route(task, 3, 3)
	if err != nil || got != task.Targets[1] {
		t.Fatalf("split index 3: %v, %v", got, err)
	}
	if _, err := Route(&model.Task{}, 0, 3); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("no targets: %v", err)
	}
}

func TestApplyRange(t *testing.T) {
	links := []string{"a", "b", "c", "d"}
	tests := []struct {
		name string
		r    *model.LinkRange
		want []string
	}{
		{"all", nil, links},
		{"middle", &model.LinkRange{Start: 2, End: 3}, []string{"b", "c"}},
		{"clamped end", &model.LinkRange{Start: 3, End: 99}, []string{"c", "d"}},
		{"start past end", &model.LinkRange{Start: 9, End: 12}, nil},
		{"single", &model.LinkRange{Start: 1, End: 1}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ApplyRange(links, tt.r); !slices.Equal(got, tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPendingLinksKeepsRangeIndex(t *testing.T) {
	task := &model.Task{
		Links:     []string{"a", "b", "c", "d", "e"},
		Range:     &model.LinkRange{Start: 2, End: 4},
		Completed: []string{"c", "a"},
	}
	got := PendingLinks(task)
	want := []PendingLink{{URL: "b", Index: 0}, {URL: "d", Index: 2}}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}

	task.Completed = []string{"b", "c", "d"}
	if got := PendingLinks(task); len(got) != 0 {
		t.Fatalf("expected nothing pending, got %v", got)
	}
}
