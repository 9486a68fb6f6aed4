package deepscrape

import (
	"errors"
	"fmt"

	"scrapebot/internal/model"
)

// TopicsPerChannel caps topics per destination: Telegram allows 199 active
// forum topics, one is kept in reserve.
const TopicsPerChannel = 198

var (
	ErrChannelsExhausted = errors.New("destination channels exhausted")
	ErrNoTargets         = errors.New("task has no destination channels")
)

// Partition maps a zero-based link index to its destination channel:
// channel index = index / capacity. It is pure and deterministic.
func Partition(index, capacity int, channels []model.Target) (model.Target, error) {
	if len(channels) == 0 {
		return model.Target{}, ErrNoTargets
	}
	if capacity <= 0 || index < 0 {
		return model.Target{}, fmt.Errorf("partition: invalid index %d / capacity %d", index, capacity)
	}
	ch := index / capacity
	if ch >= len(channels) {
		return model.Target{}, fmt.Errorf("%w: link %d needs channel %d of %d", ErrChannelsExhausted, index+1, ch+1, len(channels))
	}
	return channels[ch], nil
}

// ChannelsNeeded is how many channels n links occupy at the given capacity.
func ChannelsNeeded(n, capacity int) int {
	if n <= 0 || capacity <= 0 {
		return 0
	}
	return (n + capacity - 1) / capacity
}

// Route resolves the channel for a task's link. Without splitting every link
// goes to the first channel.
func Route(t *model.Task, index, capacity int) (model.Target, error) {
	if len(t.Targets) == 0 {
		return model.Target{}, ErrNoTargets
	}
	if !t.Split {
		return t.Targets[0], nil
	}
	return Partition(index, capacity, t.Targets)
}
