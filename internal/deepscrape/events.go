package deepscrape

import (
	"time"

	"scrapebot/internal/eventbus"
	"scrapebot/internal/model"
)

// Event types published on the bus. Data is always an EventData.
const (
	EventStatus       = "deepscrape.status"        // lifecycle change (Status, Reason)
	EventLinkStarted  = "deepscrape.link_started"  // Link, Index, Total
	EventLinkFound    = "deepscrape.link_found"    // Found
	EventTopicCreated = "deepscrape.topic_created" // Target, ThreadID
	EventDelivered    = "deepscrape.delivered"     // Identity
	EventThrottled    = "deepscrape.throttled"     // Identity, Wait (Identity empty for topic creation)
	EventDropped      = "deepscrape.dropped"       // Identity, Err
	EventLinkDone     = "deepscrape.link_done"     // Link, Delivered
)

type EventData struct {
	UserID    int64
	Status    model.Status
	Reason    string
	Link      string
	Index     int
	Total     int
	Found     int
	Delivered int
	Target    model.Target
	ThreadID  int
	Identity  string
	Wait      time.Duration
	Err       string
}

type publisher struct {
	bus eventbus.Bus
}

func (p publisher) publish(typ, taskID string, d EventData) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, TaskID: taskID, Data: d})
}
