package poller

import (
	"sort"
	"time"

	"lightpoll/internal/channels"
)

// Action describes what happened to a channel between two snapshots.
type Action string

const (
	ActionCreate Action = "create"
	ActionPing   Action = "ping"
	ActionDelete Action = "delete"
)

// Update is one channel change observed by a Connection.
type Update struct {
	Connection string    `json:"connection"`
	Channel    string    `json:"channel"`
	Action     Action    `json:"action"`
	Time       time.Time `json:"time,omitempty"`
}

// Diff compares two snapshots. Channels only in next are created, channels in
// both with a different time were pinged and channels only in prev were
// deleted. The result is sorted by channel name.
func Diff(prev, next channels.Snapshot) []Update {
	var updates []Update
	for name, state := range next {
		old, ok := prev[name]
		switch {
		case !ok:
			updates = append(updates, Update{Channel: name, Action: ActionCreate, Time: time.Unix(state.T, 0)})
		case old.T != state.T:
			updates = append(updates, Update{Channel: name, Action: ActionPing, Time: time.Unix(state.T, 0)})
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			updates = append(updates, Update{Channel: name, Action: ActionDelete})
		}
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Channel < updates[j].Channel })
	return updates
}
