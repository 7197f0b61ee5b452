package storage

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/task/queue"
)

func encodeButtons(bs []campaign.Button) string {
	if len(bs) == 0 {
		return ""
	}
	b, err := json.Marshal(bs)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeButtons(s string) []campaign.Button {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var bs []campaign.Button
	if err := json.Unmarshal([]byte(s), &bs); err != nil {
		return nil
	}
	return bs
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func sortTasks(ts []queue.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if !ts[i].RunAt.Equal(ts[j].RunAt) {
			return ts[i].RunAt.Before(ts[j].RunAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
