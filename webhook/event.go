package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/imggo/engine/job"
)

// envelope is the wire form of a delivery body. Data carries the same
// job representation the polling API returns, so receivers can reuse
// one decoder for both.
type envelope struct {
	Event string   `json:"event"`
	Data  *job.Job `json:"data"`
}

// BuildEvent renders the delivery payload for a terminal job and
// returns the canonical event name alongside the raw body the signature
// covers.
func BuildEvent(j *job.Job) (string, []byte, error) {
	var event string
	switch j.Status {
	case job.StatusCompleted:
		event = EventJobCompleted
	case job.StatusFailed:
		event = EventJobFailed
	default:
		return "", nil, fmt.Errorf("webhook: job %s is not terminal (status %s)", j.ID, j.Status)
	}

	body, err := json.Marshal(envelope{Event: event, Data: j})
	if err != nil {
		return "", nil, fmt.Errorf("webhook: marshal event for job %s: %w", j.ID, err)
	}

	return event, body, nil
}
