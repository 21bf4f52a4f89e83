package broadcast

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/fanoutlabs/crossposter/internal/model"
)

// Event is the unit fanned out to the delivery lanes: one publish attempt
// of one post.
type Event struct {
	PostID      string
	Body        string
	DedupKey    string
	OrderingKey string
}

// NewEvent derives the event for a post within a schedule cycle. The dedup
// key is deterministic for (post id, body, cycle): a retriggered or
// crash-restarted attempt inside the same cycle collapses to one delivery
// per lane, while a recurring post picked up in a later cycle is a new
// event. The ordering key is the post id, so independent posts flow in
// parallel and retries of the same post stay ordered.
func NewEvent(p model.Post, cycle time.Time) Event {
	sum := sha256.Sum256([]byte(p.ID + "\n" + p.Body + "\n" + cycle.UTC().Format(time.RFC3339)))
	return Event{
		PostID:      p.ID,
		Body:        p.Body,
		DedupKey:    hex.EncodeToString(sum[:]),
		OrderingKey: p.ID,
	}
}
