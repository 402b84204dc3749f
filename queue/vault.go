package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// DeadLetter is a message nobody could deliver, kept for manual recovery.
type DeadLetter struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	RoomID      id.RoomID `json:"roomId"`
	GhostUserID id.UserID `json:"ghostUserId"`
	SenderID    id.UserID `json:"senderId"`
	Plaintext   string    `json:"plaintext"`
	ErrorReason string    `json:"errorReason"`
}

// Vault holds dead letters in memory until they expire or are deleted.
type Vault struct {
	ttl time.Duration
	Now func() time.Time

	mu      sync.Mutex
	letters map[string]*DeadLetter
}

func NewVault(ttl time.Duration) *Vault {
	return &Vault{
		ttl:     ttl,
		Now:     time.Now,
		letters: make(map[string]*DeadLetter),
	}
}

func (v *Vault) Add(dl *DeadLetter) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.letters[dl.ID] = dl
	deadLetters.Set(float64(len(v.letters)))
}

// List returns the dead letters accepted by filter, oldest first. A nil
// filter accepts everything.
func (v *Vault) List(filter func(*DeadLetter) bool) []DeadLetter {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]DeadLetter, 0, len(v.letters))
	for _, dl := range v.letters {
		if filter == nil || filter(dl) {
			out = append(out, *dl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (v *Vault) Get(letterID string) (DeadLetter, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	dl, ok := v.letters[letterID]
	if !ok {
		return DeadLetter{}, false
	}
	return *dl, true
}

// Delete removes a dead letter and reports whether it existed.
func (v *Vault) Delete(letterID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.letters[letterID]
	delete(v.letters, letterID)
	deadLetters.Set(float64(len(v.letters)))
	return ok
}

// Collect removes dead letters older than the TTL and returns how many
// were removed.
func (v *Vault) Collect() int {
	now := v.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := 0
	for letterID, dl := range v.letters {
		if now.Sub(dl.Timestamp) > v.ttl {
			delete(v.letters, letterID)
			removed++
		}
	}
	deadLetters.Set(float64(len(v.letters)))
	return removed
}

// RunGC collects expired dead letters every interval until ctx is done.
func (v *Vault) RunGC(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := v.Collect(); removed > 0 {
				log.WithField("removed", removed).Info("Collected expired dead letters")
			}
		}
	}
}
