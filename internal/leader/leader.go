// Package leader picks the single participant responsible for persisting a
// file's live text.
package leader

import (
	"sort"
	"sync"
)

type Participant struct {
	ClientID uint64 `json:"clientId"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	IsAdmin  bool   `json:"isAdmin"`
}

// Elect returns the leader for roster. Admins win over everyone else; among
// the remaining candidates the smallest ClientID wins.
func Elect(roster []Participant) (Participant, bool) {
	var (
		best  Participant
		found bool
	)
	for _, p := range roster {
		if !found || better(p, best) {
			best = p
			found = true
		}
	}
	return best, found
}

func better(a, b Participant) bool {
	if a.IsAdmin != b.IsAdmin {
		return a.IsAdmin
	}
	return a.ClientID < b.ClientID
}

// Change describes the outcome of a roster mutation.
type Change struct {
	FileID    string
	Leader    Participant
	HasLeader bool
	Changed   bool
}

// Roster tracks connected participants per file and re-elects on every change.
type Roster struct {
	mu      sync.Mutex
	files   map[string]map[uint64]Participant
	leaders map[string]uint64
}

func NewRoster() *Roster {
	return &Roster{
		files:   make(map[string]map[uint64]Participant),
		leaders: make(map[string]uint64),
	}
}

func (r *Roster) Join(fileID string, p Participant) Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.files[fileID]
	if !ok {
		members = make(map[uint64]Participant)
		r.files[fileID] = members
	}
	members[p.ClientID] = p
	return r.reelect(fileID)
}

// Update replaces the metadata of an already joined participant.
func (r *Roster) Update(fileID string, p Participant) Change {
	return r.Join(fileID, p)
}

func (r *Roster) Leave(fileID string, clientID uint64) Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.files[fileID]
	if !ok {
		return Change{FileID: fileID}
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(r.files, fileID)
	}
	return r.reelect(fileID)
}

func (r *Roster) Leader(fileID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.leaders[fileID]
	if !ok {
		return Participant{}, false
	}
	return r.files[fileID][id], true
}

func (r *Roster) IsLeader(fileID string, clientID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.leaders[fileID]
	return ok && id == clientID
}

// Participants returns the file's roster ordered by ClientID.
func (r *Roster) Participants(fileID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(fileID)
}

func (r *Roster) snapshot(fileID string) []Participant {
	members := r.files[fileID]
	out := make([]Participant, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (r *Roster) reelect(fileID string) Change {
	previous, hadLeader := r.leaders[fileID]
	elected, ok := Elect(r.snapshot(fileID))
	if !ok {
		delete(r.leaders, fileID)
		return Change{FileID: fileID, Changed: hadLeader}
	}
	r.leaders[fileID] = elected.ClientID
	return Change{
		FileID:    fileID,
		Leader:    elected,
		HasLeader: true,
		Changed:   !hadLeader || previous != elected.ClientID,
	}
}
