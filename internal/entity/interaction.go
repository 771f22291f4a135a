package entity

import "time"

// Interaction is the per-entity sub-record of independently mutable toggles and counters.
type Interaction struct {
	Liked       bool           `json:"liked"`
	Saved       bool           `json:"saved"`
	Reposted    bool           `json:"reposted"`
	LikeCount   int            `json:"likeCount"`
	SaveCount   int            `json:"saveCount"`
	RepostCount int            `json:"repostCount"`
	Unread      bool           `json:"unread"`
	Pinned      bool           `json:"pinned"`
	Muted       bool           `json:"muted"`
	Archived    bool           `json:"archived"`
	Reactions   map[string]int `json:"reactions,omitempty"`
	// UpdatedAt is the server timestamp of the last applied interaction event.
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Clone deep-copies the reactions map and timestamp.
func (i Interaction) Clone() Interaction {
	copied := i
	if i.Reactions != nil {
		copied.Reactions = make(map[string]int, len(i.Reactions))
		for reaction, count := range i.Reactions {
			copied.Reactions[reaction] = count
		}
	}
	if i.UpdatedAt != nil {
		copied.UpdatedAt = TimePtr(*i.UpdatedAt)
	}
	return copied
}

// InteractionPatch is a shallow patch: nil fields are left untouched. Reaction
// keys are replaced individually; a count of zero or less deletes the key.
type InteractionPatch struct {
	Liked       *bool          `json:"liked,omitempty"`
	Saved       *bool          `json:"saved,omitempty"`
	Reposted    *bool          `json:"reposted,omitempty"`
	LikeCount   *int           `json:"likeCount,omitempty"`
	SaveCount   *int           `json:"saveCount,omitempty"`
	RepostCount *int           `json:"repostCount,omitempty"`
	Unread      *bool          `json:"unread,omitempty"`
	Pinned      *bool          `json:"pinned,omitempty"`
	Muted       *bool          `json:"muted,omitempty"`
	Archived    *bool          `json:"archived,omitempty"`
	Reactions   map[string]int `json:"reactions,omitempty"`
	UpdatedAt   *time.Time     `json:"updatedAt,omitempty"`
}

// IsEmpty reports whether the patch would change nothing.
func (p InteractionPatch) IsEmpty() bool {
	return p.Liked == nil && p.Saved == nil && p.Reposted == nil &&
		p.LikeCount == nil && p.SaveCount == nil && p.RepostCount == nil &&
		p.Unread == nil && p.Pinned == nil && p.Muted == nil && p.Archived == nil &&
		len(p.Reactions) == 0 && p.UpdatedAt == nil
}

// Apply returns a copy of state with the patch merged in.
func (p InteractionPatch) Apply(state Interaction) Interaction {
	next := state.Clone()
	assignBool(&next.Liked, p.Liked)
	assignBool(&next.Saved, p.Saved)
	assignBool(&next.Reposted, p.Reposted)
	assignBool(&next.Unread, p.Unread)
	assignBool(&next.Pinned, p.Pinned)
	assignBool(&next.Muted, p.Muted)
	assignBool(&next.Archived, p.Archived)
	assignCount(&next.LikeCount, p.LikeCount)
	assignCount(&next.SaveCount, p.SaveCount)
	assignCount(&next.RepostCount, p.RepostCount)
	if len(p.Reactions) > 0 {
		if next.Reactions == nil {
			next.Reactions = make(map[string]int, len(p.Reactions))
		}
		for reaction, count := range p.Reactions {
			if count <= 0 {
				delete(next.Reactions, reaction)
				continue
			}
			next.Reactions[reaction] = count
		}
		if len(next.Reactions) == 0 {
			next.Reactions = nil
		}
	}
	if p.UpdatedAt != nil {
		next.UpdatedAt = TimePtr(*p.UpdatedAt)
	}
	return next
}

// Bool returns a pointer to v, for building patches.
func Bool(v bool) *bool {
	return &v
}

// Int returns a pointer to v, for building patches.
func Int(v int) *int {
	return &v
}

func assignBool(target *bool, value *bool) {
	if value != nil {
		*target = *value
	}
}

func assignCount(target *int, value *int) {
	if value == nil {
		return
	}
	if *value < 0 {
		*target = 0
		return
	}
	*target = *value
}
