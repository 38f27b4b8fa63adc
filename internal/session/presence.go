package session

import (
	"sort"

	"odin-term/internal/wire"
)

// presenceSnapshot derives the deduplicated, ordered membership snapshot
// for a session, per §4.5: a user appears once regardless of how many
// connections they hold, idle only if every one of their connections is
// idle.
func presenceSnapshot(members map[*Subscriber]struct{}) []wire.PresenceUser {
	type agg struct {
		name   string
		avatar string
		idle   bool
	}
	byUser := make(map[string]*agg)
	order := make([]string, 0, len(members))

	for sub := range members {
		p := sub.Principal
		a, ok := byUser[p.UserID]
		if !ok {
			a = &agg{name: p.DisplayName, avatar: p.AvatarHint, idle: true}
			byUser[p.UserID] = a
			order = append(order, p.UserID)
		}
		if !sub.Idle() {
			a.idle = false
		}
	}

	sort.Strings(order)

	out := make([]wire.PresenceUser, 0, len(order))
	for _, userID := range order {
		a := byUser[userID]
		out = append(out, wire.PresenceUser{
			ID:     userID,
			Name:   a.name,
			Avatar: a.avatar,
			Idle:   a.idle,
		})
	}
	return out
}
