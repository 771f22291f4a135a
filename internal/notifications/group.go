// Package notifications derives the notification center's display groups
// from the store. Groups are a projection and hold no state of their own.
package notifications

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
)

// Group is one display group of the notification center.
type Group struct {
	Type          entity.NotificationType `json:"type"`
	Count         int                     `json:"count"`
	UnreadCount   int                     `json:"unreadCount"`
	LatestAt      time.Time               `json:"latestAt"`
	Notifications []entity.Entity         `json:"notifications"`
}

// DeriveGroups groups notifications by type. Groups are ordered by their most
// recent notification, newest first; notifications inside a group are ordered
// newest first with ties broken by id. Entities that are not notifications are
// skipped. The input is not modified.
func DeriveGroups(notifications []entity.Entity) []Group {
	byType := make(map[entity.NotificationType]*Group)
	order := make([]entity.NotificationType, 0)
	for _, candidate := range notifications {
		if candidate.Kind != entity.KindNotification || candidate.Notification == nil {
			continue
		}
		groupType := candidate.Notification.Type
		group, ok := byType[groupType]
		if !ok {
			group = &Group{Type: groupType}
			byType[groupType] = group
			order = append(order, groupType)
		}
		group.Notifications = append(group.Notifications, candidate.Clone())
		group.Count++
		if candidate.Interaction.Unread {
			group.UnreadCount++
		}
	}

	groups := make([]Group, 0, len(order))
	for _, groupType := range order {
		group := byType[groupType]
		sort.SliceStable(group.Notifications, func(i, j int) bool {
			return newerFirst(group.Notifications[i], group.Notifications[j])
		})
		group.LatestAt = group.Notifications[0].SortTime()
		groups = append(groups, *group)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if !groups[i].LatestAt.Equal(groups[j].LatestAt) {
			return groups[i].LatestAt.After(groups[j].LatestAt)
		}
		return groups[i].Type < groups[j].Type
	})
	return groups
}

// UnreadTotal sums the unread counts of groups.
func UnreadTotal(groups []Group) int {
	total := 0
	for _, group := range groups {
		total += group.UnreadCount
	}
	return total
}

func newerFirst(a, b entity.Entity) bool {
	at, bt := a.SortTime(), b.SortTime()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ID < b.ID
}
