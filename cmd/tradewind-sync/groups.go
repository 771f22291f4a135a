package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/notifications"
	"github.com/fatih/color"
)

const previewLimit = 3

func renderGroups(w io.Writer, groups []notifications.Group) {
	if len(groups) == 0 {
		fmt.Fprintln(w, color.New(color.FgYellow).Sprint("No notifications."))
		return
	}
	fmt.Fprintf(w, "%s %d unread\n", color.New(color.Bold).Sprint("Notifications:"), notifications.UnreadTotal(groups))
	for _, group := range groups {
		badge := color.New(color.FgGreen).Sprint("read")
		if group.UnreadCount > 0 {
			badge = color.New(color.FgHiMagenta).Sprintf("%d new", group.UnreadCount)
		}
		fmt.Fprintf(w, "  %-10s %3d  %s  (latest %s)\n",
			strings.ToUpper(string(group.Type)), group.Count, badge, formatLatest(group.LatestAt))
		for index, item := range group.Notifications {
			if index == previewLimit {
				fmt.Fprintf(w, "      %s\n", color.New(color.FgCyan).Sprintf("+%d more", len(group.Notifications)-previewLimit))
				break
			}
			fmt.Fprintf(w, "      %s %s\n", unreadMarker(item), describe(item))
		}
	}
}

func formatLatest(at time.Time) string {
	if at.IsZero() {
		return "unknown"
	}
	return at.UTC().Format(time.RFC3339)
}

func unreadMarker(item entity.Entity) string {
	if item.Interaction.Unread {
		return color.New(color.FgHiMagenta).Sprint("●")
	}
	return " "
}

func describe(item entity.Entity) string {
	payload := item.Notification
	if payload == nil {
		return item.ID.String()
	}
	if text := strings.TrimSpace(payload.Text); text != "" {
		return text
	}
	action := string(payload.Action)
	if action == "" {
		action = "activity"
	}
	return fmt.Sprintf("%s from %s", action, payload.ActorID)
}
