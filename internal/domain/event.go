package domain

import "time"

// ReminderEvent is one Slack post observed by the message source.
// PostID is stable across polls and deduplicates ingestion.
type ReminderEvent struct {
	PostID      string
	ChannelID   string
	ChannelName string
	MessageTS   string
	AuthorID    string
	AuthorName  string
	Content     string
	Timestamp   time.Time
	HasReminder bool
}
