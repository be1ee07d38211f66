package domain

import "time"

// Notification is the rendered, destination-agnostic payload.
type Notification struct {
	Title     string              `json:"title"`
	Color     int                 `json:"color"`
	Author    string              `json:"author,omitempty"`
	Thumbnail string              `json:"thumbnail,omitempty"`
	Fields    []NotificationField `json:"fields"`
	Footer    NotificationFooter  `json:"footer"`
	Timestamp time.Time           `json:"timestamp"`
	Links     []NotificationLink  `json:"links,omitempty"`
}

type NotificationField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type NotificationFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"iconUrl,omitempty"`
}

type NotificationLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}
