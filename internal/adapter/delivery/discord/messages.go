package discord

import (
	"time"

	"github.com/strogmv/txwatch/internal/domain"
)

const (
	componentActionRow = 1
	componentButton    = 2
	buttonStyleLink    = 5
)

type channel struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
}

type createMessage struct {
	Embeds     []embed     `json:"embeds"`
	Components []component `json:"components,omitempty"`
}

type embed struct {
	Title     string          `json:"title,omitempty"`
	Color     int             `json:"color"`
	Author    *embedAuthor    `json:"author,omitempty"`
	Thumbnail *embedThumbnail `json:"thumbnail,omitempty"`
	Fields    []embedField    `json:"fields,omitempty"`
	Footer    *embedFooter    `json:"footer,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

type embedAuthor struct {
	Name string `json:"name"`
}

type embedThumbnail struct {
	URL string `json:"url"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

type component struct {
	Type       int         `json:"type"`
	Style      int         `json:"style,omitempty"`
	Label      string      `json:"label,omitempty"`
	URL        string      `json:"url,omitempty"`
	Components []component `json:"components,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func toMessage(n domain.Notification) createMessage {
	e := embed{
		Title: n.Title,
		Color: n.Color,
	}
	if n.Author != "" {
		e.Author = &embedAuthor{Name: n.Author}
	}
	if n.Thumbnail != "" {
		e.Thumbnail = &embedThumbnail{URL: n.Thumbnail}
	}
	for _, f := range n.Fields {
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if n.Footer.Text != "" {
		e.Footer = &embedFooter{Text: n.Footer.Text, IconURL: n.Footer.IconURL}
	}
	if !n.Timestamp.IsZero() {
		e.Timestamp = n.Timestamp.UTC().Format(time.RFC3339)
	}

	msg := createMessage{Embeds: []embed{e}}
	if len(n.Links) > 0 {
		row := component{Type: componentActionRow}
		for _, l := range n.Links {
			row.Components = append(row.Components, component{
				Type:  componentButton,
				Style: buttonStyleLink,
				Label: l.Label,
				URL:   l.URL,
			})
		}
		msg.Components = []component{row}
	}
	return msg
}
