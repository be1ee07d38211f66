// Package render turns enriched feed events into notifications.
package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/templaterender"
	"github.com/strogmv/txwatch/internal/port"
)

const (
	ColorDelist  = 0xFF6863
	ColorDefault = 0x89CFF0

	DefaultTitle      = "{{.Event.TxType}} {{.Enrichment.Name}}"
	DefaultFooter     = "Zap for Tensor"
	DefaultFooterIcon = "https://pbs.twimg.com/profile_images/1570907127287259136/qujno7O4_400x400.jpg"
)

// Link is a button rendered under the notification; URL is a template over
// domain.EnrichedEvent.
type Link struct {
	Label string
	URL   string
}

var DefaultLinks = []Link{
	{Label: "View on Tensor", URL: "https://tensor.trade/trade/{{.Topic}}"},
	{Label: "View on Solscan", URL: "https://solscan.io/tx/{{.Event.TxID}}"},
}

type Options struct {
	Title      string
	Footer     string
	FooterIcon string
	Links      []Link
	// Now is the reference for relative times; defaults to time.Now.
	Now func() time.Time
}

type Renderer struct {
	title      string
	footer     string
	footerIcon string
	links      []Link
	now        func() time.Time
}

// New checks every template against a zero event so Render cannot fail on
// template errors later.
func New(opts Options) (*Renderer, error) {
	r := &Renderer{
		title:      opts.Title,
		footer:     opts.Footer,
		footerIcon: opts.FooterIcon,
		links:      opts.Links,
		now:        opts.Now,
	}
	if r.title == "" {
		r.title = DefaultTitle
	}
	if r.footer == "" {
		r.footer = DefaultFooter
		r.footerIcon = DefaultFooterIcon
	}
	if r.links == nil {
		r.links = DefaultLinks
	}
	if r.now == nil {
		r.now = time.Now
	}

	var zero domain.EnrichedEvent
	if _, err := templaterender.RenderString(r.title, zero); err != nil {
		return nil, fmt.Errorf("title template: %w", err)
	}
	for _, l := range r.links {
		if _, err := templaterender.RenderString(l.URL, zero); err != nil {
			return nil, fmt.Errorf("link %q template: %w", l.Label, err)
		}
	}
	return r, nil
}

func (r *Renderer) Render(ev domain.EnrichedEvent) domain.Notification {
	now := r.now()
	title, _ := templaterender.RenderString(r.title, ev)

	n := domain.Notification{
		Title:     title,
		Color:     colorFor(ev.Event.TxType),
		Author:    ev.Event.Source,
		Thumbnail: ev.Enrichment.ImageURI,
		Fields: []domain.NotificationField{
			{Name: "Current Price", Value: FormatSOL(ev.Event.GrossAmount), Inline: true},
			{Name: "Last Price", Value: FormatSOL(ev.Enrichment.LastSalePrice), Inline: true},
			{Name: "Last Sale", Value: relative(ev.Enrichment.LastSaleAt, now), Inline: true},
		},
		Footer:    domain.NotificationFooter{Text: r.footer, IconURL: r.footerIcon},
		Timestamp: ev.Event.TxAt.Time,
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}
	for _, l := range r.links {
		url, _ := templaterender.RenderString(l.URL, ev)
		n.Links = append(n.Links, domain.NotificationLink{Label: l.Label, URL: url})
	}
	return n
}

func colorFor(txType string) int {
	if txType == domain.TxDelist {
		return ColorDelist
	}
	return ColorDefault
}

// FormatSOL renders lamports as SOL with four significant digits.
func FormatSOL(l domain.Lamports) string {
	return toPrecision(l.SOL(), 4) + " ◎"
}

// toPrecision formats v with p significant digits, switching to exponent
// form only below 1e-6 or at 10^p and above.
func toPrecision(v float64, p int) string {
	s := strconv.FormatFloat(v, 'e', p-1, 64)
	i := strings.LastIndexByte(s, 'e')
	exp, _ := strconv.Atoi(s[i+1:])
	if exp < -6 || exp >= p {
		sign := "+"
		if exp < 0 {
			sign = "-"
			exp = -exp
		}
		return s[:i] + "e" + sign + strconv.Itoa(exp)
	}
	return strconv.FormatFloat(v, 'f', p-1-exp, 64)
}

func relative(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

var _ port.Renderer = (*Renderer)(nil)
