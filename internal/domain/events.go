package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Transaction types emitted by the feed. Only TxDelist changes rendering.
const (
	TxList   = "LIST"
	TxDelist = "DELIST"
	TxSale   = "SALE_BUY_NOW"
)

// RawEvent is one transaction delivered by the upstream feed for a topic.
type RawEvent struct {
	ReferenceKey string   `json:"mintOnchainId"`
	TxType       string   `json:"txType"`
	TxID         string   `json:"txId"`
	GrossAmount  Lamports `json:"grossAmount"`
	TxAt         Millis   `json:"txAt"`
	BuyerID      string   `json:"buyerId"`
	SellerID     string   `json:"sellerId"`
	Source       string   `json:"source"`
}

// Enrichment is the metadata fetched for a reference key.
type Enrichment struct {
	Name          string
	ImageURI      string
	Slug          string
	LastSalePrice Lamports
	LastSaleAt    time.Time
}

// EnrichedEvent pairs an event with its enrichment. Renderers must treat it
// as read-only.
type EnrichedEvent struct {
	Topic      Topic
	Event      RawEvent
	Enrichment Enrichment
}

// LamportsPerSOL converts lamport amounts to SOL.
const LamportsPerSOL = 1e9

// Lamports is an integer amount the feed encodes either as a JSON number or
// a decimal string.
type Lamports int64

func (l *Lamports) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*l = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err == nil {
		*l = Lamports(n)
		return nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return fmt.Errorf("lamports: %w", err)
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("lamports: %w", err)
	}
	if !(v >= math.MinInt64 && v < math.MaxInt64) {
		return fmt.Errorf("lamports: %s out of range", b)
	}
	*l = Lamports(v)
	return nil
}

// SOL returns the amount in SOL.
func (l Lamports) SOL() float64 { return float64(l) / LamportsPerSOL }

// Millis is a timestamp the feed encodes as epoch milliseconds (number or
// string) or as RFC 3339.
type Millis struct{ time.Time }

func (m *Millis) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		m.Time = time.Time{}
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		m.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	m.Time = t.UTC()
	return nil
}

func (m Millis) MarshalJSON() ([]byte, error) {
	if m.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(m.UnixMilli())
}
