package graphqlws

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strogmv/txwatch/internal/domain"
)

// graphql-transport-ws message types.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// TransactionSubscription is the feed document; $slug is the topic.
const TransactionSubscription = `subscription NewTransactionTV2($slug: String!) {
  newTransactionTV2(slug: $slug) {
    tx {
      grossAmount
      mintOnchainId
      txAt
      txId
      txType
      buyerId
      sellerId
      source
    }
  }
}`

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newMessage(id, typ string, payload any) (message, error) {
	msg := message{ID: id, Type: typ}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

type initPayload struct {
	Headers map[string]string `json:"headers"`
}

type subscribePayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlErrors []gqlError

func (e gqlErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ge := range e {
		msgs = append(msgs, ge.Message)
	}
	if len(msgs) == 0 {
		return "unknown graphql error"
	}
	return strings.Join(msgs, "; ")
}

type nextPayload struct {
	Data *struct {
		NewTransactionTV2 *struct {
			Tx *domain.RawEvent `json:"tx"`
		} `json:"newTransactionTV2"`
	} `json:"data"`
	Errors gqlErrors `json:"errors"`
}

// event extracts the transaction, reporting false when the payload carries
// no data.
func (p nextPayload) event() (domain.RawEvent, bool) {
	if p.Data == nil || p.Data.NewTransactionTV2 == nil || p.Data.NewTransactionTV2.Tx == nil {
		return domain.RawEvent{}, false
	}
	return *p.Data.NewTransactionTV2.Tx, true
}

// decodeErrorPayload accepts both the array form of the protocol and a bare
// object some servers send.
func decodeErrorPayload(raw json.RawMessage) error {
	var errs gqlErrors
	if err := json.Unmarshal(raw, &errs); err == nil {
		return errs
	}
	var single gqlError
	if err := json.Unmarshal(raw, &single); err == nil && single.Message != "" {
		return gqlErrors{single}
	}
	return fmt.Errorf("malformed error payload: %s", string(raw))
}
