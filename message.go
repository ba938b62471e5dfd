package offlinecache

import (
	"encoding/json"
	"io"

	"github.com/jmgilman/go/errors"
)

// MessageSkipWaiting asks a waiting controller to activate immediately.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a control message posted to a controller. It carries no payload.
type Message struct {
	Type string `json:"type"`
}

// maximum accepted size of a control message body
const maxMessageSize = 4 << 10

// DecodeMessage reads a JSON control message.
func DecodeMessage(r io.Reader) (Message, error) {
	var msg Message
	dec := json.NewDecoder(io.LimitReader(r, maxMessageSize))
	if err := dec.Decode(&msg); err != nil {
		return msg, errors.Wrap(err, errors.CodeInvalidInput, "malformed control message")
	}
	if msg.Type == "" {
		return msg, errors.New(errors.CodeInvalidInput, "control message has no type")
	}
	return msg, nil
}
