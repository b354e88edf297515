package nats

import (
	"encoding/json"
	"fmt"
)

// Message is an inbound bus message with its JSON body decoded.
type Message struct {
	Subject string
	Data    map[string]interface{}
	ReplyTo string
}

// ParseMessage decodes a raw JSON body. An empty body yields an empty payload.
func ParseMessage(subject, replyTo string, raw []byte) (*Message, error) {
	data := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to decode message on %s: %w", subject, err)
		}
		if data == nil {
			data = map[string]interface{}{}
		}
	}

	return &Message{
		Subject: subject,
		Data:    data,
		ReplyTo: replyTo,
	}, nil
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message body: %w", err)
		}
		return data, nil
	}
}
