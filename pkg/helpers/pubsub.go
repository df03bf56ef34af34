package helpers

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// PublishJSON encodes payload as the body of a new message and publishes it on topic.
func PublishJSON(pub message.Publisher, topic string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "could not encode payload for %s", topic)
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	return pub.Publish(topic, msg)
}

// DecodeJSON decodes the body of msg into a T.
func DecodeJSON[T any](msg *message.Message) (T, error) {
	var ret T
	if err := json.Unmarshal(msg.Payload, &ret); err != nil {
		return ret, errors.Wrapf(err, "could not decode message %s", msg.UUID)
	}
	return ret, nil
}
