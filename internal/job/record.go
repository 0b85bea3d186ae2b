// Package job holds the unit of queued work exchanged between channel
// adapters and the queue coordinator.
package job

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/faiyaz032/notivox/internal/channel"
)

var ErrInvalidRecord = errors.New("invalid job record")

// Record is one queued notification. Payload holds the channel's send
// options encoded as JSON so a record survives any broker unchanged.
//
// Records are not persisted here; durability belongs to the broker.
type Record struct {
	Channel channel.Name        `json:"channelType"`
	Payload json.RawMessage     `json:"payload"`
	Adapter channel.AdapterName `json:"adapterName"`
}

// New encodes payload and builds a record for the given channel and adapter.
func New(ch channel.Name, adapter channel.AdapterName, payload any) (Record, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", ch, err)
	}
	return Record{Channel: ch, Payload: b, Adapter: adapter}, nil
}

// Validate checks the record carries a known channel, a known adapter that
// serves that channel, and a payload.
func (r Record) Validate() error {
	if !r.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRecord, r.Channel)
	}
	ch, ok := r.Adapter.Channel()
	if !ok {
		return fmt.Errorf("%w: unknown adapter %q", ErrInvalidRecord, r.Adapter)
	}
	if ch != r.Channel {
		return fmt.Errorf("%w: adapter %q does not serve channel %q", ErrInvalidRecord, r.Adapter, r.Channel)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidRecord)
	}
	return nil
}

// DecodePayload unmarshals the payload into dst.
func (r Record) DecodePayload(dst any) error {
	if err := json.Unmarshal(r.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrInvalidRecord, err)
	}
	return nil
}

// Marshal is the wire form handed to the broker.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal parses a broker job body back into a record and validates it.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}
