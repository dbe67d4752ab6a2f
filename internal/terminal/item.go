package terminal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Item is one unit of terminal input.
type Item struct {
	// Sequence is a non-negative position, Unordered or Flush.
	Sequence  int
	Interrupt bool
	Text      string
	// Echo asks the host to copy the input into the session output.
	Echo bool
}

// Kind labels the item for logs and metrics.
func (i Item) Kind() string {
	switch {
	case i.Interrupt:
		return "interrupt"
	case i.Sequence == Unordered:
		return "unordered"
	case i.Sequence == Flush:
		return "flush"
	default:
		return "ordered"
	}
}

type wireItem struct {
	Sequence  json.RawMessage `json:"sequence,omitempty"`
	Interrupt bool            `json:"interrupt,omitempty"`
	Text      string          `json:"text"`
	Echo      bool            `json:"echo_input,omitempty"`
}

func (i Item) MarshalJSON() ([]byte, error) {
	var seq json.RawMessage
	switch i.Sequence {
	case Unordered:
		seq = json.RawMessage(`"unordered"`)
	case Flush:
		seq = json.RawMessage(`"flush"`)
	default:
		seq = json.RawMessage(fmt.Sprint(i.Sequence))
	}
	return json.Marshal(wireItem{Sequence: seq, Interrupt: i.Interrupt, Text: i.Text, Echo: i.Echo})
}

// UnmarshalJSON accepts the sequence as an integer, as -1/-2, or as the
// strings "unordered" and "flush". A missing sequence means unordered.
func (i *Item) UnmarshalJSON(data []byte) error {
	var wire wireItem
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	seq, err := parseSequence(wire.Sequence)
	if err != nil {
		return err
	}
	*i = Item{Sequence: seq, Interrupt: wire.Interrupt, Text: wire.Text, Echo: wire.Echo}
	return nil
}

func parseSequence(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Unordered, nil
	}
	if raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return 0, err
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "unordered", "ignore":
			return Unordered, nil
		case "flush":
			return Flush, nil
		default:
			return 0, fmt.Errorf("terminal: unknown sequence %q", name)
		}
	}
	var seq int
	if err := json.Unmarshal(raw, &seq); err != nil {
		return 0, fmt.Errorf("terminal: invalid sequence %s: %w", raw, err)
	}
	if seq < Flush {
		return 0, fmt.Errorf("terminal: invalid sequence %d", seq)
	}
	return seq, nil
}

var ErrEmptyInput = errors.New("terminal: empty input payload")

// DecodeItems parses either a single wire item or an array of them.
func DecodeItems(data []byte) ([]Item, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	if data[0] == '[' {
		var items []Item
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("terminal: decode items: %w", err)
		}
		return items, nil
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("terminal: decode item: %w", err)
	}
	return []Item{item}, nil
}
