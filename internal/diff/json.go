package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const changeKey = "$change"

type wireChange struct {
	Change  Kind `json:"$change"`
	Data    any  `json:"data"`
	NewData any  `json:"newData,omitempty"`
}

type wireItem struct {
	Index int    `json:"index"`
	Data  *Delta `json:"data"`
}

func (d *Delta) MarshalJSON() ([]byte, error) {
	switch {
	case d == nil:
		return []byte("null"), nil
	case d.Change != nil:
		w := wireChange{Change: d.Change.Kind, Data: d.Change.Data}
		if d.Change.Kind == Updated {
			w.NewData = d.Change.NewData
		}
		return json.Marshal(w)
	case d.Items != nil:
		items := make([]wireItem, 0, len(d.Items))
		for _, item := range d.Items {
			items = append(items, wireItem{Index: item.Index, Data: item.Delta})
		}
		return json.Marshal(items)
	default:
		fields := d.Fields
		if fields == nil {
			fields = map[string]*Delta{}
		}
		return json.Marshal(fields)
	}
}

func (d *Delta) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '[':
		var items []wireItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("decode array delta: %w", err)
		}
		d.Items = make([]IndexDelta, 0, len(items))
		for _, item := range items {
			d.Items = append(d.Items, IndexDelta{Index: item.Index, Delta: item.Data})
		}
		return nil
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return fmt.Errorf("decode delta: %w", err)
		}
		// A field delta is always an object or array, so a string under
		// $change marks a change and anything else is a field named $change.
		if kind, ok := probe[changeKey]; ok && bytes.HasPrefix(bytes.TrimSpace(kind), []byte(`"`)) {
			var w wireChange
			if err := json.Unmarshal(raw, &w); err != nil {
				return fmt.Errorf("decode change: %w", err)
			}
			switch w.Change {
			case Created, Updated, Deleted:
			default:
				return fmt.Errorf("decode change: unknown kind %q", w.Change)
			}
			d.Change = &Change{Kind: w.Change, Data: w.Data, NewData: w.NewData}
			return nil
		}
		d.Fields = make(map[string]*Delta, len(probe))
		for key, value := range probe {
			child := &Delta{}
			if err := child.UnmarshalJSON(value); err != nil {
				return fmt.Errorf("decode field %s: %w", key, err)
			}
			d.Fields[key] = child
		}
		return nil
	}
	return fmt.Errorf("decode delta: unexpected %q", raw[0])
}
