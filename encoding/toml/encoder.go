package toml

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// Encoder renders the JSON view of the value,
// so the json tags name the keys and raw JSON fields become tables.
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Marshal(v any) ([]byte, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal")
	}

	var view any
	if err = json.Unmarshal(js, &view); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal")
	}
	doc, ok := normalize(view).(map[string]any)
	if !ok {
		// toml documents are tables
		doc = map[string]any{}
		if view != nil {
			doc["value"] = normalize(view)
		}
	}

	var b bytes.Buffer
	if err = toml.NewEncoder(&b).Encode(doc); err != nil {
		return nil, errors.Wrap(err, "failed to encode")
	}
	return b.Bytes(), nil
}

// normalize converts integral numbers to int64 and drops nulls
func normalize(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case map[string]any:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			t[k] = normalize(val)
		}
		return t
	case []any:
		list := t[:0]
		for _, val := range t {
			if val != nil {
				list = append(list, normalize(val))
			}
		}
		return list
	}
	return v
}
