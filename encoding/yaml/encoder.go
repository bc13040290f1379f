package yaml

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

type Encoder struct {
	indent int
}

func NewEncoder() *Encoder {
	return &Encoder{indent: 2}
}

func (e *Encoder) Marshal(v any) ([]byte, error) {
	var b bytes.Buffer
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(e.indent)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
