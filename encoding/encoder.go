// Package encoding renders results in the structured output formats.
package encoding

import (
	"github.com/cockroachdb/errors"
	jsonenc "github.com/effective-security/mcporch/encoding/json"
	tomlenc "github.com/effective-security/mcporch/encoding/toml"
	yamlenc "github.com/effective-security/mcporch/encoding/yaml"
)

// Encoder marshals a value in one format
type Encoder interface {
	Marshal(v any) ([]byte, error)
}

type Mode = string

const (
	ModeText Mode = "text"
	ModeJSON Mode = "json"
	ModeYAML Mode = "yaml"
	ModeTOML Mode = "toml"
)

// ErrUnsupportedMode is returned for a mode without encoder
var ErrUnsupportedMode = errors.New("no predefined encoder")

// Modes returns the supported output modes
func Modes() []Mode {
	return []Mode{ModeText, ModeJSON, ModeYAML, ModeTOML}
}

// PredefinedEncoder returns the encoder for the structured mode,
// ModeText is rendered by the caller.
func PredefinedEncoder(mode Mode) (Encoder, error) {
	switch mode {
	case ModeJSON:
		return jsonenc.NewEncoder(), nil
	case ModeYAML:
		return yamlenc.NewEncoder(), nil
	case ModeTOML:
		return tomlenc.NewEncoder(), nil
	}
	return nil, errors.WithMessagef(ErrUnsupportedMode, "%q", mode)
}

var (
	_ Encoder = (*jsonenc.Encoder)(nil)
	_ Encoder = (*tomlenc.Encoder)(nil)
	_ Encoder = (*yamlenc.Encoder)(nil)
)
