package llmfactory

import (
	"slices"

	"github.com/effective-security/x/configloader"
)

// Purposes of the models used by the orchestrator.
const (
	PurposeOrchestrator = "orchestrator"
	PurposeSummary      = "summary"
)

type Config struct {
	// Providers specifies the list of providers to use
	Providers []*ProviderConfig `json:"providers" yaml:"providers" validate:"dive"`
	// DefaultProvider specifies the default provider to use
	DefaultProvider string `json:"default_provider" yaml:"default_provider"`
	// PurposeModels specifies the mapping of purposes to models.
	// key is the purpose, value is the list of preferred model names.
	// Use `default: <model_name>` as the default model for all purposes.
	PurposeModels map[string][]string `json:"purpose_models" yaml:"purpose_models"`
}

// ProviderConfig of a model provider
type ProviderConfig struct {
	Name            string   `json:"name" yaml:"name" validate:"required"`
	Token           string   `json:"token,omitempty" yaml:"token,omitempty"`
	DefaultModel    string   `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	AvailableModels []string `json:"available_models,omitempty" yaml:"available_models,omitempty"`
	// APIType specifies the type of API to use: OPENAI|ANTHROPIC
	APIType string `json:"api_type,omitempty" yaml:"api_type,omitempty" validate:"required"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// OrgID specifies which organization's quota and billing should be used when making API requests.
	OrgID string `json:"org_id,omitempty" yaml:"org_id,omitempty"`
	// MaxRetries of transient failures inside the SDK client
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// FindModel returns the first of models available at the provider,
// or the provider default model.
func (c *ProviderConfig) FindModel(models ...string) string {
	for _, model := range models {
		if slices.Contains(c.AvailableModels, model) {
			return model
		}
	}
	return c.DefaultModel
}

// LoadConfig from file
func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	if file == "" {
		return cfg, nil
	}

	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
