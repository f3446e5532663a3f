package models

import "time"

// Provider represents an OpenAI-compatible inference backend (OpenRouter, OpenAI, LM Studio)
type Provider struct {
	Name            string        `json:"name" yaml:"name"`
	Kind            string        `json:"kind" yaml:"kind"` // "openrouter", "openai" or "lmstudio"
	BaseURL         string        `json:"base_url" yaml:"base_url"`
	APIKey          string        `json:"api_key,omitempty" yaml:"api_key"` // Omit from responses for security
	DeepThinkModel  string        `json:"deep_think_model" yaml:"deep_think_model"`
	QuickThinkModel string        `json:"quick_think_model" yaml:"quick_think_model"`
	Temperature     float64       `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens       int           `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Timeout         time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// ProvidersConfig represents the providers YAML file
type ProvidersConfig struct {
	Active    string     `yaml:"active"` // Name of the provider used for stage inference
	Providers []Provider `yaml:"providers"`
}

// ModelTier picks which configured model a stage should use
type ModelTier string

const (
	ModelTierQuick ModelTier = "quick_think"
	ModelTierDeep  ModelTier = "deep_think"
)

// ModelFor returns the model name for the given tier
func (p *Provider) ModelFor(tier ModelTier) string {
	if tier == ModelTierDeep && p.DeepThinkModel != "" {
		return p.DeepThinkModel
	}
	if p.QuickThinkModel != "" {
		return p.QuickThinkModel
	}
	return p.DeepThinkModel
}
