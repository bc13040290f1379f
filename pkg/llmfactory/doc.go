// Package llmfactory provides configuration and a factory for the language models of
// the orchestrator, with model selection by provider type, model name, or purpose.
package llmfactory
