// Package llms provides a provider neutral view of the language models used
// by the orchestrator.
//
// The `llms.go` file contains the Model interface and provider types.
// The `generatecontent.go` file contains messages and content responses.
// The `options.go` file provides the call options and tool definitions.
//
// Provider specific clients live in the subpackages.
package llms
