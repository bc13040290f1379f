package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsLLMCallsSucceeded is base for counter metric for model calls succeeded
	StatsLLMCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_calls_succeeded",
		Help:         "stats_llm_calls_succeeded provides total model calls succeeded",
		RequiredTags: []string{"model"},
	}

	StatsLLMCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_calls_failed",
		Help:         "stats_llm_calls_failed provides total model calls failed",
		RequiredTags: []string{"model"},
	}

	StatsLLMInputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_input_tokens",
		Help:         "stats_llm_input_tokens provides total input tokens sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMOutputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_output_tokens",
		Help:         "stats_llm_output_tokens provides total output tokens received from LLM",
		RequiredTags: []string{"model"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"provider", "tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"provider", "tool"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total tool calls not found",
		RequiredTags: []string{"tool"},
	}

	StatsReasoningConflicts = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_reasoning_conflicts",
		Help:         "stats_reasoning_conflicts provides total reasoning chains rejected for a different owner",
		RequiredTags: []string{"provider", "tool"},
	}

	StatsProviderConnectionsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_provider_connections_succeeded",
		Help:         "stats_provider_connections_succeeded provides total tool provider connections succeeded",
		RequiredTags: []string{"provider"},
	}

	StatsProviderConnectionsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_provider_connections_failed",
		Help:         "stats_provider_connections_failed provides total tool provider connections failed",
		RequiredTags: []string{"provider"},
	}

	StatsQueriesCompleted = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_queries_completed",
		Help:         "stats_queries_completed provides total queries completed, by status",
		RequiredTags: []string{"status"},
	}
)

// Perf
var (
	// PerfQueryRun is base for sample metric for the duration of one query
	PerfQueryRun = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_query_run",
		Help:         "perf_query_run provides duration of a query run",
		RequiredTags: []string{"mode"},
	}

	PerfLLMCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_llm_call",
		Help:         "perf_llm_call provides duration of a model call",
		RequiredTags: []string{"model"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of a tool call",
		RequiredTags: []string{"provider", "tool"},
	}

	PerfProviderInit = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_provider_init",
		Help:         "perf_provider_init provides duration of a tool provider initialization",
		RequiredTags: []string{"provider"},
	}
)

// Metrics returns slice of metrics from this repo, sorted by name
var Metrics = []*metrics.Describe{
	&PerfLLMCall,
	&PerfProviderInit,
	&PerfQueryRun,
	&PerfToolCall,
	&StatsLLMCallsFailed,
	&StatsLLMCallsSucceeded,
	&StatsLLMInputTokens,
	&StatsLLMOutputTokens,
	&StatsProviderConnectionsFailed,
	&StatsProviderConnectionsSucceeded,
	&StatsQueriesCompleted,
	&StatsReasoningConflicts,
	&StatsToolCallsFailed,
	&StatsToolCallsNotFound,
	&StatsToolCallsSucceeded,
}
