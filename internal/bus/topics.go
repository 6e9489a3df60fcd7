package bus

// Topic catalog. The set is closed; services subscribe and publish only to
// these names.
const (
	TopicRunsNew              = "runs.new"
	TopicContextBuildRequest  = "context.build.request"
	TopicContextBuildResponse = "context.build.response"
	TopicLLMRequests          = "llm.requests"
	TopicLLMResults           = "llm.results"
	TopicToolsRequests        = "tools.requests"
	TopicToolsResults         = "tools.results"
	TopicUIEvents             = "ui.events"
	TopicSystemCommand        = "system.command"
	TopicCommandResult        = "command.result"
)
