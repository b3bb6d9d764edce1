package claude

// Model describes one entry of the served model catalogue.
type Model struct {
	ID            string
	DisplayName   string
	ContextWindow int
}

// Models returns the catalogue exposed by the models endpoint. Requests
// may name any model string; unknown ids are passed to the CLI as-is and
// it decides whether to honor them.
func Models() []Model {
	return []Model{
		// Claude 4 series
		{ID: "claude-opus-4-1-20250805", DisplayName: "Claude Opus 4.1", ContextWindow: 500000},
		{ID: "claude-opus-4-20250514", DisplayName: "Claude Opus 4", ContextWindow: 500000},
		{ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", ContextWindow: 500000},
		// Claude 3.7 series
		{ID: "claude-3-7-sonnet-20250219", DisplayName: "Claude Sonnet 3.7", ContextWindow: 200000},
		{ID: "claude-3-7-sonnet-latest", DisplayName: "Claude Sonnet 3.7 (Latest)", ContextWindow: 200000},
		// Claude 3.5 series
		{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude Haiku 3.5", ContextWindow: 200000},
		{ID: "claude-3-5-haiku-latest", DisplayName: "Claude Haiku 3.5 (Latest)", ContextWindow: 200000},
		// Claude 3 series
		{ID: "claude-3-haiku-20240307", DisplayName: "Claude Haiku 3", ContextWindow: 200000},
	}
}

// DefaultModel is used when a request does not name one.
const DefaultModel = "claude-sonnet-4-20250514"
