package tools

// Result is the unified return type from tool execution. Tools never
// return Go errors to the executor; failures travel as error results so
// the model can read them and recover.
type Result struct {
	Content string `json:"result"`   // content sent back to the LLM
	IsError bool   `json:"is_error"` // marks a failed execution
}

// Execution status values carried on tools.results.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

func NewResult(content string) *Result {
	return &Result{Content: content}
}

func ErrorResult(message string) *Result {
	return &Result{Content: message, IsError: true}
}

// Status renders the wire status for this result.
func (r *Result) Status() string {
	if r.IsError {
		return StatusError
	}
	return StatusSuccess
}
