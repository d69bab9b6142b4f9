package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusQueued indicates the request produced actions waiting for dispatch.
	APIStatusQueued APIStatus = "queued"
	// APIStatusSkipped indicates the item was already handled and nothing was queued.
	APIStatusSkipped APIStatus = "skipped"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// Queued creates a response for a submission that produced pending actions.
func Queued(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusQueued).WithMessage(message).WithResult(result).Build()
}

// Skipped creates a response for a submission that was deduplicated.
func Skipped(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusSkipped).WithMessage(message).Build()
}
