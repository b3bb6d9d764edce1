package openai

// ErrorResponse is the OpenAI-style error envelope returned on every failed
// request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error in the envelope.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// NewErrorResponse builds an envelope. code may be empty, in which case the
// field serializes as null, matching the reference servers.
func NewErrorResponse(message, errType, code string) ErrorResponse {
	detail := ErrorDetail{
		Message: message,
		Type:    errType,
	}
	if code != "" {
		detail.Code = &code
	}
	return ErrorResponse{Error: detail}
}
