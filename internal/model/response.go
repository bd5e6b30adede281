package model

// ListResponse is the standard envelope for list endpoints, wrapping results
// in a "resource" array with a count.
type ListResponse struct {
	Resource interface{}   `json:"resource"`
	Meta     *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta contains the result count for list responses.
type ResponseMeta struct {
	Count int `json:"count"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// MessageResponse is returned by endpoints whose only result is a status.
type MessageResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}
