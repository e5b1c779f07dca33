package gateway

import "time"

// PresignedURL is returned by GET /images/{key}/presigned.
type PresignedURL struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// ObjectSummary is a single entry returned by GET /images/all.
type ObjectSummary struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"lastModified"`
	Size         int64     `json:"size"`
}

// ErrorResponse is returned for any failed API request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error kinds reported in ErrorResponse.Error.
const (
	KindClientInputError = "ClientInputError"
	KindStoreError       = "StoreError"
	KindNotFound         = "NotFound"
	KindInternalError    = "InternalError"
)
