package server

import "github.com/strata-project/strata/pkg/model"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusError indicates a request failed.
	StatusError Status = "error"
)

// Response is the envelope for health and error replies.
type Response struct {
	Status Status `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// InstantResponse describes one instant and the file it is stored in.
type InstantResponse struct {
	model.Instant
	FileName string `json:"file_name"`
}

// TimelineResponse lists instants.
type TimelineResponse struct {
	Layout   string            `json:"layout"`
	Count    int               `json:"count"`
	Instants []InstantResponse `json:"instants"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewErrorResponse(code, err string) Response {
	return Response{Status: StatusError, Code: code, Error: err}
}
