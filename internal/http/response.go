package http

import "mvccdb/pkg/store"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Item is one key of a read or scan.
type Item struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// Response represents the standard API response format.
type Response struct {
	Status    Status            `json:"status,omitempty"`
	Value     string            `json:"value,omitempty"`
	Items     []Item            `json:"items,omitempty"`
	Levels    []store.LevelStat `json:"levels,omitempty"`
	Timestamp uint64            `json:"timestamp,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewItemsResponse(items []Item) Response {
	return Response{Status: StatusSuccess, Items: items}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// Op is one write of a batch or transaction request.
type Op struct {
	Op    string `json:"op"` // "put" or "delete"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type BatchRequest struct {
	Ops []Op `json:"ops"`
}

// TxnRequest reads Reads and applies Ops in one transaction.
type TxnRequest struct {
	Reads       []string `json:"reads,omitempty"`
	Ops         []Op     `json:"ops,omitempty"`
	Consistency string   `json:"consistency,omitempty"`
}
