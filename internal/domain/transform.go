package domain

import (
	"strings"
	"time"
)

type Operation string

const (
	OperationResize  Operation = "resize"
	OperationConvert Operation = "convert"
	OperationFilter  Operation = "filter"
	OperationCrop    Operation = "crop"
	OperationText    Operation = "text"
	OperationRotate  Operation = "rotate"
)

var operations = []Operation{
	OperationResize,
	OperationConvert,
	OperationFilter,
	OperationCrop,
	OperationText,
	OperationRotate,
}

// Operations lists every supported operation in routing order.
func Operations() []Operation {
	out := make([]Operation, len(operations))
	copy(out, operations)
	return out
}

func ParseOperation(raw string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range operations {
		if op == known {
			return op, nil
		}
	}
	return "", &ValidationError{Field: "operation", Reason: "unsupported operation " + quote(raw)}
}

type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
)

// Artifact is a file owned by the artifact store. CreatedAt drives retention.
type Artifact struct {
	ID        string    `json:"id"`
	Path      string    `json:"-"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type TransformRequest struct {
	Operation Operation
	Input     *Artifact
	Params    map[string]string
}

type TransformResult struct {
	Operation Operation `json:"operation"`
	Output    Artifact  `json:"output"`
	Filter    string    `json:"filter,omitempty"`
	Format    string    `json:"format"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
}

// TransformEvent is the webhook body emitted when a transform settles.
type TransformEvent struct {
	JobID       string    `json:"job_id"`
	Operation   Operation `json:"operation"`
	Status      string    `json:"status"`
	OutputID    string    `json:"file_id,omitempty"`
	DownloadURL string    `json:"download_url,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
