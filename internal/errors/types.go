package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies a mesh failure and selects its recovery strategy.
type Kind int

const (
	KindGeneric Kind = iota
	KindNetwork
	KindConfiguration
	KindNode
)

// String returns the lowercase kind name used in logs and stats.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindConfiguration:
		return "configuration"
	case KindNode:
		return "node"
	default:
		return "generic"
	}
}

// Common error codes
const (
	CodeProbeTimeout  = "PROBE_TIMEOUT"
	CodeProbeFailed   = "PROBE_FAILED"
	CodeUnreachable   = "UNREACHABLE"
	CodeConfigMissing = "CONFIG_MISSING"
	CodeConfigInvalid = "CONFIG_INVALID"
	CodePanic         = "PANIC"
)

var (
	ErrProbeTimeout    = stderrors.New("probe timed out")
	ErrNoConfiguration = stderrors.New("configuration not loaded")
)

// MeshError is a classified failure raised at the site where it happened.
// It is not modified after construction; the With* helpers return copies.
type MeshError struct {
	Kind      Kind
	Message   string
	NodeID    string
	Code      string
	Timestamp time.Time
	cause     error
}

// New creates a mesh error of the given kind.
func New(kind Kind, message, nodeID, code string) *MeshError {
	return &MeshError{
		Kind:      kind,
		Message:   message,
		NodeID:    nodeID,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// NewNetworkError creates a network failure.
func NewNetworkError(message, nodeID, code string) *MeshError {
	return New(KindNetwork, message, nodeID, code)
}

// NewConfigurationError creates a configuration failure.
func NewConfigurationError(message, code string) *MeshError {
	return New(KindConfiguration, message, "", code)
}

// NewNodeError creates a node failure.
func NewNodeError(message, nodeID, code string) *MeshError {
	return New(KindNode, message, nodeID, code)
}

// Error implements the error interface
func (e *MeshError) Error() string {
	msg := e.Message
	if e.NodeID != "" {
		msg = fmt.Sprintf("node %s: %s", e.NodeID, msg)
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the wrapped error
func (e *MeshError) Unwrap() error {
	return e.cause
}

// WithCause returns a copy of e wrapping err.
func (e *MeshError) WithCause(err error) *MeshError {
	c := *e
	c.cause = err
	return &c
}

// ForNode returns a copy of e attributed to nodeID. An error that already
// names a node is returned unchanged.
func (e *MeshError) ForNode(nodeID string) *MeshError {
	if e.NodeID != "" || nodeID == "" {
		return e
	}
	c := *e
	c.NodeID = nodeID
	return &c
}

// Identity groups failures of the same logical condition for retry budgeting.
type Identity struct {
	Kind   Kind
	NodeID string
	Code   string
}

// String renders the identity as kind/node/code with "-" for empty parts.
func (id Identity) String() string {
	node, code := id.NodeID, id.Code
	if node == "" {
		node = "-"
	}
	if code == "" {
		code = "-"
	}
	return fmt.Sprintf("%s/%s/%s", id.Kind, node, code)
}

// Identity returns the retry-budget key of e. It does not include the
// timestamp, so repeated occurrences of one condition share a budget.
func (e *MeshError) Identity() Identity {
	return Identity{Kind: e.Kind, NodeID: e.NodeID, Code: e.Code}
}

// Classify converts any error into a *MeshError. Errors that already are
// (or wrap) a MeshError are returned as is.
func Classify(err error) *MeshError {
	if err == nil {
		return nil
	}

	var meshErr *MeshError
	if stderrors.As(err, &meshErr) {
		return meshErr
	}

	switch {
	case stderrors.Is(err, ErrProbeTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return NewNetworkError("operation timed out", "", CodeProbeTimeout).WithCause(err)
	case stderrors.Is(err, ErrNoConfiguration):
		return NewConfigurationError("configuration missing", CodeConfigMissing).WithCause(err)
	default:
		return New(KindGeneric, "unclassified error", "", "").WithCause(err)
	}
}
