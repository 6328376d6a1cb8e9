// Package apperr defines the error taxonomy shared by the control plane and
// the node agent.
package apperr

import (
	"errors"
	"fmt"
)

// TransportError is returned for any failed call to a node agent: DNS,
// dial, timeout, non-2xx status or an undecodable body. Always recoverable.
type TransportError struct {
	Node    string
	Op      string
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("node %s: %s: %s", e.Node, e.Op, e.Message)
}

// ValidationError rejects bad input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ConflictError reports a uniqueness violation, such as a duplicate SOCKS5
// username on a node.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.Key)
}

// NotFoundError reports an unknown node, subscription, secret or account.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func Transport(node, op string, err error) error {
	return &TransportError{Node: node, Op: op, Message: err.Error()}
}

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func Conflict(resource, key string) error {
	return &ConflictError{Resource: resource, Key: key}
}

func NotFound(resource, key string) error {
	return &NotFoundError{Resource: resource, Key: key}
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
