// Package model defines domain structs and error types shared across the
// core's subsystems and its persistence layer.
package model

import "fmt"

// Code is a short machine-readable error classifier, mirrored in RPC
// responses and log lines.
type Code string

const (
	CodeValidation      Code = "VALIDATION"
	CodeReservationLock Code = "RESERVATION_LOCK"
	CodeOverride        Code = "OVERRIDE"
	CodeProtocol        Code = "PROTOCOL"
	CodeConfigStore     Code = "CONFIG_STORE"
	CodeTimeout         Code = "TIMEOUT"
	CodeNotImplemented  Code = "NOT_IMPLEMENTED"
)

// Reservation result codes, reproduced verbatim from spec.md §4.3/§8: the
// reservation manager's new_task/cancel_task surface these as the literal
// info_string of a failed Result rather than as a Go error, so they are
// plain string constants rather than additional Code values.
const (
	ReservationMalformedRequest      = "MALFORMED_REQUEST"
	ReservationMissingAgentID        = "MISSING_AGENT_ID"
	ReservationMissingTaskID         = "MISSING_TASK_ID"
	ReservationMalformedRequestEmpty = "MALFORMED_REQUEST_EMPTY"
	ReservationMissingPriority       = "MISSING_PRIORITY"
	ReservationInvalidPriority       = "INVALID_PRIORITY"
	ReservationTaskIDAlreadyExists   = "TASK_ID_ALREADY_EXISTS"
	ReservationConflictsWithSelf     = "REQUEST_CONFLICTS_WITH_SELF"
	ReservationConflictsWithExisting = "CONFLICTS_WITH_EXISTING_RESERVATIONS"
	ReservationTasksWerePreempted    = "TASKS_WERE_PREEMPTED"
	ReservationTaskIDDoesNotExist    = "TASK_ID_DOES_NOT_EXIST"
	ReservationAgentTaskMismatch     = "AGENT_ID_TASK_ID_MISMATCH"
)

// CoreError is the common shape for every error the core raises across its
// RPC surface. Code classifies the failure; Message is human-readable;
// Topic is set when the error is attributable to a single point or device.
type CoreError struct {
	Code    Code
	Message string
	Topic   string
}

func (e *CoreError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Topic)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationError reports bad configuration or a malformed RPC argument.
func ValidationError(topic, message string) *CoreError {
	return &CoreError{Code: CodeValidation, Message: message, Topic: topic}
}

// ReservationLockError reports a write attempted without a valid reservation.
func ReservationLockError(topic, message string) *CoreError {
	return &CoreError{Code: CodeReservationLock, Message: message, Topic: topic}
}

// OverrideError reports a write attempted while a global override is active.
func OverrideError(topic string) *CoreError {
	return &CoreError{Code: CodeOverride, Message: "topic is overridden", Topic: topic}
}

// ProtocolError reports a driver interface failure, batch-granular.
func ProtocolError(topic, message string) *CoreError {
	return &CoreError{Code: CodeProtocol, Message: message, Topic: topic}
}

// ConfigStoreError reports a persistence failure. Facade.Enable and
// Facade.Disable return it to their caller after the in-memory Active flag
// has already been updated; nothing retries the failed write.
func ConfigStoreError(message string) *CoreError {
	return &CoreError{Code: CodeConfigStore, Message: message}
}

// TimeoutError reports an upstream service that did not respond in time.
func TimeoutError(message string) *CoreError {
	return &CoreError{Code: CodeTimeout, Message: message}
}

// NotImplementedError reports an RPC that is acknowledged but not built yet.
func NotImplementedError(message string) *CoreError {
	return &CoreError{Code: CodeNotImplemented, Message: message}
}
