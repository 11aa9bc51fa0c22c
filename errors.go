package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// ErrorKind classifies a failure by how the engine recovers from it.
type ErrorKind string

const (
	// KindTransient: dispatch failed before the server processed it. Safe to retry.
	KindTransient ErrorKind = "transient"
	// KindRejected: the server refused the command (validation, authorization).
	KindRejected ErrorKind = "rejected"
	// KindStaleReference: the target no longer exists remotely.
	KindStaleReference ErrorKind = "stale_reference"
	// KindHydrationMiss: a feed point lookup returned nothing.
	KindHydrationMiss ErrorKind = "hydration_miss"
)

var (
	// ErrPendingMessage is returned when editing or deleting a message that has
	// not been confirmed by the server yet.
	ErrPendingMessage = errors.New("message is still pending")
	// ErrNotConnected is returned by transports used before Connect.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by an engine after Close.
	ErrClosed = errors.New("engine closed")
	// ErrUnknownMessage is returned when a mutation targets a message that is
	// not in any loaded timeline.
	ErrUnknownMessage = errors.New("message not loaded")
	// ErrDeletedMessage is returned when editing a soft-deleted message.
	ErrDeletedMessage = errors.New("message is deleted")
	// ErrHydrationMiss marks a feed event whose point lookup found nothing.
	ErrHydrationMiss = errors.New("feed lookup returned no message")
)

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// TransportError wraps a failure that happened before the server answered.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Classify maps err onto the engine's error taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrHydrationMiss) {
		return KindHydrationMiss
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var te *TransportError
	if errors.As(err, &te) {
		return KindTransient
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusGone:
			return KindStaleReference
		case apiErr.Status >= 500:
			return KindTransient
		case strings.Contains(apiErr.Code, "NOT_FOUND"):
			return KindStaleReference
		case strings.Contains(apiErr.Code, "TIMEOUT") || strings.Contains(apiErr.Code, "NETWORK"):
			return KindTransient
		}
		return KindRejected
	}
	return KindRejected
}

// IsStaleReference reports whether err means the mutation target is gone.
func IsStaleReference(err error) bool {
	return Classify(err) == KindStaleReference
}

// Failure is the user-facing signal for a rolled back mutation.
type Failure struct {
	Op             string
	ConversationID string
	MessageID      string
	Kind           ErrorKind
	Err            error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s %s failed (%s): %v", f.Op, f.MessageID, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the user may retry the same command.
func (f *Failure) Retryable() bool { return f.Kind == KindTransient }
