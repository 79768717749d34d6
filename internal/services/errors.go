// Package services defines the business logic for chat turns, conversations,
// and rewards. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer;
// translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrConversationNotFound indicates that the requested conversation does
	// not exist or is not accessible to the current user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNoMessages is returned when a chat request carries an empty message
	// sequence.
	ErrNoMessages = errors.New("no messages provided")

	// ErrEmptyPrompt is returned when the latest user message has no content.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrTooLong is returned when the latest user message exceeds the
	// maximum configured length limit.
	ErrTooLong = errors.New("prompt too long")

	// ErrLastNotUser is returned when the final message of the sequence was
	// not authored by the user; there is nothing to reply to otherwise.
	ErrLastNotUser = errors.New("last message must be from the user")
)
