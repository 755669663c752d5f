// Package services defines the bot's business logic: session and dialog
// bookkeeping, the daily quota, context-trim notices, payment confirmation
// polling, and the orchestration engine that routes every incoming event.
// This file centralizes service-level error values so callers can check them
// with errors.Is.
package services

import "errors"

var (
	// ErrUserNotFound indicates the platform user has never contacted the bot.
	ErrUserNotFound = errors.New("user not found")

	// ErrNothingToRetry is returned when /retry finds an empty dialog.
	ErrNothingToRetry = errors.New("no message to retry")

	// ErrAlreadySubscribed is returned when a purchase is requested while a
	// subscription is still active.
	ErrAlreadySubscribed = errors.New("subscription already active")

	// ErrDialogNotFound indicates the requested dialog does not exist.
	ErrDialogNotFound = errors.New("dialog not found")

	// ErrNoVoice is returned for a voice route event without a voice payload.
	ErrNoVoice = errors.New("event carries no voice message")
)
