package models

import "errors"

// Model validation errors.
var (
	// ErrJobInputRequired indicates a job was created without a video reference.
	ErrJobInputRequired = errors.New("job requires a video URL or local path")

	// ErrJobUserRequired indicates a job was created without an owner.
	ErrJobUserRequired = errors.New("job requires a user id")

	// ErrInvalidStatusTransition indicates a job status change that would
	// move backwards or leave a terminal state.
	ErrInvalidStatusTransition = errors.New("invalid job status transition")

	// ErrReceiptSettled indicates a credit receipt that was already
	// committed or refunded.
	ErrReceiptSettled = errors.New("credit receipt already settled")
)
