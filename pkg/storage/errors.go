package storage

import "errors"

var (
	// ErrMailboxExists is returned by CreateMailbox on a duplicate name.
	ErrMailboxExists = errors.New("mailbox already exists")

	// ErrMailboxNotFound is returned when a mailbox name is unknown.
	ErrMailboxNotFound = errors.New("mailbox not found")

	// ErrMessageNotFound is returned when a message ID is absent from a
	// mailbox or offline queue.
	ErrMessageNotFound = errors.New("message not found")
)
