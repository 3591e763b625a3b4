package domain

import (
	"errors"
	"fmt"

	"github.com/dugrema/millegrilles-landing/internal/message"
)

// AuthorizationDeniedError is returned when the trust policy rejects a sender.
// It is expected and never fatal.
type AuthorizationDeniedError struct {
	Category      message.Category
	Action        string
	CorrelationID string
	Reason        string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Reason != "" {
		return "authorization denied: " + e.Reason
	}
	return fmt.Sprintf("authorization denied: %s %s (correlation=%s)", e.Category, e.Action, e.CorrelationID)
}

// DecodeError reports a payload that does not match the action's shape.
type DecodeError struct {
	Action string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Action, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// MissingIdentityError reports a credential without the subject id an action
// requires. It signals a malformed credential rather than an unauthorized one.
type MissingIdentityError struct {
	Action string
}

func (e *MissingIdentityError) Error() string {
	return fmt.Sprintf("%s: user_id missing from credential", e.Action)
}

// ApplyError reports a failed persistence operation while applying a
// transaction. It is never retried at this layer.
type ApplyError struct {
	Action        string
	TransactionID string
	Err           error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s (transaction=%s): storage: %v", e.Action, e.TransactionID, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// IsAuthorizationDenied returns true if err is an AuthorizationDeniedError.
// Uses errors.As to handle wrapped errors.
func IsAuthorizationDenied(err error) bool {
	var de *AuthorizationDeniedError
	return errors.As(err, &de)
}

// IsDecodeError returns true if err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsMissingIdentity returns true if err is a MissingIdentityError.
func IsMissingIdentity(err error) bool {
	var me *MissingIdentityError
	return errors.As(err, &me)
}

// IsStorageError returns true if err is an ApplyError.
func IsStorageError(err error) bool {
	var ae *ApplyError
	return errors.As(err, &ae)
}
