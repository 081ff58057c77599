package collab

import (
	"fmt"
	"strings"
	"time"
)

// Error taxonomy for the edit pipeline. Validation errors are resolved
// locally and never reach the wire. Transport and policy errors surface to
// the caller but do not reset engine state.

// InvalidChangeError is a malformed patch, rejected before submission.
type InvalidChangeError struct {
	Message string
}

func (self *InvalidChangeError) Error() string {
	return fmt.Sprintf("invalid change: %s", self.Message)
}

func newInvalidChange(format string, a ...any) *InvalidChangeError {
	return &InvalidChangeError{
		Message: fmt.Sprintf(format, a...),
	}
}

const (
	PolicyReasonLink      = "link"
	PolicyReasonProfanity = "profanity"
)

// PolicyRejectedError is a content-policy rejection, either the local
// link gate or the service-side moderation check. The optimistic local
// apply is not rolled back (see the divergence note on Session.Edit).
type PolicyRejectedError struct {
	Reason string
}

func (self *PolicyRejectedError) Error() string {
	return fmt.Sprintf("policy rejected: %s", self.Reason)
}

// TransportUnavailableError is a durable write or channel send that failed
// for network reasons. Local state stands; the specific edit is not
// retried.
type TransportUnavailableError struct {
	Op  string
	Err error
}

func (self *TransportUnavailableError) Error() string {
	return fmt.Sprintf("transport unavailable (%s): %s", self.Op, self.Err)
}

func (self *TransportUnavailableError) Unwrap() error {
	return self.Err
}

// MalformedFrameError is an inbound channel frame that does not decode
// into a known message kind. Dispatch fails closed on it.
type MalformedFrameError struct {
	FrameType string
	Err       error
}

func (self *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame (type=%q): %s", self.FrameType, self.Err)
}

func (self *MalformedFrameError) Unwrap() error {
	return self.Err
}

// CooldownActiveError rejects a local edit issued before the cooldown
// window has expired.
type CooldownActiveError struct {
	Remaining time.Duration
}

func (self *CooldownActiveError) Error() string {
	return fmt.Sprintf("cooldown active: %s remaining", self.Remaining)
}

// classifyUpdateError maps a durable-write failure onto the taxonomy.
// The service reports policy rejections as error text, not codes.
func classifyUpdateError(err error) error {
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "links are not allowed") {
		return &PolicyRejectedError{Reason: PolicyReasonLink}
	}
	if strings.Contains(message, "profanity") {
		return &PolicyRejectedError{Reason: PolicyReasonProfanity}
	}
	return &TransportUnavailableError{Op: "update document", Err: err}
}
