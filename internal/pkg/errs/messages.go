package errs

import "errors"

// Known causes of identity provider failures.
const (
	ReasonInvalidEmail      = "invalid-email"
	ReasonWrongPassword     = "wrong-password"
	ReasonUserNotFound      = "user-not-found"
	ReasonNetwork           = "network-error"
	ReasonEmailAlreadyInUse = "email-already-in-use"
	ReasonWeakPassword      = "weak-password"
)

const genericMessage = "Hmm, something went wrong. Could you try again?"

var reasonMessages = map[string]string{
	ReasonInvalidEmail:      "That email doesn't look quite right. Can you double-check it?",
	ReasonWrongPassword:     "Oops! That's not the correct password. Want to try again?",
	ReasonUserNotFound:      "We couldn't find an account with that email. Want to sign up?",
	ReasonNetwork:           "Looks like there's a network issue. Please check your connection.",
	ReasonEmailAlreadyInUse: "This email is already in use! Maybe you signed up earlier?",
	ReasonWeakPassword:      "That password looks too weak. Try something stronger!",
}

var kindMessages = map[Kind]string{
	KindUnauthenticated:  "Please sign in to continue.",
	KindNotFound:         "That group doesn't exist anymore.",
	KindAlreadyExists:    "You're already a member of this group.",
	KindPermissionDenied: "You don't have permission to do that.",
	KindAggregated:       "Some items couldn't be loaded. Pull to refresh to try again.",
	KindDegradedState:    "The group was created, but setup didn't finish. Please check its settings.",
	KindDeadlineExceeded: "This is taking too long. Please check your connection and try again.",
	KindUnavailable:      reasonMessages[ReasonNetwork],
}

// UserMessage renders err as short text suitable for an end user. Raw backend
// text is never returned, with the exception of InvalidArgument messages which
// are produced by local validation.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := reasonMessages[ReasonOf(err)]; ok {
		return msg
	}
	kind := KindOf(err)
	if kind == KindInvalidArgument {
		var e *Error
		if errors.As(err, &e) && e.Message != "" {
			return e.Message
		}
	}
	if msg, ok := kindMessages[kind]; ok {
		return msg
	}
	return genericMessage
}
