package call

import "errors"

// Sentinel errors for the call orchestrator. Classify with errors.Is().
var (
	// ErrBusy indicates the process already has an Active call.
	ErrBusy = errors.New("call: already active with another call")

	// ErrUnsupportedVideo indicates an invite carried a video0 track and
	// the local profile rejects video.
	ErrUnsupportedVideo = errors.New("call: unsupported video track")

	// ErrAuthFailed indicates relay-auth capability validation failed on accept.
	ErrAuthFailed = errors.New("call: relay-auth capability validation failed")

	// ErrNoSuchCall indicates the referenced call id is not known locally.
	ErrNoSuchCall = errors.New("call: no such call")

	// ErrNotPendingInvite indicates accept/reject was called outside PendingInvite.
	ErrNotPendingInvite = errors.New("call: not a pending inbound invite")

	// ErrNotActive indicates an operation required an Active call.
	ErrNotActive = errors.New("call: no active call")

	// ErrWrongMode indicates a data/audio-only operation was attempted on the other mode.
	ErrWrongMode = errors.New("call: wrong call mode for this operation")

	// ErrSeqExhausted indicates the per-call u32 sequence counter overflowed.
	ErrSeqExhausted = errors.New("call: sequence counter exhausted")

	// ErrPublishRetriesExhausted indicates an outgoing invite failed to publish
	// after the configured number of retries.
	ErrPublishRetriesExhausted = errors.New("call: publish retries exhausted")

	// ErrUnrecognizedSignal indicates a call-signal envelope with an unknown type.
	ErrUnrecognizedSignal = errors.New("call: unrecognized signal type")

	// ErrMalformedSignal indicates a call-signal payload that could not be parsed
	// under any of the three compat wrappings.
	ErrMalformedSignal = errors.New("call: malformed signal payload")
)
