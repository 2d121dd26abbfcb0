// Package pikaerr defines the error taxonomy shared across the core
// subsystems and the mapping from Go sentinel errors to the wire-level
// error codes surfaced on the controller protocol and the control-plane
// response events.
package pikaerr

import "errors"

// Validation errors.
var (
	ErrBadRelays  = errors.New("bad relays")
	ErrBadGroupID = errors.New("bad group id")
	ErrBadEventID = errors.New("bad event id")
	ErrBadPubkey  = errors.New("bad pubkey")
	ErrBadRequest = errors.New("bad request")
	ErrBadEmoji   = errors.New("bad emoji")
	ErrBadAction  = errors.New("bad action")
)

// Authorization errors.
var (
	ErrAuthFailed                 = errors.New("auth failed")
	ErrProvisionUnauthorized      = errors.New("provision unauthorized")
	ErrRuntimeClassUnavailable    = errors.New("runtime class unavailable")
	ErrUnsupportedProtocol        = errors.New("unsupported protocol")
	ErrProviderTemporarilyDisabled = errors.New("provider temporarily disabled")
)

// State errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrBusy          = errors.New("busy")
	ErrNoKeyPackages = errors.New("no key packages")
	ErrNoTTSEngine   = errors.New("no tts engine configured")
)

// Transport errors.
var (
	ErrPublishFailed  = errors.New("publish failed")
	ErrFetchFailed    = errors.New("fetch failed")
	ErrUploadFailed   = errors.New("upload failed")
	ErrGiftWrapFailed = errors.New("gift wrap failed")
	ErrFileError      = errors.New("file error")
)

// Internal errors.
var (
	ErrMDKError            = errors.New("mdk error")
	ErrSignFailed          = errors.New("sign failed")
	ErrEncryptError        = errors.New("encrypt error")
	ErrRuntimeError        = errors.New("runtime error")
	ErrStatePersistFailed  = errors.New("state persist failed")
	ErrInvalidSchema       = errors.New("invalid schema")
	ErrInvalidCommandJSON  = errors.New("invalid command json")
)

// codeTable maps every sentinel to its wire code. Order follows the
// declaration groups above (validation, authorization, state, transport,
// internal) so the table stays auditable against them.
var codeTable = []struct {
	err  error
	code string
}{
	{ErrBadRelays, "bad_relays"},
	{ErrBadGroupID, "bad_group_id"},
	{ErrBadEventID, "bad_event_id"},
	{ErrBadPubkey, "bad_pubkey"},
	{ErrBadRequest, "bad_request"},
	{ErrBadEmoji, "bad_emoji"},
	{ErrBadAction, "bad_action"},
	{ErrAuthFailed, "auth_failed"},
	{ErrProvisionUnauthorized, "provision_unauthorized"},
	{ErrRuntimeClassUnavailable, "runtime_class_unavailable"},
	{ErrUnsupportedProtocol, "unsupported_protocol"},
	{ErrProviderTemporarilyDisabled, "provider_temporarily_disabled"},
	{ErrNotFound, "not_found"},
	{ErrBusy, "busy"},
	{ErrNoKeyPackages, "no_key_packages"},
	{ErrNoTTSEngine, "no_tts_engine"},
	{ErrPublishFailed, "publish_failed"},
	{ErrFetchFailed, "fetch_failed"},
	{ErrUploadFailed, "upload_failed"},
	{ErrGiftWrapFailed, "gift_wrap_failed"},
	{ErrFileError, "file_error"},
	{ErrMDKError, "mdk_error"},
	{ErrSignFailed, "sign_failed"},
	{ErrEncryptError, "encrypt_error"},
	{ErrRuntimeError, "runtime_error"},
	{ErrStatePersistFailed, "state_persist_failed"},
	{ErrInvalidSchema, "invalid_schema"},
	{ErrInvalidCommandJSON, "invalid_command_json"},
}

// Code returns the wire-level code for err, walking the errors.Is chain.
// Unrecognized errors map to "internal_error" rather than panicking —
// callers serialize whatever they get onto the controller protocol.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "internal_error"
}
