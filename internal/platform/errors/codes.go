package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// User errors
	CodeUserEmptyEmail     Code = "USER_EMPTY_EMAIL"
	CodeUserInvalidEmail   Code = "USER_INVALID_EMAIL"
	CodeUserEmailTaken     Code = "USER_EMAIL_TAKEN"
	CodeUserEmptyDisplay   Code = "USER_EMPTY_DISPLAY_NAME"
	CodeUserDisplayTooLong Code = "USER_DISPLAY_NAME_TOO_LONG"

	// Passkey ceremony errors
	CodePasskeyChallengeInvalid            Code = "PASSKEY_CHALLENGE_INVALID"
	CodePasskeyClientDataMismatch          Code = "PASSKEY_CLIENT_DATA_MISMATCH"
	CodePasskeyMalformedAttestation        Code = "PASSKEY_MALFORMED_ATTESTATION"
	CodePasskeyAuthenticatorDataInvalid    Code = "PASSKEY_AUTHENTICATOR_DATA_INVALID"
	CodePasskeyCredentialAlreadyRegistered Code = "PASSKEY_CREDENTIAL_ALREADY_REGISTERED"
	CodePasskeyCredentialNotFound          Code = "PASSKEY_CREDENTIAL_NOT_FOUND"
	CodePasskeySignatureInvalid            Code = "PASSKEY_SIGNATURE_INVALID"
	CodePasskeyPossibleClone               Code = "PASSKEY_POSSIBLE_CLONE"
	CodePasskeyUnsupportedAttestation      Code = "PASSKEY_UNSUPPORTED_ATTESTATION_FORMAT"
	CodePasskeyNoneRegistered              Code = "PASSKEY_NONE_REGISTERED"
	CodePasskeyEmptyName                   Code = "PASSKEY_EMPTY_NAME"

	// Session errors
	CodeSessionInvalidToken Code = "SESSION_INVALID_TOKEN"
	CodeSessionExpiredToken Code = "SESSION_EXPIRED_TOKEN"

	// Storage errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeChallengeExpired   Code = "CHALLENGE_EXPIRED"
	CodeStaleCounter       Code = "STALE_COUNTER"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// HTTPStatus maps domain codes to HTTP status codes for the transport layer.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, failed ceremony input
	case CodeUserEmptyEmail,
		CodeUserInvalidEmail,
		CodeUserEmptyDisplay,
		CodeUserDisplayTooLong,
		CodePasskeyEmptyName,
		CodePasskeyMalformedAttestation,
		CodePasskeyAuthenticatorDataInvalid,
		CodePasskeyUnsupportedAttestation:
		return http.StatusBadRequest

	// Unauthorized - failed proof of identity
	case CodePasskeyChallengeInvalid,
		CodePasskeyClientDataMismatch,
		CodePasskeySignatureInvalid,
		CodePasskeyPossibleClone,
		CodeChallengeExpired,
		CodeSessionInvalidToken,
		CodeSessionExpiredToken:
		return http.StatusUnauthorized

	// Not found
	case CodeNotFound,
		CodePasskeyCredentialNotFound,
		CodePasskeyNoneRegistered:
		return http.StatusNotFound

	// Conflict
	case CodeUserEmailTaken,
		CodeConflict,
		CodePasskeyCredentialAlreadyRegistered:
		return http.StatusConflict

	// Retryable backend failure
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
