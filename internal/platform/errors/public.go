package errors

// Public descriptions. Every invalid_grant shares one description so callers
// cannot tell an unknown grant from a consumed, expired or stolen one.
const (
	descInvalidGrant = "The provided authorization grant is invalid, expired, or revoked."
	descUnavailable  = "The service is temporarily unavailable. Retry the request."
	descServerError  = "The server could not complete the request. Retry the request."
)

// Public converts err into the OAuth error code and description safe to show
// a client. Validation messages are passed through; everything else is
// replaced by a fixed description.
func Public(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	code := CodeOf(err)
	oauth := code.OAuthError()
	switch oauth {
	case OAuthInvalidRequest:
		var domainErr *Error
		if As(err, &domainErr) && domainErr.Message != "" {
			return oauth, domainErr.Message
		}
		return oauth, "The request is malformed."
	case OAuthInvalidGrant:
		return oauth, descInvalidGrant
	case OAuthTemporarilyUnavailable:
		return oauth, descUnavailable
	default:
		return oauth, descServerError
	}
}
