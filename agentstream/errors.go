package agentstream

import "strings"

// ErrorKind classifies error events so consumers can choose a recovery path.
type ErrorKind string

const (
	ErrorTransport ErrorKind = "transport"
	ErrorProtocol  ErrorKind = "protocol"
	ErrorTimeout   ErrorKind = "timeout"
	ErrorAuth      ErrorKind = "auth"
	ErrorProcess   ErrorKind = "process"
	ErrorConfig    ErrorKind = "config"
	ErrorProvider  ErrorKind = "provider"
)

// AuthErrorPrefix starts the content of every authentication error event so
// clients can recognize them without parsing metadata.
const AuthErrorPrefix = "authentication_error: "

// ErrorEvent builds a terminal error event. Auth errors get AuthErrorPrefix.
func ErrorEvent(kind ErrorKind, message string) Event {
	if kind == ErrorAuth && !strings.HasPrefix(message, AuthErrorPrefix) {
		message = AuthErrorPrefix + message
	}
	return Event{
		Type:     TypeError,
		Content:  message,
		Metadata: map[string]any{MetaErrorKind: string(kind)},
	}
}

// ErrorKindOf returns the kind of an error event, or "" for other events.
func ErrorKindOf(e Event) ErrorKind {
	if e.Type != TypeError {
		return ""
	}
	return ErrorKind(e.MetaString(MetaErrorKind))
}

// IsAuthError reports whether an event is an authentication error.
func IsAuthError(e Event) bool {
	return e.Type == TypeError && strings.HasPrefix(e.Content, AuthErrorPrefix)
}

var authMarkers = []string{
	"invalid api key",
	"invalid x-api-key",
	"authentication_error",
	"please run /login",
	"not logged in",
	"oauth token has expired",
	"401 unauthorized",
	"unauthorized",
	"missing credentials",
	"credentials not found",
}

// LooksLikeAuthFailure reports whether provider output text describes a
// credentials problem.
func LooksLikeAuthFailure(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ClassifyFailure builds an error event for provider failure text, promoting
// it to an auth error when the text describes a credentials problem.
func ClassifyFailure(fallback ErrorKind, message string) Event {
	if LooksLikeAuthFailure(message) {
		return ErrorEvent(ErrorAuth, message)
	}
	return ErrorEvent(fallback, message)
}
