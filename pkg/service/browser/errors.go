package browser

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures so callers can pick status codes and
// decide whether recovery is worth attempting.
type ErrorKind string

const (
	KindCannotOpenPage ErrorKind = "cannot_open_page"
	KindBrowserCrash   ErrorKind = "browser_crash"
	KindPageCorrupted  ErrorKind = "page_corrupted"
	KindHealthCheck    ErrorKind = "health_check_failed"
	KindRecoveryFailed ErrorKind = "recovery_failed"
)

var (
	// ErrBusy is returned when a session operation overlaps another one.
	ErrBusy = errors.New("browser session is busy")
	// ErrNoPage is returned by Capture when nothing has been navigated.
	ErrNoPage = errors.New("no page has been navigated")
)

// Error is the typed failure produced by the browser package.
type Error struct {
	Kind    ErrorKind
	Status  int
	URL     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(e.URL)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// CannotOpenPage reports a navigation that got a bad status or no response.
func CannotOpenPage(status int, url string, err error) *Error {
	return &Error{Kind: KindCannotOpenPage, Status: status, URL: url, Err: err}
}

func BrowserCrash(msg string, err error) *Error {
	return &Error{Kind: KindBrowserCrash, Message: msg, Err: err}
}

func PageCorrupted(msg string, err error) *Error {
	return &Error{Kind: KindPageCorrupted, Message: msg, Err: err}
}

func HealthCheckFailed(msg string, err error) *Error {
	return &Error{Kind: KindHealthCheck, Message: msg, Err: err}
}

func RecoveryFailed(attempts int, err error) *Error {
	return &Error{Kind: KindRecoveryFailed, Message: fmt.Sprintf("gave up after %d attempts", attempts), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

var crashPatterns = []string{
	"target closed",
	"session closed",
	"protocol error",
	"target crashed",
	"browser has disconnected",
	"websocket: close",
	"use of closed network connection",
	"connection reset by peer",
	"broken pipe",
	"invalid context",
}

// IsCrashError reports whether err looks like the browser process or its
// protocol connection went away.
func IsCrashError(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, KindBrowserCrash) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range crashPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify turns a raw driver error into a typed one. Typed errors pass
// through untouched.
func Classify(err error, url string) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if IsCrashError(err) {
		return BrowserCrash("browser connection lost", err)
	}
	if strings.Contains(err.Error(), "net::ERR_") {
		return CannotOpenPage(0, url, err)
	}
	return err
}
