package lode

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for storage failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrPermissionDenied indicates a local permission failure (EACCES).
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound indicates the target path/resource does not exist (ENOENT, 404).
	ErrNotFound = errors.New("not found")
	// ErrDiskFull indicates storage is out of space (ENOSPC).
	ErrDiskFull = errors.New("no space left on device")
	ErrTimeout  = errors.New("operation timed out")
	// ErrThrottled indicates rate limiting (429, SlowDown).
	ErrThrottled = errors.New("rate limited")
	// ErrAuth indicates missing or rejected credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrAccessDenied indicates valid credentials without permission (403).
	ErrAccessDenied = errors.New("access denied")
	// ErrNetwork indicates a network-level failure (connection refused, DNS).
	ErrNetwork = errors.New("network error")
)

// StorageError wraps an underlying error with storage classification.
type StorageError struct {
	// Kind is the sentinel error for classification.
	Kind error
	// Op is the operation that failed: "write", "read" or "init".
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewStorageError creates a classified storage error.
func NewStorageError(kind error, op, path string, err error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Path: path, Err: err}
}

// WrapWriteError classifies and wraps a write error. Returns nil for nil.
func WrapWriteError(err error, path string) error {
	return wrap(err, "write", path)
}

// WrapReadError classifies and wraps a read error. Returns nil for nil.
func WrapReadError(err error, path string) error {
	return wrap(err, "read", path)
}

// WrapInitError classifies and wraps an archive initialization error.
func WrapInitError(err error, dataset string) error {
	return wrap(err, "init", dataset)
}

func wrap(err error, op, path string) error {
	if err == nil {
		return nil
	}
	return NewStorageError(classifyError(err), op, path, err)
}

// errStorage is the kind of errors no rule recognizes.
var errStorage = errors.New("storage error")

// classificationRules are evaluated in order; the first rule with a
// matching pattern wins. Patterns are lowercase.
var classificationRules = []struct {
	kind     error
	patterns []string
}{
	{ErrNotFound, []string{"no such file", "does not exist", "not found", "enoent", "404", "nosuchkey"}},
	{ErrDiskFull, []string{"no space left", "disk full", "enospc", "quota exceeded"}},
	{ErrTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrThrottled, []string{"slowdown", "rate exceeded", "throttl", "429", "toomanyrequests"}},
	{ErrAuth, []string{"nocredentialproviders", "credentials", "invalidaccesskeyid",
		"signaturedoesnotmatch", "expiredtoken", "401", "unauthorized"}},
	{ErrAccessDenied, []string{"accessdenied", "forbidden", "403"}},
	{ErrNetwork, []string{"connection refused", "no route to host", "network unreachable", "dns", "dial tcp"}},
}

// classifyError maps an error to a sentinel by type, then by message.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	// Permission wording is split by whether the backend reported an
	// authorization (403-style) or a filesystem failure.
	if containsAny(msg, "permission denied", "eacces", "access denied") {
		if containsAny(msg, "accessdenied", "forbidden", "403") {
			return ErrAccessDenied
		}
		return ErrPermissionDenied
	}
	for _, rule := range classificationRules {
		if containsAny(msg, rule.patterns...) {
			return rule.kind
		}
	}
	return errStorage
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
