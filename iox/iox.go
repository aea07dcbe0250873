// Package iox provides I/O helpers for resource cleanup.
package iox

import (
	"errors"
	"io"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. Flush) where errors are unactionable:
//
//	defer iox.DiscardErr(w.Flush)
func DiscardErr(fn func() error) { _ = fn() }

// DrainClose discards any remaining bytes of rc and closes it, allowing
// HTTP connection reuse:
//
//	defer iox.DrainClose(resp.Body)
func DrainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}

// ErrTooLarge is returned by ReadAllLimit when the limit is exceeded.
var ErrTooLarge = errors.New("iox: read limit exceeded")

// ReadAllLimit reads r until EOF or until more than limit bytes are seen.
func ReadAllLimit(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}
