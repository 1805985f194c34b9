package acquire

import (
	"errors"
	"fmt"

	"github.com/dfirkit/velopack/platform"
)

// Sentinel errors for classification with errors.Is.
var (
	ErrHashMismatch        = errors.New("hash mismatch")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrNoSource            = errors.New("no download source")
)

// HashMismatchError reports a downloaded binary whose digest does not
// match the declared expected hash. The binary is discarded; an
// unverified tool is never cached or packaged.
type HashMismatchError struct {
	Tool     string
	URL      string
	Expected string
	Got      string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s (%s): expected %s, got %s",
		e.Tool, e.URL, e.Expected, e.Got)
}

func (e *HashMismatchError) Unwrap() error { return ErrHashMismatch }

// NetworkError reports a failed download. Permanent errors (4xx) were
// not retried; transient ones exhausted their retries.
type NetworkError struct {
	URL       string
	Status    int
	Permanent bool
	Wrapped   error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Wrapped)
}

func (e *NetworkError) Unwrap() error { return e.Wrapped }

// UnsupportedPlatformError reports a tool that cannot run on the
// requested target platform.
type UnsupportedPlatformError struct {
	Tool   string
	Have   platform.Platform
	Target platform.Platform
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("tool %s targets %s, package targets %s", e.Tool, e.Have, e.Target)
}

func (e *UnsupportedPlatformError) Unwrap() error { return ErrUnsupportedPlatform }

// NoSourceError reports a reference with neither URL nor github project.
type NoSourceError struct {
	Tool string
}

func (e *NoSourceError) Error() string {
	return fmt.Sprintf("tool %s has no url or github project to fetch from", e.Tool)
}

func (e *NoSourceError) Unwrap() error { return ErrNoSource }
