package sshadapter

import "errors"

// ErrNeedsPassword and ErrNeedsUsernamePassword are returned by Open
// when the target host rejects the supplied credentials (or none were
// supplied), so the caller can reply with the matching Error kind and
// hold the tunnel in AwaitingCreds rather than closing it.
var (
	ErrNeedsPassword         = errors.New("sshadapter: password required")
	ErrNeedsUsernamePassword = errors.New("sshadapter: username and password required")
)
