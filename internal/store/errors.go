package store

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist.
var ErrNotFound = errors.New("store: record not found")

// ErrRoomNotFound mirrors the wire error code for a missing room (spec §4.8
// step 1), kept distinct from ErrNotFound so callers can map it straight to
// protocol.ErrorCode without a type switch on which table was queried.
var ErrRoomNotFound = errors.New("store: room not found")

// ErrNotAMember is returned by SendMessage when the sender is neither the
// room's creator nor a listed member (I2, spec §4.8 step 2).
var ErrNotAMember = errors.New("store: sender is not a room member")

// ErrTooManyAttachments is returned by SendMessage when the caller's
// attachment id list exceeds the 20-item cap (spec §4.8 step 4).
var ErrTooManyAttachments = errors.New("store: too many attachments")
