package peerid

import "errors"

// ErrInvalidLength is returned when a byte slice is not exactly 16 bytes.
var ErrInvalidLength = errors.New("peerid: value must be exactly 16 bytes")
