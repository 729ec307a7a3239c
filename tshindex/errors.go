package tshindex

import "errors"

// ErrFormat marks a corrupt or unrecognized on-disk index: bad magic,
// unsupported version, or a file size that does not match the header's
// declared entry/id counts.
var ErrFormat = errors.New("tshindex: format error")

// ErrIO marks a failure opening or reading the backing stream.
var ErrIO = errors.New("tshindex: io error")
