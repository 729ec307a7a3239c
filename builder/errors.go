package builder

import "errors"

// ErrInvalidConfig marks a Builder configured with a value that must be
// rejected before any I/O happens: non-positive cell_size, an explicit
// bbox with min > max on some axis, or a negative bbox margin. Build
// also returns it when auto bbox mode finds no valid samples to derive
// a bbox from.
var ErrInvalidConfig = errors.New("builder: invalid config")
