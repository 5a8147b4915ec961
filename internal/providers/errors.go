package providers

import "errors"

// ErrModelFormat indicates the model returned output that could not be
// parsed as JSON after all retries and extraction fallbacks.
var ErrModelFormat = errors.New("model returned non-parsable output")
