package dispatch

import "errors"

// ErrInvariant marks impossible states: a seqno moving backward, a
// partitioner returning an out-of-range partition, or an exhausted
// critical-section queue. Invariant failures are fatal and never retried.
var ErrInvariant = errors.New("dispatch invariant violated")
