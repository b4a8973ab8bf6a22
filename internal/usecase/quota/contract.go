package quota

import (
	"context"
	"time"
)

// UsageMirror is the optional write-behind sink for consumed tokens.
// Implementations must tolerate repeated Add calls for the same instant.
type UsageMirror interface {
	Add(ctx context.Context, at time.Time, tokens int64) error
}
