// SPDX-License-Identifier: AGPL-3.0-only
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Messenger sends to the one configured chat target. The Telegram
// implementation lives in internal/telegram; tests supply their own.
type Messenger interface {
	SendText(ctx context.Context, text string) error
	SendPhoto(ctx context.Context, path string) error
	SendVideo(ctx context.Context, path string) error
}

// FloodWaitError is the channel's structured rate-limit rejection: the send
// was refused and may be retried after RetryAfter.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.RetryAfter)
}

// AsFloodWait reports whether err carries a flood-wait hint.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.RetryAfter, true
	}
	return 0, false
}
