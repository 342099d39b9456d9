package export

import (
	"context"
	"time"

	"github.com/kverran/mapsnap/internal/surface"
)

// DefaultSettleDelay is how long the sequencer waits after a viewport move
// when the surface cannot report render completion itself
const DefaultSettleDelay = 1500 * time.Millisecond

// Sequencer drives the map surface through the capture schedule one
// placement at a time
type Sequencer struct {
	surf   surface.Surface
	settle time.Duration
}

// NewSequencer creates a sequencer. A non-positive settle delay selects
// DefaultSettleDelay.
func NewSequencer(surf surface.Surface, settle time.Duration) *Sequencer {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &Sequencer{surf: surf, settle: settle}
}

// MoveTo jumps the surface to v and waits for it to settle. Surfaces
// implementing Settler report readiness themselves; for the rest a fixed
// delay covers pending tile loads and redraws.
func (s *Sequencer) MoveTo(ctx context.Context, v surface.View) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.surf.MoveTo(ctx, v); err != nil {
		return err
	}

	if settler, ok := s.surf.(surface.Settler); ok {
		return settler.WaitSettled(ctx)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.settle):
		return nil
	}
}
