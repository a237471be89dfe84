package stream

import (
	"context"
	"errors"

	"emgscope/internal/buffer"
	"emgscope/internal/protocol"
)

// Run stores blocks from the channel until ctx is done, the channel is
// closed or the processor is closed. Rejected blocks are logged by
// HandleBlock and do not stop the loop.
func (p *Processor) Run(ctx context.Context, blocks <-chan protocol.Block) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-blocks:
			if !ok {
				return nil
			}
			if err := p.HandleBlock(b); errors.Is(err, buffer.ErrClosed) {
				return err
			}
		}
	}
}
