package attachment

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/agentmail/archivecore/internal/model"
)

// parallelConvertLimit bounds how many attachment conversions run at once
// (spec.md §4.7).
const parallelConvertLimit = 4

// ConvertAll converts each item concurrently, capped at parallelConvertLimit
// in flight, and stops launching new work once ctx is cancelled or any
// conversion fails.
func (c *Converter) ConvertAll(ctx context.Context, projectRoot string, items [][]byte) ([]*model.AttachmentMeta, error) {
	metas := make([]*model.AttachmentMeta, len(items))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelConvertLimit)

	for i, data := range items {
		i, data := i, data
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			meta, _, err := c.Convert(projectRoot, data)
			if err != nil {
				return err
			}
			metas[i] = meta
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return metas, nil
}
