package backend

import (
	"context"
	"sync"

	"dimy/internal/filter"
	"dimy/internal/wire"
	"dimy/internal/window"
)

// Reporter returns an uploader that registers every aggregated filter as a
// contact filter, as a node of a positive user does. The window hands the
// same filter to every retry of one aggregation; those retries share a
// request id so the backend applies the registration once.
func (c *Client) Reporter() window.Uploader {
	var (
		mu   sync.Mutex
		last *filter.Filter
		id   wire.RequestID
	)
	return window.UploaderFunc(func(ctx context.Context, qbf *filter.Filter) error {
		mu.Lock()
		if qbf != last {
			last, id = qbf, NewRequestID()
		}
		reqID := id
		mu.Unlock()
		return c.RegisterContactID(ctx, reqID, qbf)
	})
}

// Querier returns an uploader that queries the backend with every
// aggregated filter and passes the verdict to onResult.
func (c *Client) Querier(onResult func(matched bool)) window.Uploader {
	return window.UploaderFunc(func(ctx context.Context, qbf *filter.Filter) error {
		matched, err := c.QueryExposure(ctx, qbf)
		if err != nil {
			return err
		}
		if onResult != nil {
			onResult(matched)
		}
		return nil
	})
}
