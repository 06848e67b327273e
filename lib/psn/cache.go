package psn

import (
	"context"
	"net/http"

	"github.com/go-i2p/psnpool/lib/session"
)

// storeGet fetches a store URL. Store responses do not depend on the
// account serving them, so they are cached for StoreCacheTTL and identical
// concurrent fetches share one call.
func (c *Client) storeGet(ctx context.Context, op, url string, out any) error {
	if c.cache != nil {
		if v, ok := c.cache.Get(url); ok {
			storeCacheTotal.WithLabelValues("hit").Inc()
			return decode(v.([]byte), out)
		}
	}

	ch := c.flight.DoChan(url, func() (any, error) {
		// The shared fetch must not fail because the first caller gave up.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.RequestTimeout)
		defer cancel()

		var data []byte
		err := c.with(fetchCtx, op, func(ctx context.Context, s *session.Session, via doer) error {
			body, err := c.send(ctx, via, s, http.MethodGet, url, "", nil, is2xx)
			data = body
			return err
		})
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.SetWithTTL(url, data, int64(len(data)), c.config.StoreCacheTTL)
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		if res.Shared {
			storeCacheTotal.WithLabelValues("shared").Inc()
		} else {
			storeCacheTotal.WithLabelValues("miss").Inc()
		}
		return decode(res.Val.([]byte), out)
	}
}
