package psn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/go-i2p/psnpool/lib/errors"
	"github.com/go-i2p/psnpool/lib/session"
)

// maxBody bounds how much of a response is read.
const maxBody = 16 << 20

// send issues one request as s and returns the body of a response in
// the expected status range. Anything else is decoded into a RemoteError.
func (c *Client) send(ctx context.Context, via doer, s *session.Session, method, url, contentType string, body []byte, want func(int) bool) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidInput, "psn: build request", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if s.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	logger := log.WithField("request", requestID).WithField("method", method).WithField("account", s.Key())

	resp, err := via.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(err).Debug("request failed")
		return nil, fmt.Errorf("psn: %s: %w: %w", method, apperrors.ErrConnection, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("psn: %s: read body: %w: %w", method, apperrors.ErrConnection, err)
	}

	if !want(resp.StatusCode) {
		remote := apperrors.ParseRemote(resp.StatusCode, data)
		logger.WithField("status", resp.StatusCode).WithError(remote).Debug("PSN returned an error")
		return nil, remote
	}

	logger.WithField("status", resp.StatusCode).Debug("request done")
	return data, nil
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}

func is204(status int) bool {
	return status == http.StatusNoContent
}

func decode(data []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(apperrors.CodeRemote, "psn: decode response", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, via doer, s *session.Session, url string, out any) error {
	data, err := c.send(ctx, via, s, http.MethodGet, url, "", nil, is2xx)
	if err != nil {
		return err
	}
	return decode(data, out)
}

func (c *Client) postMultipart(ctx context.Context, via doer, s *session.Session, url string, body *multipartBody, out any) error {
	data, err := c.send(ctx, via, s, http.MethodPost, url, body.contentType, body.data, is2xx)
	if err != nil {
		return err
	}
	return decode(data, out)
}
