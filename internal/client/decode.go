package client

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/omarluq/apigate/internal/apierror"
)

var errNoBody = errors.New("empty response body")

// Decode unmarshals the response body into T.
func Decode[T any](resp *Response) (T, error) {
	var out T
	if resp == nil || len(resp.Body) == 0 {
		return out, apierror.Wrap(apierror.CodeAPIError, errNoBody, "decode upstream response")
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, apierror.Wrap(apierror.CodeAPIError, err, "decode upstream response")
	}
	return out, nil
}

// Do performs a request and decodes its body into T.
func Do[T any](ctx context.Context, c *Client, tenant, path string, opts RequestOptions) (T, error) {
	resp, err := c.Request(ctx, tenant, path, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](resp)
}
