package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/store"
)

// Client talks to a running server.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
}

func (c *Client) Put(ctx context.Context, key, value string) error {
	form := url.Values{}
	form.Set("key", key)
	form.Set("value", value)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/put", strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "create PUT request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = c.do(req)
	return err
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	u := fmt.Sprintf("%s/api/get?key=%s", c.baseURL, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "create GET request")
	}

	resp, err := c.do(req)
	if isNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return resp.Value, true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	u := fmt.Sprintf("%s/api/delete?key=%s", c.baseURL, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return errors.Wrap(err, "create DELETE request")
	}
	_, err = c.do(req)
	return err
}

// Scan returns up to limit pairs in [start, end). Empty bounds are open.
func (c *Client) Scan(ctx context.Context, start, end string, limit int) ([]Item, error) {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if end != "" {
		q.Set("end", end)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/scan?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create SCAN request")
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Txn runs a transaction on the server. A lost optimistic race comes back
// as an error marked dberrors.ErrConflict.
func (c *Client) Txn(ctx context.Context, txn TxnRequest) ([]Item, error) {
	resp, err := c.postJSON(ctx, "/api/txn", txn)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) Batch(ctx context.Context, ops []Op) error {
	_, err := c.postJSON(ctx, "/api/batch", BatchRequest{Ops: ops})
	return err
}

func (c *Client) Flush(ctx context.Context) error {
	_, err := c.postJSON(ctx, "/admin/flush", nil)
	return err
}

func (c *Client) Compact(ctx context.Context) error {
	_, err := c.postJSON(ctx, "/admin/compact", nil)
	return err
}

func (c *Client) Levels(ctx context.Context) ([]store.LevelStat, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/admin/levels", nil)
	if err != nil {
		return nil, errors.Wrap(err, "create LEVELS request")
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Levels, nil
}

func (c *Client) Close() error { return nil }

func (c *Client) postJSON(ctx context.Context, path string, body any) (Response, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Response{}, errors.Wrapf(err, "encode %s body", path)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, r)
	if err != nil {
		return Response{}, errors.Wrapf(err, "create %s request", path)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	return c.do(req)
}

var errNotFound = errors.New("not found")

func isNotFound(err error) bool { return errors.Is(err, errNotFound) }

func (c *Client) do(req *http.Request) (Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	var body Response
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, errors.Wrapf(err, "read %s body", req.URL.Path)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return Response{}, errors.Wrapf(err, "decode %s body", req.URL.Path)
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return body, errors.Mark(errors.Newf("%s: %s", req.URL.Path, body.Error), errNotFound)
	case resp.StatusCode == http.StatusConflict:
		return body, errors.Mark(errors.Newf("%s: %s", req.URL.Path, body.Error), dberrors.ErrConflict)
	default:
		return body, errors.Newf("%s %s failed: %d: %s", req.Method, req.URL.Path, resp.StatusCode, body.Error)
	}
}
