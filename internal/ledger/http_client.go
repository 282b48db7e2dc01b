package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ticbet/room-sync/pkg/errs"
)

type Options struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

// Client is the HTTP JSON implementation of Ledger.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("ledger client: empty base url")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	hc := opts.Client
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
		timeout: opts.Timeout,
	}, nil
}

func (c *Client) CreateRoom(ctx context.Context, creator string, amount float64) (CreateResult, error) {
	var out CreateResult
	err := c.do(ctx, http.MethodPost, "/escrows", map[string]any{
		"creator": creator,
		"amount":  amount,
	}, &out)
	return out, err
}

func (c *Client) JoinRoom(ctx context.Context, externalRef string, amount float64) (string, error) {
	var out struct {
		TxRef string `json:"txRef"`
	}
	err := c.do(ctx, http.MethodPost, "/escrows/"+externalRef+"/join", map[string]any{
		"amount": amount,
	}, &out)
	return out.TxRef, err
}

func (c *Client) FinishRoom(ctx context.Context, externalRef, winner string) (string, error) {
	var out struct {
		TxRef string `json:"txRef"`
	}
	err := c.do(ctx, http.MethodPost, "/escrows/"+externalRef+"/finish", map[string]any{
		"winner": winner,
	}, &out)
	return out.TxRef, err
}

func (c *Client) GetRoomInfo(ctx context.Context, externalRef string) (RoomInfo, error) {
	var out RoomInfo
	err := c.do(ctx, http.MethodGet, "/escrows/"+externalRef, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("ledger %s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var fail struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&fail)
		if fail.Error == "" {
			fail.Error = resp.Status
		}
		return fmt.Errorf("%w: %s %s: %s", errs.ErrUpstream, method, path, fail.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", errs.ErrUpstream, err)
		}
	}
	return nil
}
