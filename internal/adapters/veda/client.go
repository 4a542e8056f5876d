package veda

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/5TFG4/weaver/errs"
)

// wireOrder is the venue's JSON order representation, shared by REST
// responses and stream frames.
type wireOrder struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	OrderType      string  `json:"order_type"`
	Qty            string  `json:"qty"`
	LimitPrice     *string `json:"limit_price,omitempty"`
	StopPrice      *string `json:"stop_price,omitempty"`
	TimeInForce    string  `json:"time_in_force"`
	FilledQty      string  `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price,omitempty"`
	Status         string  `json:"status"`
	UpdatedAt      string  `json:"updated_at,omitempty"`
}

type submitRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"order_type"`
	Qty           string  `json:"qty"`
	LimitPrice    *string `json:"limit_price,omitempty"`
	StopPrice     *string `json:"stop_price,omitempty"`
	TimeInForce   string  `json:"time_in_force"`
	ExtendedHours bool    `json:"extended_hours,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// client is the REST half of the adapter.
type client struct {
	cfg  Config
	http *http.Client
}

func newClient(cfg Config) *client {
	return &client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (c *client) submit(ctx context.Context, req submitRequest) (wireOrder, error) {
	var out wireOrder
	err := c.do(ctx, http.MethodPost, "/v1/orders", req, &out)
	return out, err
}

func (c *client) cancel(ctx context.Context, exchangeOrderID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/orders/"+exchangeOrderID, nil, nil)
}

func (c *client) getOrder(ctx context.Context, exchangeOrderID string) (wireOrder, error) {
	var out wireOrder
	err := c.do(ctx, http.MethodGet, "/v1/orders/"+exchangeOrderID, nil, &out)
	return out, err
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("veda: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("veda: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errs.New(component, errs.KindAdapterFailure,
				errs.WithMessage("venue request timed out"), errs.WithCause(err))
		}
		return errs.New(component, errs.KindAdapterFailure,
			errs.WithMessage("venue request failed"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.New(component, errs.KindAdapterFailure,
			errs.WithMessage("read venue response"), errs.WithCause(err))
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if uerr := json.Unmarshal(payload, &apiErr); uerr == nil && apiErr.Message != "" {
			return errs.New(component, errs.KindAdapterFailure,
				errs.WithMessage("venue rejected: "+apiErr.Message))
		}
		return errs.New(component, errs.KindAdapterFailure,
			errs.WithMessage(fmt.Sprintf("venue returned %d", resp.StatusCode)))
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return errs.New(component, errs.KindAdapterFailure,
				errs.WithMessage("decode venue response"), errs.WithCause(err))
		}
	}
	return nil
}

// isTimeout reports whether the error is the adapter's timeout failure.
func isTimeout(err error) bool {
	var e *errs.E
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == errs.KindAdapterFailure && e.Message == "venue request timed out"
}
