package veda

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultSubmitRate     = rate.Limit(5)
	defaultSubmitBurst    = 5

	pingInterval         = 30 * time.Second
	pingTimeout          = 5 * time.Second
	maxReconnectInterval = 30 * time.Second
	streamReadLimit      = 1 << 20
)

// Config carries connection settings for one VedaService gateway.
type Config struct {
	// BaseURL is the REST endpoint root, e.g. https://veda.example.com/api.
	BaseURL string
	// StreamURL is the websocket endpoint for order updates.
	StreamURL string
	// APIKey authenticates both transports.
	APIKey string
	// RequestTimeout bounds each REST call. Zero means 10s.
	RequestTimeout time.Duration
	// SubmitRate throttles order submissions per second. Zero means 5/s.
	SubmitRate rate.Limit
	// SubmitBurst is the submit throttle burst. Zero means 5.
	SubmitBurst int
}

func (c Config) normalize() (Config, error) {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.StreamURL = strings.TrimSpace(c.StreamURL)
	if c.BaseURL == "" {
		return c, fmt.Errorf("veda: base url required")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.SubmitRate <= 0 {
		c.SubmitRate = defaultSubmitRate
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = defaultSubmitBurst
	}
	return c, nil
}
