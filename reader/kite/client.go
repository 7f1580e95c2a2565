package kite

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

const (
	defaultBaseURL = "https://api.kite.trade"
	apiVersion     = "3"
)

// Client talks to the Kite Connect REST API. It implements reader.QuoteSource.
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	log         *logger.Log
}

// NewClient builds a client from the kite source configuration. Requests are
// paced by a token bucket so a full chain sweep stays under the API limits.
func NewClient(cfg appconfig.KiteConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 8
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		log:         logger.GetLogger(),
	}
}

// APIError is the error envelope returned by Kite on non-2xx responses.
type APIError struct {
	Status     int    `json:"-"`
	ErrorType  string `json:"error_type"`
	Message    string `json:"message"`
	StatusText string `json:"status"`
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("kite api %d %s: %s", e.Status, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("kite api %d: %s", e.Status, e.Message)
}

// ListInstruments downloads the instrument dump for an exchange. Rows that do
// not parse are skipped.
func (c *Client) ListInstruments(ctx context.Context, exchange string) ([]models.Instrument, error) {
	body, err := c.get(ctx, "/instruments/"+url.PathEscape(strings.ToUpper(exchange)), nil)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer body.Close()

	instruments, skipped, err := parseInstruments(body)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	c.log.WithComponent("kite_client").WithFields(logger.Fields{
		"exchange":    exchange,
		"instruments": len(instruments),
		"skipped":     skipped,
	}).Debug("instrument dump loaded")
	return instruments, nil
}

// instrumentColumns are the CSV headers of the instrument dump we rely on.
var instrumentColumns = []string{"instrument_token", "tradingsymbol", "name", "expiry", "strike", "instrument_type", "exchange"}

func parseInstruments(r io.Reader) ([]models.Instrument, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read instrument header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, name := range instrumentColumns {
		if _, ok := idx[name]; !ok {
			return nil, 0, fmt.Errorf("instrument dump missing column %q", name)
		}
	}

	var (
		out     []models.Instrument
		skipped int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read instrument row: %w", err)
		}
		inst, err := parseInstrument(rec, idx)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, inst)
	}
	return out, skipped, nil
}

func parseInstrument(rec []string, idx map[string]int) (models.Instrument, error) {
	field := func(name string) string {
		i := idx[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	token, err := strconv.ParseUint(field("instrument_token"), 10, 64)
	if err != nil {
		return models.Instrument{}, fmt.Errorf("instrument_token: %w", err)
	}

	inst := models.Instrument{
		InstrumentID:  token,
		Exchange:      field("exchange"),
		TradingSymbol: field("tradingsymbol"),
		Name:          field("name"),
		Type:          field("instrument_type"),
	}
	if side, ok := models.ParseSide(inst.Type); ok {
		inst.Side = side
	}

	if s := field("strike"); s != "" {
		if inst.Strike, err = strconv.ParseFloat(s, 64); err != nil {
			return models.Instrument{}, fmt.Errorf("strike: %w", err)
		}
	}
	if s := field("expiry"); s != "" {
		if inst.Expiry, err = time.Parse(models.ExpiryLayout, s); err != nil {
			return models.Instrument{}, fmt.Errorf("expiry: %w", err)
		}
	}
	return inst, nil
}

type quoteEnvelope struct {
	Status string                  `json:"status"`
	Data   map[string]quotePayload `json:"data"`
}

type quotePayload struct {
	InstrumentToken uint64   `json:"instrument_token"`
	LastPrice       *float64 `json:"last_price"`
	Volume          *int64   `json:"volume"`
	OI              *float64 `json:"oi"`
}

// GetQuote fetches the full quote of one instrument. Missing oi or volume
// default to zero; a missing last price is a malformed payload.
func (c *Client) GetQuote(ctx context.Context, inst models.Instrument) (models.Quote, error) {
	key := strconv.FormatUint(inst.InstrumentID, 10)

	body, err := c.get(ctx, "/quote", url.Values{"i": {key}})
	if err != nil {
		return models.Quote{}, fmt.Errorf("quote %s: %w", inst.TradingSymbol, err)
	}
	defer body.Close()

	var env quoteEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return models.Quote{}, fmt.Errorf("quote %s: decode: %w", inst.TradingSymbol, err)
	}
	return quoteFromPayload(inst, key, env)
}

func quoteFromPayload(inst models.Instrument, key string, env quoteEnvelope) (models.Quote, error) {
	payload, ok := env.Data[key]
	if !ok {
		return models.Quote{}, fmt.Errorf("quote %s: no data for instrument %s", inst.TradingSymbol, key)
	}
	if payload.LastPrice == nil {
		return models.Quote{}, fmt.Errorf("quote %s: last_price missing", inst.TradingSymbol)
	}

	var quote models.Quote
	quote.LastPrice = decimal.NewFromFloat(*payload.LastPrice)
	if payload.OI != nil {
		quote.OpenInterest = int64(*payload.OI)
	}
	if payload.Volume != nil {
		quote.Volume = *payload.Volume
	}
	if quote.LastPrice.IsNegative() || quote.OpenInterest < 0 || quote.Volume < 0 {
		return models.Quote{}, fmt.Errorf("quote %s: negative field in payload", inst.TradingSymbol)
	}
	return quote, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	return resp.Body, nil
}
