package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spreadwatcher/internal/version"
)

// DefaultFXRate is the CNY per USD rate used when no source is configured.
const DefaultFXRate = 7.04

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

func checkRate(rate float64) (float64, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return 0, fmt.Errorf("invalid fx rate %v", rate)
	}
	return rate, nil
}

// StaticRate returns a fixed configured rate.
type StaticRate float64

// FetchRate returns the configured rate.
func (s StaticRate) FetchRate(context.Context) (float64, error) {
	return checkRate(float64(s))
}

// HTTPRateOptions parameterise the JSON rate fetcher.
type HTTPRateOptions struct {
	URL       string
	Field     string
	Timeout   time.Duration
	UserAgent string
}

// HTTPRate reads a numeric field from a JSON document. Field is a dotted path.
type HTTPRate struct {
	opts   HTTPRateOptions
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPRate constructs an HTTP rate fetcher.
func NewHTTPRate(opts HTTPRateOptions, logger zerolog.Logger) *HTTPRate {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Field == "" {
		opts.Field = "rate"
	}
	return &HTTPRate{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "fx_http").Logger(),
	}
}

// FetchRate downloads the document and extracts the configured field.
func (h *HTTPRate) FetchRate(ctx context.Context) (float64, error) {
	if h.opts.URL == "" {
		return 0, errors.New("fx url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.opts.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, parseHTTPError("fx", resp.StatusCode, payload)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, fmt.Errorf("decode fx document: %w", err)
	}

	parts := strings.Split(h.opts.Field, ".")
	for i, part := range parts {
		raw, ok := doc[part]
		if !ok {
			return 0, fmt.Errorf("fx field %q not found", h.opts.Field)
		}
		if i == len(parts)-1 {
			rate, err := parseNumber(raw)
			if err != nil {
				return 0, fmt.Errorf("fx field %q: %w", h.opts.Field, err)
			}
			h.logger.Debug().Float64("rate", rate).Msg("fx rate fetched")
			return checkRate(rate)
		}
		doc = nil
		if err := json.Unmarshal(raw, &doc); err != nil {
			return 0, fmt.Errorf("fx field %q: %s is not an object", h.opts.Field, part)
		}
	}
	return 0, fmt.Errorf("fx field %q not found", h.opts.Field)
}

// ChainlinkOptions parameterise the on-chain rate fetcher.
type ChainlinkOptions struct {
	RPCURL     string
	Aggregator string
	Invert     bool
	Timeout    time.Duration
}

// ChainlinkRate reads an AggregatorV3 price feed via Ethereum RPC.
type ChainlinkRate struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChainlinkRate builds an on-chain rate fetcher.
func NewChainlinkRate(opts ChainlinkOptions, logger zerolog.Logger) *ChainlinkRate {
	return &ChainlinkRate{opts: opts, logger: logger.With().Str("component", "fx_chainlink").Logger()}
}

// FetchRate returns answer / 10^decimals, inverted when configured.
func (c *ChainlinkRate) FetchRate(ctx context.Context) (float64, error) {
	if c.opts.RPCURL == "" {
		return 0, errors.New("ethereum rpc url not configured")
	}
	if c.opts.Aggregator == "" {
		return 0, errors.New("aggregator contract address not configured")
	}
	if !common.IsHexAddress(c.opts.Aggregator) {
		return 0, fmt.Errorf("invalid aggregator address %q", c.opts.Aggregator)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	addr := common.HexToAddress(c.opts.Aggregator)

	decOut, err := c.call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := decOut[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	roundOut, err := c.call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return 0, err
	}
	if len(roundOut) != 5 {
		return 0, errors.New("unexpected latestRoundData response")
	}
	answer, ok := roundOut[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return 0, errors.New("latestRoundData returned no positive answer")
	}

	rate := decimal.NewFromBigInt(answer, -int32(decimals))
	if c.opts.Invert {
		rate = decimal.NewFromInt(1).DivRound(rate, 12)
	}
	if updated, ok := roundOut[3].(*big.Int); ok {
		c.logger.Debug().Str("rate", rate.String()).Time("updated_at", time.Unix(updated.Int64(), 0)).Msg("fx rate fetched")
	}
	return checkRate(rate.InexactFloat64())
}

func (c *ChainlinkRate) call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := aggregatorV3ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s response", method)
	}
	return out, nil
}

func (c *ChainlinkRate) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var (
	_ RateFetcher = StaticRate(0)
	_ RateFetcher = (*HTTPRate)(nil)
	_ RateFetcher = (*ChainlinkRate)(nil)
)
