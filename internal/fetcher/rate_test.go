package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

func TestStaticRate(t *testing.T) {
	rate, err := StaticRate(7.04).FetchRate(context.Background())
	if err != nil || rate != 7.04 {
		t.Fatalf("static rate: %v %v", rate, err)
	}
	if _, err := StaticRate(0).FetchRate(context.Background()); err == nil {
		t.Fatal("零汇率应报错")
	}
	if _, err := StaticRate(math.NaN()).FetchRate(context.Background()); err == nil {
		t.Fatal("NaN 汇率应报错")
	}
}

func TestHTTPRateNestedField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rates": {"CNY": "7.1234"}, "base": "USD"}`))
	}))
	defer srv.Close()

	h := NewHTTPRate(HTTPRateOptions{URL: srv.URL, Field: "rates.CNY"}, noopLogger())
	rate, err := h.FetchRate(context.Background())
	if err != nil {
		t.Fatalf("fetch rate: %v", err)
	}
	if rate != 7.1234 {
		t.Fatalf("unexpected rate %v", rate)
	}
}

func TestHTTPRateMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate": 7.04}`))
	}))
	defer srv.Close()

	h := NewHTTPRate(HTTPRateOptions{URL: srv.URL, Field: "usd_cny"}, noopLogger())
	if _, err := h.FetchRate(context.Background()); err == nil {
		t.Fatal("缺少字段应报错")
	}

	h = NewHTTPRate(HTTPRateOptions{URL: srv.URL}, noopLogger())
	rate, err := h.FetchRate(context.Background())
	if err != nil || rate != 7.04 {
		t.Fatalf("default field: %v %v", rate, err)
	}
}

func TestChainlinkMissingConfig(t *testing.T) {
	c := NewChainlinkRate(ChainlinkOptions{}, noopLogger())
	if _, err := c.FetchRate(context.Background()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	c = NewChainlinkRate(ChainlinkOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := c.FetchRate(context.Background()); err == nil {
		t.Fatal("缺少合约地址应报错")
	}
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type callArg struct {
	Data  hexutil.Bytes `json:"data"`
	Input hexutil.Bytes `json:"input"`
}

func TestChainlinkReadsAggregator(t *testing.T) {
	decimalsOut, err := aggregatorV3ABI.Methods["decimals"].Outputs.Pack(uint8(8))
	if err != nil {
		t.Fatalf("pack decimals: %v", err)
	}
	roundOut, err := aggregatorV3ABI.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(1), big.NewInt(14204545), big.NewInt(1700000000), big.NewInt(1700000000), big.NewInt(1))
	if err != nil {
		t.Fatalf("pack round: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc: %v", err)
		}
		if req.Method != "eth_call" {
			t.Fatalf("unexpected rpc method %s", req.Method)
		}
		var arg callArg
		if err := json.Unmarshal(req.Params[0], &arg); err != nil {
			t.Fatalf("decode call arg: %v", err)
		}
		data := arg.Input
		if len(data) == 0 {
			data = arg.Data
		}

		var result []byte
		switch {
		case bytes.HasPrefix(data, aggregatorV3ABI.Methods["decimals"].ID):
			result = decimalsOut
		case bytes.HasPrefix(data, aggregatorV3ABI.Methods["latestRoundData"].ID):
			result = roundOut
		default:
			t.Fatalf("unexpected call data %x", data)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  hexutil.Encode(result),
		})
	}))
	defer srv.Close()

	c := NewChainlinkRate(ChainlinkOptions{
		RPCURL:     srv.URL,
		Aggregator: "0xeF8A4aF35cd47424672E3C590aBD37FBB7A7759a",
		Invert:     true,
	}, noopLogger())

	rate, err := c.FetchRate(context.Background())
	if err != nil {
		t.Fatalf("fetch chainlink rate: %v", err)
	}
	// 0.14204545 USD per CNY inverted
	if math.Abs(rate-7.04) > 0.0001 {
		t.Fatalf("unexpected rate %v", rate)
	}
}
