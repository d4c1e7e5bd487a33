package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusNoRoute Status = "no_route"
	StatusFailed  Status = "failed"
	StatusNone    Status = "none"
)

const routePath = "/route-to-ratio"

// PoolView is the pool state the routing service prices the swap against.
type PoolView struct {
	Address      common.Address `json:"address"`
	Token0       common.Address `json:"token0"`
	Token1       common.Address `json:"token1"`
	Decimals0    int            `json:"decimals0"`
	Decimals1    int            `json:"decimals1"`
	Fee          int            `json:"fee"`
	SqrtPriceX96 string         `json:"sqrtPriceX96"`
	Liquidity    string         `json:"liquidity"`
	Tick         int            `json:"tick"`
}

type RatioRequest struct {
	ChainID                int64          `json:"chainId"`
	Pool                   PoolView       `json:"pool"`
	TickLower              int            `json:"tickLower"`
	TickUpper              int            `json:"tickUpper"`
	Amount0                string         `json:"amount0"`
	Amount1                string         `json:"amount1"`
	MaxIterations          int            `json:"maxIterations"`
	RatioErrorToleranceBps int            `json:"ratioErrorToleranceBps"`
	SlippageBps            int            `json:"slippageBps"`
	Deadline               int64          `json:"deadline"`
	Recipient              common.Address `json:"recipient"`
}

// RatioResult is the transaction the service built. Only set on success.
type RatioResult struct {
	Calldata    []byte
	Value       *big.Int
	GasPriceWei *big.Int
}

type RatioResponse struct {
	Status Status
	Result *RatioResult
}

type wireResponse struct {
	Status string `json:"status"`
	Result *struct {
		MethodParameters struct {
			Calldata string `json:"calldata"`
			Value    string `json:"value"`
		} `json:"methodParameters"`
		GasPriceWei string `json:"gasPriceWei"`
	} `json:"result"`
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// RouteToRatio asks the routing service for a swap-and-add transaction. A
// non-success status is not an error; callers must check Status.
func (c *Client) RouteToRatio(ctx context.Context, req RatioRequest) (RatioResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return RatioResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+routePath, bytes.NewReader(payload))
	if err != nil {
		return RatioResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return RatioResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return RatioResponse{}, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return RatioResponse{}, fmt.Errorf("decode route response: %w", err)
	}
	out, err := parseResponse(wire)
	if err != nil {
		return RatioResponse{}, err
	}
	c.log.Debug("route-to-ratio response",
		zap.String("status", string(out.Status)),
		zap.Int("tick_lower", req.TickLower),
		zap.Int("tick_upper", req.TickUpper),
	)
	return out, nil
}

func parseResponse(wire wireResponse) (RatioResponse, error) {
	status := Status(strings.ToLower(strings.TrimSpace(wire.Status)))
	switch status {
	case StatusSuccess, StatusNoRoute, StatusFailed, StatusNone:
	case "":
		status = StatusNone
	default:
		return RatioResponse{}, fmt.Errorf("unknown route status %q", wire.Status)
	}
	out := RatioResponse{Status: status}
	if status != StatusSuccess {
		return out, nil
	}
	if wire.Result == nil {
		return RatioResponse{}, errors.New("route success without result")
	}
	calldata, err := hexutil.Decode(wire.Result.MethodParameters.Calldata)
	if err != nil {
		return RatioResponse{}, fmt.Errorf("calldata: %w", err)
	}
	if len(calldata) == 0 {
		return RatioResponse{}, errors.New("route success with empty calldata")
	}
	value, err := parseQuantity(wire.Result.MethodParameters.Value)
	if err != nil {
		return RatioResponse{}, fmt.Errorf("value: %w", err)
	}
	gasPrice, err := parseQuantity(wire.Result.GasPriceWei)
	if err != nil {
		return RatioResponse{}, fmt.Errorf("gas price: %w", err)
	}
	out.Result = &RatioResult{Calldata: calldata, Value: value, GasPriceWei: gasPrice}
	return out, nil
}

// parseQuantity accepts 0x-prefixed hex or decimal strings. Empty means zero.
func parseQuantity(raw string) (*big.Int, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(clean, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid quantity %q", raw)
	}
	return v, nil
}
