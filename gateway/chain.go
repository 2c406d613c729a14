package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// 默认为 Polygon 上的原生 USDC 合约。
const defaultStableContract = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"

// balanceOf(address) 函数选择器
const balanceOfSelector = "0x70a08231"

// ChainClient 链上 JSON-RPC 客户端：钱包余额与 gas 价格。
// 余额单位换算：原生代币 base unit / 1e18，稳定币 base unit / 1e6。
type ChainClient struct {
	RPCURL         string
	StableContract string
	HTTPClient     *http.Client
	Log            *zap.Logger
}

// NewChainClient 构造链上客户端。
func NewChainClient(rpcURL string) *ChainClient {
	return &ChainClient{
		RPCURL:         rpcURL,
		StableContract: defaultStableContract,
		HTTPClient:     &http.Client{Timeout: 10 * time.Second},
		Log:            zap.NewNop(),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *ChainClient) call(ctx context.Context, method string, params []any) (string, error) {
	raw, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL, bytes.NewBuffer(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
	}
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("rpc %s: %s", method, out.Error.Message)
	}
	return out.Result, nil
}

// hexToUnits 把 0x 十六进制余额换算成以 10^decimals 为单位的浮点值。
func hexToUnits(hexStr string, decimals int) (float64, error) {
	hexStr = strings.TrimPrefix(hexStr, "0x")
	if hexStr == "" {
		return 0, nil
	}
	n := new(big.Int)
	if _, ok := n.SetString(hexStr, 16); !ok {
		return 0, fmt.Errorf("invalid hex balance %q", hexStr)
	}
	div := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(n), div).Float64()
	return out, nil
}

// Balances 实现 risk.BalanceSource：返回 (原生代币余额, 稳定币余额)。
func (c *ChainClient) Balances(ctx context.Context, address string) (float64, float64, error) {
	result, err := c.call(ctx, "eth_getBalance", []any{address, "latest"})
	if err != nil {
		return 0, 0, err
	}
	gas, err := hexToUnits(result, 18)
	if err != nil {
		return 0, 0, err
	}

	contract := c.StableContract
	if contract == "" {
		contract = defaultStableContract
	}
	data := balanceOfSelector + "000000000000000000000000" + strings.TrimPrefix(address, "0x")
	result, err = c.call(ctx, "eth_call", []any{
		map[string]string{"to": contract, "data": data}, "latest",
	})
	if err != nil {
		return 0, 0, err
	}
	stable, err := hexToUnits(result, 6)
	if err != nil {
		return 0, 0, err
	}
	return gas, stable, nil
}

// GasPriceGwei 返回当前 gas 价格（Gwei）。
func (c *ChainClient) GasPriceGwei(ctx context.Context) (float64, error) {
	result, err := c.call(ctx, "eth_gasPrice", []any{})
	if err != nil {
		return 0, err
	}
	return hexToUnits(result, 9)
}
