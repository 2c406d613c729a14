package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const defaultPriceURL = "https://api.coingecko.com/api/v3/simple/price"

// PriceClient 参考资产（gas 代币）对美元报价源。
type PriceClient struct {
	BaseURL    string
	AssetID    string // 行情源的资产标识，例如 "matic-network"
	HTTPClient *http.Client
}

// NewPriceClient 构造默认报价客户端。
func NewPriceClient(assetID string) *PriceClient {
	return &PriceClient{
		BaseURL:    defaultPriceURL,
		AssetID:    assetID,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// ReferencePrice 返回参考资产的美元价格。
func (p *PriceClient) ReferencePrice(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("ids", p.AssetID)
	q.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("price fetch: status %d", resp.StatusCode)
	}

	var out map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	price, ok := out[p.AssetID]["usd"]
	if !ok {
		return 0, fmt.Errorf("price fetch: no usd quote for %s", p.AssetID)
	}
	return price, nil
}
