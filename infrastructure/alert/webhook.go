package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookChannel Discord 风格的 webhook 通道：把告警 POST 成
// {"content": "..."} 载荷。发送失败由 Manager 记日志，不重试。
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel 创建 webhook 通道。
func NewWebhookChannel(name, url string) *WebhookChannel {
	return &WebhookChannel{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type webhookPayload struct {
	Content string `json:"content"`
}

// Send 发送告警到 webhook。
func (c *WebhookChannel) Send(alert Alert) error {
	content := fmt.Sprintf("[%s] %s", alert.Level, alert.Message)
	if alert.Event != "" {
		content = fmt.Sprintf("[%s][%s] %s", alert.Level, alert.Event, alert.Message)
	}
	for k, v := range alert.Fields {
		content += fmt.Sprintf(" %s=%v", k, v)
	}

	raw, err := json.Marshal(webhookPayload{Content: content})
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.url, "application/json", bytes.NewBuffer(raw))
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode)
	}
	return nil
}

// Name 返回通道名称
func (c *WebhookChannel) Name() string {
	return c.name
}
