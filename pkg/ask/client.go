// Package ask 提供了调用问答端点的 HTTP 客户端。
package ask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client 对一条用户问题执行一次请求/响应交换。
type Client interface {
	// Ask 返回服务端给出的答案；响应中没有 answer 字段时返回空字符串且 err 为 nil。
	Ask(ctx context.Context, question string) (string, error)
}

type httpClient struct {
	url    string
	client *http.Client
}

// NewClient 创建一个指向 url 的问答客户端。
func NewClient(url string) Client {
	return &httpClient{
		url:    url,
		client: &http.Client{},
	}
}

// Request 是问答端点的请求体。
type Request struct {
	Question string `json:"question"`
}

// Response 是问答端点的响应体。
type Response struct {
	Answer  string           `json:"answer,omitempty"`
	Sources []map[string]any `json:"sources,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Ask 以 POST JSON 的方式发送问题。非 2xx 状态码与传输错误一律作为错误返回。
func (c *httpClient) Ask(ctx context.Context, question string) (string, error) {
	reqBytes, err := json.Marshal(Request{Question: question})
	if err != nil {
		return "", fmt.Errorf("failed to marshal ask request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create ask request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call ask endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ask endpoint returned non-2xx status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode ask response: %w", err)
	}
	return body.Answer, nil
}
