package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/job"
)

// Client 调用作业服务的 REST 接口。
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient 构造客户端；baseURL 形如 http://127.0.0.1:8080。
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// WithToken 设置每个请求携带的 Bearer 令牌。
func (c *Client) WithToken(token string) *Client {
	c.token = strings.TrimSpace(token)
	return c
}

// BaseURLFromAddress 将监听地址（如 ":8080"）转换为本机访问地址。
func BaseURLFromAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return "http://127.0.0.1:8080"
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return addr
	case strings.HasPrefix(addr, ":"):
		return "http://127.0.0.1" + addr
	default:
		return "http://" + addr
	}
}

// Submit 提交作业。
func (c *Client) Submit(ctx context.Context, req job.SubmitRequest) (*job.Job, error) {
	var created job.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", nil, req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Get 查询单个作业。
func (c *Client) Get(ctx context.Context, id string) (*job.Job, error) {
	var found job.Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &found); err != nil {
		return nil, err
	}
	return &found, nil
}

// List 按查询参数列出作业。
func (c *Client) List(ctx context.Context, query url.Values) ([]*job.Job, error) {
	var body struct {
		Jobs []*job.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", query, nil, &body); err != nil {
		return nil, err
	}
	return body.Jobs, nil
}

// Stats 返回作业统计。
func (c *Client) Stats(ctx context.Context, query url.Values) (job.Stats, error) {
	var stats job.Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/stats", query, nil, &stats)
	return stats, err
}

// WaitUntilCompleted 轮询作业直到成功或不再重试。
func (c *Client) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*job.Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		found, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found.Finished() {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码请求失败")
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造请求失败")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "请求作业服务失败",
			xerrors.WithMetadata("url", c.baseURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Code == "" {
			return xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("作业服务返回 %d", resp.StatusCode))
		}
		opts := make([]xerrors.Option, 0, len(apiErr.Metadata))
		for key, value := range apiErr.Metadata {
			opts = append(opts, xerrors.WithMetadata(key, value))
		}
		return xerrors.New(xerrors.Code(apiErr.Code), apiErr.Message, opts...)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "解析作业服务响应失败")
	}
	return nil
}
