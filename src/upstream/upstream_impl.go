package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nhirsama/Goster-Solar/src/inter"
	"github.com/rs/zerolog"
)

const requestTimeout = 10 * time.Second

// Client 实现 inter.AuthorityClient 与 inter.SinkWriter：
// 通过 HTTP 访问外部凭证中心与测量数据接收端。
// 除共享的服务令牌外无状态。
type Client struct {
	baseURL    string
	identity   string
	secret     string
	httpClient *http.Client
	// tokens 由装配阶段绑定 (令牌续期器依赖本客户端的 Authenticate，
	// 本客户端的 Lookup 又依赖续期器，二者通过接口解耦)
	tokens inter.TokenSource
	logger zerolog.Logger
}

// NewClient 创建上游 HTTP 客户端
func NewClient(baseURL, identity, secret string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		identity: identity,
		secret:   secret,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: logger.With().Str("component", "upstream").Logger(),
	}
}

// BindTokenSource 绑定服务令牌来源，装配时调用一次
func (c *Client) BindTokenSource(ts inter.TokenSource) {
	c.tokens = ts
}

// =============================================================================
// 凭证中心
// =============================================================================

// Authenticate 以服务身份换取 Bearer 令牌
func (c *Client) Authenticate(ctx context.Context) (*inter.ServiceToken, error) {
	body, _ := json.Marshal(map[string]string{
		"identity": c.identity,
		"secret":   c.secret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/service/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("服务登录请求失败: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("服务登录被拒: HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("服务登录响应解析失败: %w", err)
	}

	return &inter.ServiceToken{Value: payload.Token, ExpiresAt: payload.ExpiresAt}, nil
}

// Lookup 查询序列号对应的写入凭证
func (c *Client) Lookup(ctx context.Context, serial uint32) (*inter.CredentialEntry, error) {
	if c.tokens == nil {
		return nil, inter.ErrTokenUnavailable
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/credentials/%d", c.baseURL, serial)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("凭证查询请求失败: %w", err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		// fallthrough to decode
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: serial %d", inter.ErrSerialNotFound, serial)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: 凭证中心返回 HTTP %d", inter.ErrTokenUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("凭证查询失败: HTTP %d", resp.StatusCode)
	}

	var payload struct {
		WriteToken string `json:"write_token"`
		SinkID     string `json:"sink_id"`
		TenantID   string `json:"tenant_id"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("凭证响应解析失败: %w", err)
	}

	return &inter.CredentialEntry{
		Serial:     serial,
		WriteToken: payload.WriteToken,
		SinkID:     payload.SinkID,
		TenantID:   payload.TenantID,
		TTLHint:    time.Duration(payload.TTLSeconds) * time.Second,
	}, nil
}

// =============================================================================
// 测量数据接收端
// =============================================================================

// writeBody 一次写入调用的请求体
type writeBody struct {
	Serial  uint32                    `json:"serial"`
	Records []inter.MeasurementRecord `json:"records"`
}

// Write 将一批记录写入凭证指定的接收端。
// 状态码到错误类别的映射:
//
//	401/403/404 -> ErrWriteUnauthorized (404 视为接收端已删除，凭证过时)
//	400/422     -> ErrWriteRejected
//	5xx / 网络   -> ErrWriteTransient
func (c *Client) Write(ctx context.Context, cred *inter.CredentialEntry, records []inter.MeasurementRecord) error {
	if len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(writeBody{Serial: cred.Serial, Records: records})
	if err != nil {
		return fmt.Errorf("%w: %v", inter.ErrWriteRejected, err)
	}

	url := fmt.Sprintf("%s/api/v1/sinks/%s/measurements", c.baseURL, cred.SinkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.WriteToken)
	req.Header.Set("X-Tenant-ID", cred.TenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", inter.ErrWriteTransient, err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK ||
		resp.StatusCode == http.StatusCreated ||
		resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: HTTP %d", inter.ErrWriteUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: HTTP %d", inter.ErrWriteRejected, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d", inter.ErrWriteTransient, resp.StatusCode)
	}
}

// drainAndClose 读尽并关闭响应体，便于连接复用
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
