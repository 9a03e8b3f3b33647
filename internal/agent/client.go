// internal/agent/client.go
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/novix-app/novix-engine/internal/errors"
	"github.com/novix-app/novix-engine/internal/models"
)

// Client 后端智能体流水线的边界接口
// 引擎只消费这三个不透明操作，不关心流水线内部的推理过程
type Client interface {
	// StartSession 发起一次写作会话（生成场景简报与草稿）
	StartSession(ctx context.Context, projectID string, req models.StartSessionRequest) (*models.StartSessionResult, error)
	// SuggestEdit 基于基线内容与修订指令请求一份修订稿
	SuggestEdit(ctx context.Context, projectID string, req models.SuggestEditRequest) (*models.SuggestEditResult, error)
	// PersistContent 持久化章节内容
	PersistContent(ctx context.Context, projectID string, req models.PersistRequest) (*models.PersistResult, error)
}

// HTTPClient 基于 HTTP/JSON 的边界实现
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient 创建边界客户端
// baseURL 形如 http://host:port
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// StartSession 发起写作会话
func (c *HTTPClient) StartSession(ctx context.Context, projectID string, req models.StartSessionRequest) (*models.StartSessionResult, error) {
	url := fmt.Sprintf("%s/projects/%s/session/start", c.baseURL, projectID)

	var result models.StartSessionResult
	if err := c.postJSON(ctx, url, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SuggestEdit 请求修订稿
func (c *HTTPClient) SuggestEdit(ctx context.Context, projectID string, req models.SuggestEditRequest) (*models.SuggestEditResult, error) {
	url := fmt.Sprintf("%s/projects/%s/session/suggest-edit", c.baseURL, projectID)

	var result models.SuggestEditResult
	if err := c.postJSON(ctx, url, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PersistContent 持久化章节内容
func (c *HTTPClient) PersistContent(ctx context.Context, projectID string, req models.PersistRequest) (*models.PersistResult, error) {
	url := fmt.Sprintf("%s/projects/%s/drafts/%s/content", c.baseURL, projectID, req.Chapter)

	var result models.PersistResult
	if err := c.doJSON(ctx, http.MethodPut, url, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ----------------------------------------
// 请求辅助方法
// ----------------------------------------

func (c *HTTPClient) postJSON(ctx context.Context, url string, body, target interface{}) error {
	return c.doJSON(ctx, http.MethodPost, url, body, target)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body, target interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.NewRequestFailure("序列化请求体失败", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewRequestFailure("创建HTTP请求失败", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewRequestFailure("请求后端失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return apperrors.NewRequestFailure(
			fmt.Sprintf("后端返回错误(%d): %s", resp.StatusCode, string(respBody)), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return apperrors.NewRequestFailure("解析响应失败", err)
	}
	return nil
}
