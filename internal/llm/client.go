// internal/llm/client.go
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	apperrors "github.com/Corphon/zhangwei-case/internal/errors"
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Purpose 请求用途，由远端按用途选择模型
type Purpose string

const (
	PurposeChat      Purpose = "chat"
	PurposeSummarize Purpose = "summarize"
)

// Message 一条对话消息
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest 补全请求
type CompletionRequest struct {
	Messages []Message `json:"messages"`
	Purpose  Purpose   `json:"purpose"`
}

// CompletionResponse 补全响应
type CompletionResponse struct {
	Content string `json:"content"`
}

// Client 定义远程补全端点的边界契约
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// TransportError 传输层失败：端点不可达或返回非2xx。
// Status 为 HTTP 状态码，网络异常时为 0。
type TransportError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("补全请求失败 (status=%d): %s", e.Status, e.Message)
}

// 常见HTTP状态到本地化消息的固定映射
var statusMessages = map[int]string{
	0:   "网络连接失败",
	400: "请求参数错误",
	401: "未授权，请检查密钥",
	403: "禁止访问",
	404: "接口不存在",
	405: "请求方法不允许",
	429: "请求过于频繁",
	500: "服务器内部错误",
	502: "网关错误",
	503: "服务暂时不可用",
}

// ClassifyStatus 将状态码映射为用户可见的分类消息，
// 未收录的状态码回退为通用的 "HTTP <status>"。
func ClassifyStatus(status int) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return fmt.Sprintf("HTTP %d", status)
}

// NewUnavailableClient 返回一个总是报告网络失败的客户端，
// 在未配置补全端点时使用，调用方会转入兜底回复。
func NewUnavailableClient() Client {
	return unavailableClient{}
}

type unavailableClient struct{}

func (unavailableClient) Complete(context.Context, CompletionRequest) (*CompletionResponse, error) {
	return nil, &TransportError{Status: 0, Message: ClassifyStatus(0)}
}

// HTTPClient 基于HTTP的补全客户端
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient 创建补全客户端。timeout<=0 时使用30秒默认值，
// 避免挂起的请求让调用方无限等待。
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Complete 调用远程补全端点。
// 响应结构异常（缺少 content）按成功但内容为空处理，
// 以保证对话继续，不作为失败上抛。
func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewProcessingError("序列化补全请求失败", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewProcessingError("构建补全请求失败", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		log.Printf("⚠️ 补全端点不可达: %v", err)
		return nil, apperrors.NewTransportError("补全端点不可达",
			&TransportError{Status: 0, Message: ClassifyStatus(0)})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 读取并丢弃错误体，保持连接可复用
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, apperrors.NewTransportError("补全端点返回错误状态",
			&TransportError{Status: resp.StatusCode, Message: ClassifyStatus(resp.StatusCode)})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("⚠️ 读取补全响应失败: %v", err)
		return nil, apperrors.NewTransportError("读取补全响应失败",
			&TransportError{Status: 0, Message: ClassifyStatus(0)})
	}

	var result CompletionResponse
	if err := json.Unmarshal(data, &result); err != nil {
		log.Printf("⚠️ %v，按空回复处理", apperrors.NewProtocolError("补全响应结构异常", err))
		return &CompletionResponse{}, nil
	}

	return &result, nil
}
