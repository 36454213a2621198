package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/config"
)

// RequestChannel 定义了无状态请求通道（REST）的操作。
// 它既是发送的兜底通道，也承担批量操作（历史、刷新）。
type RequestChannel interface {
	// Login 用用户名密码换取访问令牌。
	Login(ctx context.Context, username, password string) (string, error)

	// ListMessages 按时间倒序取一页 before 之前的消息。
	// before 为零值时取最新一页。
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*chattypes.Message, error)

	// SendMessage 通过请求通道投递一条消息，返回服务端的权威表示。
	// 失败时返回 *DeliveryError。
	SendMessage(ctx context.Context, conversationID string, draft chattypes.Draft) (*chattypes.Message, error)

	// UploadImage 上传一张图片并创建对应的图片消息。
	UploadImage(ctx context.Context, conversationID, caption, filename string, data []byte) (*chattypes.Message, error)

	// MarkRead 更新会话的已读水位。
	MarkRead(ctx context.Context, conversationID string) error

	// AcceptOffer 接受一条结构化报价，返回更新后的报价消息。
	AcceptOffer(ctx context.Context, messageID string) (*chattypes.Message, error)
}

// httpRequestChannel 是基于 net/http 的 RequestChannel 实现。
type httpRequestChannel struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPRequestChannel 创建一个新的请求通道客户端。
// token 可以为空（登录前），之后用 SetToken 注入。
func NewHTTPRequestChannel(cfg config.ChatConfig, token string) *httpRequestChannel {
	return &httpRequestChannel{
		baseURL: cfg.APIBaseURL,
		token:   token,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// SetToken 更新后续请求使用的访问令牌。
func (c *httpRequestChannel) SetToken(token string) { c.token = token }

func (c *httpRequestChannel) Login(ctx context.Context, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", fmt.Errorf("序列化登录请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("登录请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("登录失败，状态码 %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("解析登录响应失败: %w", err)
	}
	c.token = out.Token
	return out.Token, nil
}

func (c *httpRequestChannel) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*chattypes.Message, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("%s/conversations/%s/messages?%s", c.baseURL, url.PathEscape(conversationID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("获取消息列表失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("获取消息列表失败，状态码 %d", resp.StatusCode)
	}

	var out struct {
		Messages []*chattypes.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("解析消息列表失败: %w", err)
	}
	return out.Messages, nil
}

func (c *httpRequestChannel) SendMessage(ctx context.Context, conversationID string, draft chattypes.Draft) (*chattypes.Message, error) {
	body, err := json.Marshal(draft)
	if err != nil {
		return nil, &DeliveryError{ConversationID: conversationID, Err: fmt.Errorf("序列化消息失败: %w", err)}
	}
	endpoint := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, url.PathEscape(conversationID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &DeliveryError{ConversationID: conversationID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &DeliveryError{ConversationID: conversationID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &DeliveryError{ConversationID: conversationID, StatusCode: resp.StatusCode, Err: fmt.Errorf("服务端拒绝发送")}
	}

	return decodeMessage(resp.Body, conversationID)
}

func (c *httpRequestChannel) UploadImage(ctx context.Context, conversationID, caption, filename string, data []byte) (*chattypes.Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return nil, &DeliveryError{ConversationID: conversationID, Err: err}
		}
	}
	fw, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, &DeliveryError{ConversationID: conversationID, Err: err}
	}
	if _, err := fw.Write(data); err != nil {
		return nil, &DeliveryError{ConversationID: conversationID, Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &DeliveryError{ConversationID: conversationID, Err: err}
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/images", c.baseURL, url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, &DeliveryError{ConversationID: conversationID, Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &DeliveryError{ConversationID: conversationID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &DeliveryError{ConversationID: conversationID, StatusCode: resp.StatusCode, Err: fmt.Errorf("图片上传被拒绝")}
	}

	return decodeMessage(resp.Body, conversationID)
}

func (c *httpRequestChannel) MarkRead(ctx context.Context, conversationID string) error {
	endpoint := fmt.Sprintf("%s/conversations/%s/read", c.baseURL, url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("标记已读失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("标记已读失败，状态码 %d", resp.StatusCode)
	}
	return nil
}

func (c *httpRequestChannel) AcceptOffer(ctx context.Context, messageID string) (*chattypes.Message, error) {
	endpoint := fmt.Sprintf("%s/messages/%s/accept-offer", c.baseURL, url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("接受报价失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("接受报价失败，状态码 %d", resp.StatusCode)
	}
	return decodeMessage(resp.Body, "")
}

func (c *httpRequestChannel) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeMessage(r io.Reader, conversationID string) (*chattypes.Message, error) {
	var out struct {
		Message *chattypes.Message `json:"message"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, &DeliveryError{ConversationID: conversationID, Err: fmt.Errorf("解析响应失败: %w", err)}
	}
	if out.Message == nil {
		return nil, &DeliveryError{ConversationID: conversationID, Err: fmt.Errorf("响应中缺少消息体")}
	}
	return out.Message, nil
}
