package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/config"
)

const defaultMaxMemory = 32 << 20 // multipart 表单非文件部分的内存上限

// UserAccount 是网关内置的演示账号。
type UserAccount struct {
	UserID       string
	DisplayName  string
	AvatarURL    string
	PasswordHash string
}

// HTTPHandler 封装了网关的 REST 处理器。
type HTTPHandler struct {
	svc     ChatService
	users   map[string]UserAccount // username → account
	authCfg config.AuthConfig
	stoCfg  config.StorageConfig
	chatCfg config.ChatConfig
}

// NewHTTPHandler 创建一个新的 HTTPHandler 实例。
func NewHTTPHandler(svc ChatService, users map[string]UserAccount, authCfg config.AuthConfig, stoCfg config.StorageConfig, chatCfg config.ChatConfig) *HTTPHandler {
	return &HTTPHandler{svc: svc, users: users, authCfg: authCfg, stoCfg: stoCfg, chatCfg: chatCfg}
}

// RegisterRoutes 把全部 REST 路由挂到 mux 路由器上。
func (h *HTTPHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/login", h.LoginHandler).Methods(http.MethodPost)

	authed := r.PathPrefix("/api").Subrouter()
	authed.Use(func(next http.Handler) http.Handler {
		return AuthMiddleware(next, h.authCfg)
	})
	authed.HandleFunc("/conversations/{id}/messages", h.ListMessagesHandler).Methods(http.MethodGet)
	authed.HandleFunc("/conversations/{id}/messages", h.SendMessageHandler).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/images", h.UploadImageHandler).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/read", h.MarkReadHandler).Methods(http.MethodPost)
	authed.HandleFunc("/messages/{id}/accept-offer", h.AcceptOfferHandler).Methods(http.MethodPost)

	// 已上传图片的静态访问。
	r.PathPrefix("/uploads/").Handler(
		http.StripPrefix("/uploads/", http.FileServer(http.Dir(h.stoCfg.LocalPath))))
}

// LoginHandler 用用户名密码换取访问令牌。
func (h *HTTPHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体格式无效", http.StatusBadRequest)
		return
	}

	account, ok := h.users[req.Username]
	if !ok || !CheckPasswordHash(req.Password, account.PasswordHash) {
		writeJSONError(w, "用户名或密码错误", http.StatusUnauthorized)
		return
	}

	token, err := GenerateToken(account.UserID, account.DisplayName, account.AvatarURL, h.authCfg)
	if err != nil {
		log.Printf("错误: 为用户 %s 签发令牌失败: %v", req.Username, err)
		writeJSONError(w, "登录失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"token":       token,
		"userId":      account.UserID,
		"displayName": account.DisplayName,
	})
}

// ListMessagesHandler 按 before/limit 分页返回会话消息。
func (h *HTTPHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSONError(w, "before 参数格式无效，应为 RFC3339", http.StatusBadRequest)
			return
		}
		before = t
	}
	limit := h.chatCfg.PageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, "limit 参数无效", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := h.svc.ListMessages(r.Context(), conversationID, before, limit)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("获取消息列表失败: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// SendMessageHandler 经请求通道创建一条消息。
func (h *HTTPHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]

	var draft struct {
		Kind    chattypes.MessageKind `json:"kind"`
		Content string                `json:"content"`
		Payload json.RawMessage       `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeJSONError(w, "请求体格式无效", http.StatusBadRequest)
		return
	}
	if draft.Kind == "" {
		draft.Kind = chattypes.TextMessageKind
	}

	d := chattypes.Draft{Kind: draft.Kind, Content: draft.Content}
	if len(draft.Payload) > 0 {
		d.Payload = draft.Payload
	}
	msg, err := h.svc.SendMessage(r.Context(), claims, conversationID, d)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("发送消息失败: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

// UploadImageHandler 接收图片二进制、落盘并创建图片消息。
func (h *HTTPHandler) UploadImageHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	conversationID := mux.Vars(r)["id"]

	maxUploadSize := h.stoCfg.MaxFileSizeMB << 20
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxMemory
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	if err := r.ParseMultipartForm(defaultMaxMemory); err != nil {
		if err.Error() == "http: request body too large" {
			writeJSONError(w, fmt.Sprintf("上传文件过大，最大允许 %d MB", maxUploadSize>>20), http.StatusRequestEntityTooLarge)
		} else {
			writeJSONError(w, fmt.Sprintf("解析表单失败: %v", err), http.StatusBadRequest)
		}
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		if err == http.ErrMissingFile {
			writeJSONError(w, "请求中缺少 'image' 字段", http.StatusBadRequest)
		} else {
			writeJSONError(w, fmt.Sprintf("获取文件失败: %v", err), http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	if err := os.MkdirAll(h.stoCfg.LocalPath, 0o755); err != nil {
		writeJSONError(w, "存储目录不可用", http.StatusInternalServerError)
		return
	}
	name := uuid.NewString() + filepath.Ext(header.Filename)
	dstPath := filepath.Join(h.stoCfg.LocalPath, name)
	dst, err := os.Create(dstPath)
	if err != nil {
		writeJSONError(w, "保存文件失败", http.StatusInternalServerError)
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		writeJSONError(w, "保存文件失败", http.StatusInternalServerError)
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), claims, conversationID, chattypes.Draft{
		Kind:    chattypes.ImageMessageKind,
		Content: r.FormValue("caption"),
		Payload: chattypes.ImagePayload{URL: h.stoCfg.PublicBaseURL + "/" + name},
	})
	if err != nil {
		writeJSONError(w, fmt.Sprintf("创建图片消息失败: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

// MarkReadHandler 更新已读水位。
func (h *HTTPHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	if err := h.svc.MarkRead(r.Context(), claims, mux.Vars(r)["id"]); err != nil {
		writeJSONError(w, fmt.Sprintf("标记已读失败: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AcceptOfferHandler 接受一条结构化报价。
func (h *HTTPHandler) AcceptOfferHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}
	msg, err := h.svc.AcceptOffer(r.Context(), claims, mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, fmt.Sprintf("接受报价失败: %v", err), http.StatusBadRequest)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"message": msg})
}

// writeJSONResponse 输出统一的 JSON 响应。
func writeJSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("错误: 序列化响应失败: %v", err)
	}
}

// writeJSONError 输出统一的 JSON 错误响应。
func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSONResponse(w, status, map[string]string{"error": message})
}
