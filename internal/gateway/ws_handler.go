package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/config"
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	claims *Claims
	svc    ChatService
	wsCfg  config.WebSocketConfig
}

// readPump 读取客户端帧并分发：进出房间给 Hub，业务帧给服务层。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(int64(c.wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.wsCfg.PongWaitSeconds) * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.wsCfg.PongWaitSeconds) * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket 读取错误 (用户 %s): %v", c.claims.UserID, err)
			}
			break
		}

		var frame chattypes.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("错误: 无法反序列化来自用户 %s 的帧: %v, 原始内容: %s", c.claims.UserID, err, string(raw))
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame chattypes.Frame) {
	ctx := context.Background()
	switch frame.Kind {
	case chattypes.FrameJoin:
		c.hub.join <- roomOp{client: c, conversationID: frame.ConversationID}

	case chattypes.FrameLeave:
		c.hub.leave <- roomOp{client: c, conversationID: frame.ConversationID}

	case chattypes.FrameSend:
		if frame.Message == nil {
			c.hub.SendDirect(c, chattypes.Frame{Kind: chattypes.FrameError, Error: "message.send 帧缺少消息体"})
			return
		}
		draft := chattypes.Draft{Kind: frame.Message.Kind, Content: frame.Message.Content}
		if len(frame.Message.PayloadRaw) > 0 {
			draft.Payload = json.RawMessage(frame.Message.PayloadRaw)
		}
		stored, err := c.svc.SendMessage(ctx, c.claims, frame.ConversationID, draft)
		if err != nil {
			// 接收到了但没能确认落盘：回投递不确定提示，
			// 客户端据此把占位转为 uncertain 并走兜底。
			log.Printf("错误: 持久化用户 %s 的消息失败: %v", c.claims.UserID, err)
			c.hub.SendDirect(c, chattypes.Frame{
				Kind: chattypes.FrameUncertain,
				Hint: &chattypes.SendHint{
					ConversationID: frame.ConversationID,
					SenderID:       c.claims.UserID,
					Content:        frame.Message.Content,
					Kind:           frame.Message.Kind,
				},
			})
			return
		}
		// 确认回发送方本人；房间广播在服务层完成。
		c.hub.SendDirect(c, chattypes.Frame{
			Kind: chattypes.FrameSendAck,
			Ack: &chattypes.SendAck{
				ServerID:       stored.ID,
				ConversationID: stored.ConversationID,
				Message:        stored,
			},
		})

	case chattypes.FrameMarkRead:
		if err := c.svc.MarkRead(ctx, c.claims, frame.ConversationID); err != nil {
			log.Printf("警告: 更新用户 %s 的已读水位失败: %v", c.claims.UserID, err)
		}

	case chattypes.FrameAcceptOffer:
		if _, err := c.svc.AcceptOffer(ctx, c.claims, frame.MessageID); err != nil {
			c.hub.SendDirect(c, chattypes.Frame{Kind: chattypes.FrameError, Error: err.Error()})
		}

	default:
		log.Printf("收到未知类型的帧: %s (用户 %s)", frame.Kind, c.claims.UserID)
	}
}

// writePump 把出站帧写入连接，并按周期发送 ping。
func (c *Client) writePump() {
	ticker := time.NewTicker(time.Duration(c.wsCfg.PingPeriodSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	writeWait := time.Duration(c.wsCfg.WriteWaitSeconds) * time.Second

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WebSocketHandler 负责把 HTTP 连接升级为推送通道连接。
type WebSocketHandler struct {
	hub     *Hub
	svc     ChatService
	authCfg config.AuthConfig
	wsCfg   config.WebSocketConfig
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。
func NewWebSocketHandler(hub *Hub, svc ChatService, authCfg config.AuthConfig, wsCfg config.WebSocketConfig) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, svc: svc, authCfg: authCfg, wsCfg: wsCfg}
}

// ServeWS 处理传入的 WebSocket 请求。认证走 token 查询参数。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "缺少认证令牌", http.StatusUnauthorized)
		return
	}
	claims, err := ValidateToken(token, h.authCfg.JWTSecretKey)
	if err != nil {
		log.Printf("WebSocket 连接尝试失败：令牌无效: %v", err)
		http.Error(w, "令牌无效", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("ServeWS - Upgrade 失败:", err)
		return
	}

	client := &Client{
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		claims: claims,
		svc:    h.svc,
		wsCfg:  h.wsCfg,
	}
	h.hub.register <- client

	go client.writePump()
	go client.readPump()

	log.Printf("用户 %s (%s) 已连接推送通道", claims.DisplayName, claims.UserID)
}
