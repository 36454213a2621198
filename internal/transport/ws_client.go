package transport

import (
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/config"
)

// Credentials 是建立推送通道所需的身份信息。
// 令牌的获取与存储由外部协作者负责，这里只消费。
type Credentials struct {
	Token       string
	UserID      string
	DisplayName string
	AvatarURL   string
}

// wsClient 维护到网关的推送通道连接：拨号、读写泵、断线重连。
// 所有入站帧翻译为事件总线上的类型化事件。
type wsClient struct {
	cfg   config.ChatConfig
	wsCfg config.WebSocketConfig
	bus   *EventBus

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan chattypes.Frame
	connected bool
	closing   bool
	attempts  int
	joined    map[string]bool // 断线重连后需要重新加入的会话
	creds     Credentials
}

func newWSClient(cfg config.ChatConfig, wsCfg config.WebSocketConfig, bus *EventBus) *wsClient {
	return &wsClient{
		cfg:    cfg,
		wsCfg:  wsCfg,
		bus:    bus,
		joined: make(map[string]bool),
	}
}

// connect 建立推送通道。已连接时是幂等的空操作。
// 失败不向上抛：记录日志、发布断开状态，由请求通道兜底。
func (c *wsClient) connect(creds Credentials) {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return
	}
	c.creds = creds
	c.closing = false
	c.attempts = 0
	c.mu.Unlock()

	c.warnIfTokenExpired(creds.Token)

	if err := c.dial(); err != nil {
		log.Printf("推送通道初次连接失败: %v", err)
		c.bus.PublishError(ErrTransportUnavailable)
		go c.reconnectLoop()
	}
}

// warnIfTokenExpired 在拨号前做一次未验证的过期检查，
// 便于在日志里区分“网络不通”和“令牌过期”两类失败。
func (c *wsClient) warnIfTokenExpired(token string) {
	if token == "" {
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if time.Now().After(exp.Time) {
		log.Printf("警告: 访问令牌已于 %s 过期，推送通道连接预计会被拒绝", exp.Time.Format(time.RFC3339))
	}
}

// dial 执行一次拨号，成功后启动读写泵并发布已连接状态。
func (c *wsClient) dial() error {
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("token", c.creds.Token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan chattypes.Frame, 256)
	c.connected = true
	c.attempts = 0
	rejoin := make([]string, 0, len(c.joined))
	for id := range c.joined {
		rejoin = append(rejoin, id)
	}
	c.mu.Unlock()

	go c.writePump(conn, c.send)
	go c.readPump(conn)

	// 重连后恢复会话订阅。
	for _, id := range rejoin {
		c.enqueue(chattypes.Frame{Kind: chattypes.FrameJoin, ConversationID: id})
	}

	c.bus.PublishConnChange(ConnState{Connected: true})
	return nil
}

// readPump 从连接读取帧并翻译为事件，连接断开时触发重连。
func (c *wsClient) readPump(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		wasCurrent := c.conn == conn
		if wasCurrent {
			c.connected = false
		}
		closing := c.closing
		c.mu.Unlock()
		if !wasCurrent {
			return
		}
		c.bus.PublishConnChange(ConnState{Connected: false})
		if !closing {
			go c.reconnectLoop()
		}
	}()

	conn.SetReadLimit(int64(c.wsCfg.MaxMessageSizeBytes))
	conn.SetReadDeadline(time.Now().Add(time.Duration(c.wsCfg.PongWaitSeconds) * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(time.Duration(c.wsCfg.PongWaitSeconds) * time.Second))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("推送通道读取错误: %v", err)
			}
			return
		}

		var frame chattypes.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("错误: 无法反序列化推送帧: %v, 原始内容: %s", err, string(raw))
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch 把入站帧转成事件总线上的类型化事件。
func (c *wsClient) dispatch(frame chattypes.Frame) {
	switch frame.Kind {
	case chattypes.FrameNewMessage:
		if frame.Message == nil {
			log.Printf("警告: message.new 帧缺少消息体")
			return
		}
		c.bus.PublishMessage(frame.Message)
	case chattypes.FrameSendAck:
		if frame.Ack == nil {
			log.Printf("警告: message.ack 帧缺少确认体")
			return
		}
		c.bus.PublishAck(*frame.Ack)
	case chattypes.FrameUncertain:
		if frame.Hint == nil {
			log.Printf("警告: message.uncertain 帧缺少提示体")
			return
		}
		c.bus.PublishHint(*frame.Hint)
	case chattypes.FrameError:
		log.Printf("推送通道服务端错误: %s", frame.Error)
		c.bus.PublishError(ErrTransportUnavailable)
	default:
		log.Printf("收到未知类型的推送帧: %s", frame.Kind)
	}
}

// writePump 把出站帧写入连接，并按周期发送 ping。
func (c *wsClient) writePump(conn *websocket.Conn, send chan chattypes.Frame) {
	ticker := time.NewTicker(time.Duration(c.wsCfg.PingPeriodSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	writeWait := time.Duration(c.wsCfg.WriteWaitSeconds) * time.Second

	for {
		select {
		case frame, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				log.Printf("推送通道写入失败: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reconnectLoop 以退避方式重连，超出预算后停止并发布持久断开状态。
func (c *wsClient) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.closing || c.connected {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		budget := c.cfg.MaxReconnectAttempts
		c.mu.Unlock()

		if attempt > budget {
			log.Printf("推送通道重连预算 (%d 次) 已用尽，停止自动重试", budget)
			c.bus.PublishConnChange(ConnState{Connected: false, Exhausted: true})
			return
		}

		delay := c.cfg.ReconnectBaseDelay * time.Duration(attempt)
		log.Printf("推送通道第 %d/%d 次重连将在 %s 后进行", attempt, budget, delay)
		time.Sleep(delay)

		c.mu.Lock()
		if c.closing || c.connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.dial(); err != nil {
			log.Printf("推送通道重连失败: %v", err)
			continue
		}
		return
	}
}

// enqueue 尝试把一帧排入发送队列，返回是否已接受待传输。
// 接受不代表送达，确认需等待 ack 或请求通道兜底。
func (c *wsClient) enqueue(frame chattypes.Frame) bool {
	c.mu.Lock()
	if !c.connected || c.send == nil {
		c.mu.Unlock()
		return false
	}
	send := c.send
	c.mu.Unlock()

	select {
	case send <- frame:
		return true
	default:
		log.Printf("警告: 推送通道发送队列已满，丢弃 %s 帧", frame.Kind)
		return false
	}
}

// join 订阅一个会话的推送；未连接时仅记录，待重连后补发。
func (c *wsClient) join(conversationID string) {
	c.mu.Lock()
	c.joined[conversationID] = true
	c.mu.Unlock()
	c.enqueue(chattypes.Frame{Kind: chattypes.FrameJoin, ConversationID: conversationID})
}

// leave 退订一个会话的推送。
func (c *wsClient) leave(conversationID string) {
	c.mu.Lock()
	delete(c.joined, conversationID)
	c.mu.Unlock()
	c.enqueue(chattypes.Frame{Kind: chattypes.FrameLeave, ConversationID: conversationID})
}

// close 永久关闭推送通道，停止重连。
func (c *wsClient) close() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// isConnected 报告推送通道当前是否在线。
func (c *wsClient) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
