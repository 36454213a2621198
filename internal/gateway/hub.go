package gateway

import (
	"encoding/json"
	"log"

	"agrichat-go/internal/chattypes"
)

// roomOp 是一次进出房间的请求。
type roomOp struct {
	client         *Client
	conversationID string
}

// roomFrame 是一帧面向整个房间的出站消息。
type roomFrame struct {
	conversationID string
	frame          chattypes.Frame
}

// directFrame 是一帧只发给单个连接的出站消息（ack、uncertain）。
type directFrame struct {
	client *Client
	frame  chattypes.Frame
}

// Hub 维护活跃连接和按会话划分的房间，并向房间或单个连接
// 分发帧。发送方所在的房间广播包含发送方自己——客户端的
// 归并去重负责吸收这份重复。
type Hub struct {
	rooms   map[string]map[*Client]bool
	members map[*Client]map[string]bool

	register   chan *Client
	join       chan roomOp
	leave      chan roomOp
	unregister chan *Client
	broadcast  chan roomFrame
	direct     chan directFrame
}

// NewHub 创建一个新的 Hub。
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		members:    make(map[*Client]map[string]bool),
		register:   make(chan *Client),
		join:       make(chan roomOp),
		leave:      make(chan roomOp),
		unregister: make(chan *Client),
		broadcast:  make(chan roomFrame, 256),
		direct:     make(chan directFrame, 256),
	}
}

// BroadcastToRoom 把一帧投给某个会话的所有在场连接。
// 非阻塞：队列满时丢弃并记录。
func (h *Hub) BroadcastToRoom(conversationID string, frame chattypes.Frame) {
	select {
	case h.broadcast <- roomFrame{conversationID: conversationID, frame: frame}:
	default:
		log.Printf("警告: Hub 广播队列已满，丢弃发往会话 %s 的 %s 帧", conversationID, frame.Kind)
	}
}

// SendDirect 把一帧投给单个连接。
func (h *Hub) SendDirect(client *Client, frame chattypes.Frame) {
	select {
	case h.direct <- directFrame{client: client, frame: frame}:
	default:
		log.Printf("警告: Hub 直达队列已满，丢弃 %s 帧", frame.Kind)
	}
}

// Run 启动 Hub 的分发循环。
func (h *Hub) Run() {
	log.Println("网关 Hub 分发循环已启动。")
	for {
		select {
		case client := <-h.register:
			h.members[client] = make(map[string]bool)
			log.Printf("用户 %s 的连接已注册", client.claims.UserID)

		case op := <-h.join:
			if h.rooms[op.conversationID] == nil {
				h.rooms[op.conversationID] = make(map[*Client]bool)
			}
			h.rooms[op.conversationID][op.client] = true
			if h.members[op.client] == nil {
				h.members[op.client] = make(map[string]bool)
			}
			h.members[op.client][op.conversationID] = true
			log.Printf("用户 %s 加入会话 %s", op.client.claims.UserID, op.conversationID)

		case op := <-h.leave:
			h.removeFromRoom(op.client, op.conversationID)

		case client := <-h.unregister:
			// 连接可能已在广播路径上因队列满被移除，避免二次关闭。
			if _, ok := h.members[client]; ok {
				for convoID := range h.members[client] {
					h.removeFromRoom(client, convoID)
				}
				delete(h.members, client)
				close(client.send)
				log.Printf("用户 %s 的连接已注销", client.claims.UserID)
			}

		case rf := <-h.broadcast:
			raw, err := json.Marshal(rf.frame)
			if err != nil {
				log.Printf("错误: 序列化房间广播帧失败: %v", err)
				continue
			}
			for client := range h.rooms[rf.conversationID] {
				select {
				case client.send <- raw:
				default:
					// 发送队列满视为连接已不可用，移出全部房间。
					log.Printf("警告: 用户 %s 的发送队列已满，移除连接", client.claims.UserID)
					for convoID := range h.members[client] {
						h.removeFromRoom(client, convoID)
					}
					delete(h.members, client)
					close(client.send)
				}
			}

		case df := <-h.direct:
			raw, err := json.Marshal(df.frame)
			if err != nil {
				log.Printf("错误: 序列化直达帧失败: %v", err)
				continue
			}
			select {
			case df.client.send <- raw:
			default:
				log.Printf("警告: 用户 %s 的发送队列已满，丢弃直达帧", df.client.claims.UserID)
			}
		}
	}
}

func (h *Hub) removeFromRoom(client *Client, conversationID string) {
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if m, ok := h.members[client]; ok {
		delete(m, conversationID)
	}
}
