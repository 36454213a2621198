package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/config"
	"agrichat-go/internal/delivery"
	"agrichat-go/internal/health"
	"agrichat-go/internal/optimistic"
	"agrichat-go/internal/reconcile"
	"agrichat-go/internal/transport"
)

// ChatSession 定义了单个会话的聊天核心对 UI 暴露的全部操作。
// 所有方法都是非阻塞乐观语义：调用立即返回，结果在到达时
// 经归并引擎对账，UI 通过 OnChange 观察最终列表。
type ChatSession interface {
	// Open 建立传输、订阅会话并加载最新一页历史。
	Open(ctx context.Context) error
	// Close 释放订阅与连接。
	Close()

	// SendText 乐观发送一条文本消息。
	SendText(content string)
	// SendOffer 乐观发送一条结构化报价。
	SendOffer(summary string, offer chattypes.OfferPayload)
	// SendImage 乐观发送一张图片：占位立即显示本地预览，
	// 上传经请求通道完成。
	SendImage(caption, filename string, data []byte)

	// RetryFailed 移除一条 failed 消息并返回其内容供回填输入框。
	RetryFailed(localSeq uint64) (string, bool)

	// MarkRead 更新已读水位。
	MarkRead(ctx context.Context) error
	// AcceptOffer 接受一条结构化报价。
	AcceptOffer(ctx context.Context, messageID string) error
	// LoadOlder 向前翻一页历史。
	LoadOlder(ctx context.Context) error

	// Messages 返回当前消息列表快照。
	Messages() []*chattypes.Message
	// OnChange 注册列表变更观察者。
	OnChange(h func([]*chattypes.Message))
	// HasMoreHistory 报告是否还有更早的历史。
	HasMoreHistory() bool
}

// chatSession 是 ChatSession 的实现，按依赖注入组装各部件。
type chatSession struct {
	cfg     config.ChatConfig
	creds   transport.Credentials
	adapter *transport.Adapter
	tracker *optimistic.Tracker
	engine  *reconcile.Engine
	machine *delivery.Machine
	monitor *health.Monitor

	unsubs []func()
}

// NewChatSession 为指定会话创建聊天核心。适配器由调用方构造
// 并显式传入，生命周期由本会话的 Open/Close 管理。
func NewChatSession(cfg config.ChatConfig, conversationID string, creds transport.Credentials, adapter *transport.Adapter) ChatSession {
	engine := reconcile.NewEngine(conversationID, creds.UserID, adapter, cfg.PageSize)
	machine := delivery.NewMachine(adapter, engine, cfg.FallbackTimeout, cfg.RequestTimeout)
	return &chatSession{
		cfg:     cfg,
		creds:   creds,
		adapter: adapter,
		tracker: optimistic.NewTracker(creds.UserID, creds.DisplayName, creds.AvatarURL),
		engine:  engine,
		machine: machine,
		monitor: health.NewMonitor(engine),
	}
}

func (s *chatSession) Open(ctx context.Context) error {
	bus := s.adapter.Events()

	s.unsubs = append(s.unsubs, bus.OnMessage(func(msg *chattypes.Message) {
		s.engine.Merge(msg)
		if msg.SenderID == s.creds.UserID {
			s.machine.ConfirmMatching(msg)
		}
	}))
	s.unsubs = append(s.unsubs, bus.OnSendAck(func(ack chattypes.SendAck) {
		if ack.Message == nil {
			log.Printf("警告: 发送确认 %s 缺少消息体", ack.ServerID)
			return
		}
		s.engine.Merge(ack.Message)
		s.machine.ConfirmMatching(ack.Message)
	}))
	s.unsubs = append(s.unsubs, bus.OnSendHint(func(hint chattypes.SendHint) {
		s.machine.MarkUncertain(hint)
	}))
	s.unsubs = append(s.unsubs, bus.OnError(func(err error) {
		log.Printf("传输层事件: %v", err)
	}))

	s.monitor.Start(bus)
	s.adapter.Connect(s.creds)
	s.adapter.JoinConversation(s.engine.ConversationID())

	if err := s.engine.Refresh(ctx); err != nil {
		// 初始加载失败不致命：占位发送、推送接收仍然可用，
		// 下一次断线恢复对账会补齐。
		log.Printf("会话 %s 初始加载失败: %v", s.engine.ConversationID(), err)
	}
	return nil
}

func (s *chatSession) Close() {
	s.monitor.Stop()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.machine.Close()
	s.adapter.LeaveConversation(s.engine.ConversationID())
	s.adapter.Close()
}

func (s *chatSession) SendText(content string) {
	s.send(chattypes.Draft{Kind: chattypes.TextMessageKind, Content: content})
}

func (s *chatSession) SendOffer(summary string, offer chattypes.OfferPayload) {
	s.send(chattypes.Draft{Kind: chattypes.OfferMessageKind, Content: summary, Payload: offer})
}

// send 是文本与报价共用的发送路径：
// 占位 → 插入（含镜像匹配）→ 推送优先 → 状态机跟踪。
func (s *chatSession) send(draft chattypes.Draft) {
	ph, err := s.tracker.CreatePlaceholder(s.engine.ConversationID(), draft)
	if err != nil {
		log.Printf("错误: 创建占位消息失败: %v", err)
		return
	}

	if confirmed, already := s.engine.InsertPlaceholder(ph); already {
		// 确认先于占位到达（真实网络竞争），无需再发。
		log.Printf("发送 %s 的确认已先行到达 (服务端 ID %s)", transport.DescribeDraft(draft), confirmed.ID)
		return
	}

	accepted := s.adapter.Send(s.engine.ConversationID(), draft)
	if accepted {
		// 推送已接受待传输；确认或 8 秒兜底由状态机接管。
		s.machine.Track(ph, draft, false)
		return
	}

	// 推送离线：立即走请求通道，计时器只负责收尾。
	s.machine.Track(ph, draft, true)
	seq := ph.Local.Seq
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		msg, err := s.adapter.SendViaRequest(ctx, s.engine.ConversationID(), draft)
		if err != nil {
			log.Printf("请求通道发送失败: %v", err)
			s.machine.MarkFailed(seq)
			return
		}
		s.machine.ConfirmMatching(msg)
		s.engine.Merge(msg)
	}()
}

func (s *chatSession) SendImage(caption, filename string, data []byte) {
	preview := chattypes.ImagePayload{
		URL: "data:image/*;base64," + base64.StdEncoding.EncodeToString(data),
	}
	draft := chattypes.Draft{Kind: chattypes.ImageMessageKind, Content: caption, Payload: preview}

	ph, err := s.tracker.CreatePlaceholder(s.engine.ConversationID(), draft)
	if err != nil {
		log.Printf("错误: 创建图片占位消息失败: %v", err)
		return
	}
	if confirmed, already := s.engine.InsertPlaceholder(ph); already {
		log.Printf("图片的确认已先行到达 (服务端 ID %s)", confirmed.ID)
		return
	}

	// 图片始终经请求通道上传；推送可能独立地把同一张图再报
	// 一次，归并规则 2/5 负责吸收。
	s.machine.Track(ph, draft, true)
	seq := ph.Local.Seq
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		msg, err := s.adapter.UploadImage(ctx, s.engine.ConversationID(), caption, filename, data)
		if err != nil {
			log.Printf("图片上传失败: %v", err)
			s.machine.MarkFailed(seq)
			return
		}
		s.machine.ConfirmMatching(msg)
		s.engine.Merge(msg)
	}()
}

func (s *chatSession) RetryFailed(localSeq uint64) (string, bool) {
	draft, ok := s.machine.Retry(localSeq)
	if !ok {
		return "", false
	}
	return draft.Content, true
}

func (s *chatSession) MarkRead(ctx context.Context) error {
	if err := s.adapter.MarkRead(ctx, s.engine.ConversationID()); err != nil {
		return fmt.Errorf("标记会话 %s 已读失败: %w", s.engine.ConversationID(), err)
	}
	return nil
}

func (s *chatSession) AcceptOffer(ctx context.Context, messageID string) error {
	msg, err := s.adapter.AcceptOffer(ctx, messageID)
	if err != nil {
		return err
	}
	// 报价状态是对已有消息的更新，按 ID 原位替换。
	s.engine.ApplyUpdate(msg)
	return nil
}

func (s *chatSession) LoadOlder(ctx context.Context) error {
	return s.engine.LoadOlder(ctx)
}

func (s *chatSession) Messages() []*chattypes.Message { return s.engine.Snapshot() }

func (s *chatSession) OnChange(h func([]*chattypes.Message)) { s.engine.OnChange(h) }

func (s *chatSession) HasMoreHistory() bool { return s.engine.HasMoreHistory() }
