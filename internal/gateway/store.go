package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/config"
)

// StoredMessage 代表落盘在网关数据库中的聊天消息。
type StoredMessage struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConversationID string    `gorm:"index;not null" json:"conversationId"`
	SenderID       string    `gorm:"index;not null" json:"senderId"`
	SenderName     string    `gorm:"type:varchar(255)" json:"senderName"`
	SenderAvatar   string    `gorm:"type:varchar(255)" json:"senderAvatar"`
	Kind           string    `gorm:"type:varchar(32);not null" json:"kind"`
	Content        string    `gorm:"type:text" json:"content"`
	PayloadRaw     []byte    `gorm:"type:text" json:"payload,omitempty"`
	CreatedAt      time.Time `gorm:"index;not null" json:"createdAt"`
}

// TableName 指定 StoredMessage 模型的表名。
func (StoredMessage) TableName() string {
	return "messages"
}

// ReadMark 记录每个用户在每个会话中的已读水位。
type ReadMark struct {
	ConversationID string    `gorm:"primaryKey;type:varchar(64)" json:"conversationId"`
	UserID         string    `gorm:"primaryKey;type:varchar(64)" json:"userId"`
	LastReadAt     time.Time `json:"lastReadAt"`
}

// TableName 指定 ReadMark 模型的表名。
func (ReadMark) TableName() string {
	return "read_marks"
}

// MessageStore 定义了网关的消息持久化操作。
type MessageStore interface {
	Create(ctx context.Context, msg *chattypes.Message) (*chattypes.Message, error)
	ListBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]*chattypes.Message, error)
	GetByID(ctx context.Context, id string) (*chattypes.Message, error)
	UpdatePayload(ctx context.Context, id string, payload json.RawMessage) error
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
}

// gormMessageStore 使用 GORM + 嵌入式 sqlite 实现 MessageStore。
type gormMessageStore struct {
	db *gorm.DB
}

// InitDB 打开嵌入式数据库并迁移表结构。
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库 %s 失败: %w", cfg.Path, err)
	}
	if err := db.AutoMigrate(&StoredMessage{}, &ReadMark{}); err != nil {
		return nil, fmt.Errorf("迁移数据库表失败: %w", err)
	}
	return db, nil
}

// NewGormMessageStore 创建一个基于 GORM 的 MessageStore。
func NewGormMessageStore(db *gorm.DB) MessageStore {
	return &gormMessageStore{db: db}
}

// Create 持久化一条消息。ID 与时间戳缺失时由网关分配——
// 网关分配的 ID 就是客户端眼中的“服务端 ID”。
func (s *gormMessageStore) Create(ctx context.Context, msg *chattypes.Message) (*chattypes.Message, error) {
	stored := &StoredMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		SenderAvatar:   msg.SenderAvatar,
		Kind:           string(msg.Kind),
		Content:        msg.Content,
		PayloadRaw:     msg.PayloadRaw,
		CreatedAt:      msg.CreatedAt,
	}
	if stored.ID == "" {
		stored.ID = "msg-" + uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(stored).Error; err != nil {
		return nil, fmt.Errorf("写入消息失败: %w", err)
	}
	return stored.toWire(), nil
}

// ListBefore 按时间倒序取一页 before 之前的消息。
func (s *gormMessageStore) ListBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]*chattypes.Message, error) {
	var rows []*StoredMessage
	query := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC")
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询消息列表失败: %w", err)
	}
	out := make([]*chattypes.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toWire())
	}
	return out, nil
}

// GetByID 通过 ID 检索消息。
func (s *gormMessageStore) GetByID(ctx context.Context, id string) (*chattypes.Message, error) {
	var row StoredMessage
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return row.toWire(), nil
}

// UpdatePayload 覆写消息的结构化载荷（例如报价被接受）。
func (s *gormMessageStore) UpdatePayload(ctx context.Context, id string, payload json.RawMessage) error {
	return s.db.WithContext(ctx).
		Model(&StoredMessage{}).
		Where("id = ?", id).
		Update("payload_raw", []byte(payload)).Error
}

// MarkRead 更新已读水位（upsert 语义）。
func (s *gormMessageStore) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	mark := ReadMark{ConversationID: conversationID, UserID: userID, LastReadAt: at}
	return s.db.WithContext(ctx).Save(&mark).Error
}

func (m *StoredMessage) toWire() *chattypes.Message {
	return &chattypes.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderAvatar:   m.SenderAvatar,
		Kind:           chattypes.MessageKind(m.Kind),
		Content:        m.Content,
		PayloadRaw:     json.RawMessage(m.PayloadRaw),
		CreatedAt:      m.CreatedAt,
	}
}
