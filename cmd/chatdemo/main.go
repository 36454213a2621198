package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"agrichat-go/internal/chattypes"
	"agrichat-go/internal/config"
	"agrichat-go/internal/services"
	"agrichat-go/internal/transport"
)

// chatdemo 是驱动聊天核心的终端演示客户端：
// 登录网关、打开一个会话、把标准输入的每一行作为文本发送，
// 列表每次收敛后整体重绘。
func main() {
	username := flag.String("user", "farmer", "登录用户名")
	password := flag.String("pass", "password", "登录密码")
	conversationID := flag.String("convo", "contract-demo-1", "会话 ID（每份合同一个）")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	// 2. 登录换取令牌
	rest := transport.NewHTTPRequestChannel(cfg.Chat, "")
	token, err := rest.Login(context.Background(), *username, *password)
	if err != nil {
		log.Fatalf("登录失败: %v", err)
	}
	log.Printf("用户 %s 登录成功。", *username)

	// 3. 组装聊天核心
	adapter := transport.NewAdapter(cfg.Chat, cfg.WebSocket, rest)
	creds := transport.Credentials{
		Token:       token,
		UserID:      "user-" + *username + "-1",
		DisplayName: *username,
	}
	session := services.NewChatSession(cfg.Chat, *conversationID, creds, adapter)
	session.OnChange(func(msgs []*chattypes.Message) {
		render(msgs, creds.UserID)
	})

	if err := session.Open(context.Background()); err != nil {
		log.Fatalf("打开会话失败: %v", err)
	}
	defer session.Close()

	fmt.Println("输入文本发送；/offer 价格 数量 发送报价；/older 翻页；/retry 序号 重试；/quit 退出。")

	// 4. 读取输入循环
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/older":
			if err := session.LoadOlder(context.Background()); err != nil {
				log.Printf("翻页失败: %v", err)
			}
		case strings.HasPrefix(line, "/retry "):
			seq, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "/retry ")), 10, 64)
			if err != nil {
				log.Printf("无效的序号: %v", err)
				continue
			}
			if content, ok := session.RetryFailed(seq); ok {
				fmt.Printf("已移除失败消息，内容回填: %q（重新回车发送）\n", content)
			} else {
				log.Printf("没有序号为 %d 的失败消息", seq)
			}
		case strings.HasPrefix(line, "/offer "):
			parts := strings.Fields(strings.TrimPrefix(line, "/offer "))
			if len(parts) != 2 {
				fmt.Println("用法: /offer 单价 数量")
				continue
			}
			price, err1 := strconv.ParseFloat(parts[0], 64)
			qty, err2 := strconv.ParseFloat(parts[1], 64)
			if err1 != nil || err2 != nil {
				fmt.Println("单价和数量必须是数字")
				continue
			}
			offer := chattypes.OfferPayload{
				PricePerUnit: price,
				Currency:     "CNY",
				Quantity:     qty,
				Unit:         "kg",
			}
			summary := fmt.Sprintf("报价：%.2f 元/kg × %.0f kg", price, qty)
			session.SendOffer(summary, offer)
		default:
			session.SendText(line)
		}
	}
}

// render 整体重绘当前消息列表。
func render(msgs []*chattypes.Message, selfID string) {
	fmt.Println("----------------------------------------")
	for _, m := range msgs {
		who := m.SenderName
		if m.SenderID == selfID {
			who = "我"
		}
		status := ""
		if m.IsPlaceholder() {
			status = fmt.Sprintf(" [%s #%d]", m.Delivery, m.Local.Seq)
		}
		fmt.Printf("%s  %s: %s%s\n", m.CreatedAt.Format("15:04:05"), who, m.Content, status)
	}
	fmt.Println("----------------------------------------")
}
