package remoteclient

import (
	"context"

	"github.com/hrygo/wxrelay/internal/model"
)

// RawMessage mirrors the wire shape returned by the automation endpoint,
// ahead of ingest normalization.
type RawMessage struct {
	MessageID    string `json:"message_id"`
	Sender       string `json:"sender"`
	SenderRemark string `json:"sender_remark"`
	Content      string `json:"content"`
	Type         string `json:"type"`
	CreateTime   int64  `json:"create_time"`
}

// UnreadChat is one entry of the main-window unread listing.
type UnreadChat struct {
	ChatName string       `json:"chat_name"`
	Messages []RawMessage `json:"messages"`
}

type statusResponse struct {
	Status       string `json:"status"`
	WechatStatus string `json:"wechat_status"`
	Uptime       int64  `json:"uptime"`
}

// Init health-pings the remote and caches server uptime. Idempotent.
func (c *Client) Init(ctx context.Context) error {
	var resp statusResponse
	return c.do(ctx, "GET", "/api/wechat/status", nil, &resp)
}

// ListUnreadMainWindow polls the main window for chats with unread
// messages.
func (c *Client) ListUnreadMainWindow(ctx context.Context) ([]UnreadChat, error) {
	var resp []UnreadChat
	if err := c.do(ctx, "GET", "/api/message/main-unread", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListenerOptions configures media/file/voice/url capture for a new
// listener subscription.
type ListenerOptions struct {
	SavePic   bool `json:"save_pic"`
	SaveVideo bool `json:"save_video"`
	SaveFile  bool `json:"save_file"`
	SaveVoice bool `json:"save_voice"`
	ParseURL  bool `json:"parse_url"`
}

func (c *Client) AddListener(ctx context.Context, chatName string, opts ListenerOptions) error {
	req := struct {
		ChatName string `json:"chat_name"`
		ListenerOptions
	}{ChatName: chatName, ListenerOptions: opts}
	return c.do(ctx, "POST", "/api/message/listener/add", req, nil)
}

func (c *Client) RemoveListener(ctx context.Context, chatName string) error {
	req := struct {
		ChatName string `json:"chat_name"`
	}{ChatName: chatName}
	return c.do(ctx, "POST", "/api/message/listener/remove", req, nil)
}

func (c *Client) FetchListenerMessages(ctx context.Context, chatName string) ([]RawMessage, error) {
	var resp []RawMessage
	if err := c.do(ctx, "GET", "/api/message/listener?chat_name="+chatName, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SendText(ctx context.Context, chatName, text string, atList []string) error {
	req := struct {
		ChatName string   `json:"chat_name"`
		Text     string   `json:"text"`
		AtList   []string `json:"at_list,omitempty"`
	}{ChatName: chatName, Text: text, AtList: atList}
	return c.do(ctx, "POST", "/api/message/send-text", req, nil)
}

func (c *Client) SendFile(ctx context.Context, chatName, path string) error {
	req := struct {
		ChatName string `json:"chat_name"`
		Path     string `json:"path"`
	}{ChatName: chatName, Path: path}
	return c.do(ctx, "POST", "/api/message/send-file", req, nil)
}

// SendImage shares the send-file endpoint; the remote distinguishes by
// the path's extension.
func (c *Client) SendImage(ctx context.Context, chatName, path string) error {
	return c.SendFile(ctx, chatName, path)
}

// SendTyping signals the client is composing, used by platform variants
// configured with send mode "typing".
func (c *Client) SendTyping(ctx context.Context, chatName string) error {
	req := struct {
		ChatName string `json:"chat_name"`
	}{ChatName: chatName}
	return c.do(ctx, "POST", "/api/message/typing", req, nil)
}

func (c *Client) WechatInit(ctx context.Context) error {
	var resp statusResponse
	return c.do(ctx, "POST", "/api/wechat/initialize", nil, &resp)
}

type autoLoginResponse struct {
	LoginResult bool `json:"login_result"`
	Success     bool `json:"success"`
}

func (c *Client) AutoLogin(ctx context.Context, timeoutSeconds int) (*autoLoginResponse, error) {
	req := struct {
		Timeout int `json:"timeout"`
	}{Timeout: timeoutSeconds}
	var resp autoLoginResponse
	if err := c.do(ctx, "POST", "/api/auxiliary/login/auto", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type qrcodeResponse struct {
	QRCodeDataURL string `json:"qrcode_data_url"`
}

func (c *Client) GetQRCode(ctx context.Context) (string, error) {
	var resp qrcodeResponse
	if err := c.do(ctx, "POST", "/api/auxiliary/login/qrcode", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.QRCodeDataURL, nil
}

// ToRawMessages converts the wire shape into domain messages bound to
// one instance/chat, ahead of ingest.
func ToRawMessages(instanceID, chatName string, raws []RawMessage) []*model.Message {
	out := make([]*model.Message, 0, len(raws))
	for _, r := range raws {
		out = append(out, &model.Message{
			MessageID:    r.MessageID,
			InstanceID:   instanceID,
			ChatName:     chatName,
			Sender:       r.Sender,
			SenderRemark: r.SenderRemark,
			Content:      r.Content,
			MessageType:  model.MessageType(r.Type),
			CreateTime:   r.CreateTime,
		})
	}
	return out
}
