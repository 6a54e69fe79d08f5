package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/hrygo/wxrelay/internal/errs"
)

const difyMaxAttachmentDimension = 1280

// difyConfig is the "conversation" LLM variant's config shape.
type difyConfig struct {
	APIBase        string `json:"api_base"`
	APIKey         string `json:"api_key"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	SendMode       string `json:"send_mode"`
}

// difyPlatform reuses the teacher's small-struct/bearer-header/typed
// request-response shape from BaileysBridgeClient, adapted to Dify's
// chat-messages and files/upload endpoints.
type difyPlatform struct {
	cfg        difyConfig
	httpClient *http.Client

	mu              sync.Mutex
	conversationIDs map[string]string // keyed by chat name
}

func newDify(raw json.RawMessage) (Platform, error) {
	var cfg difyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.New(errs.KindConfig, err)
	}
	if cfg.APIBase == "" || cfg.APIKey == "" {
		return nil, errs.Newf(errs.KindConfig, "dify platform: api_base and api_key required")
	}
	return &difyPlatform{
		cfg:             cfg,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		conversationIDs: make(map[string]string),
	}, nil
}

func (p *difyPlatform) Initialize(ctx context.Context) error { return nil }

type difyChatRequest struct {
	Query          string         `json:"query"`
	Inputs         map[string]any `json:"inputs"`
	ResponseMode   string         `json:"response_mode"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Files          []difyFileRef  `json:"files,omitempty"`
}

type difyFileRef struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

type difyChatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

func (p *difyPlatform) Process(ctx context.Context, unit Unit) (*Result, error) {
	p.mu.Lock()
	convID := p.conversationIDs[unit.ChatName]
	if convID == "" {
		convID = p.cfg.ConversationID
	}
	p.mu.Unlock()

	var files []difyFileRef
	if unit.MessageType != "text" && unit.MessageType != "" {
		fileID, err := p.uploadAttachment(ctx, unit)
		if err != nil {
			return nil, err
		}
		if fileID != "" {
			files = append(files, difyFileRef{Type: "image", TransferMethod: "local_file", UploadFileID: fileID})
		}
	}

	req := difyChatRequest{
		Query:          unit.Content,
		Inputs:         map[string]any{},
		ResponseMode:   "blocking",
		User:           p.userID(unit),
		ConversationID: convID,
		Files:          files,
	}

	var resp difyChatResponse
	if err := p.post(ctx, "/chat-messages", req, &resp); err != nil {
		return nil, err
	}

	if resp.ConversationID != "" {
		p.mu.Lock()
		p.conversationIDs[unit.ChatName] = resp.ConversationID
		p.mu.Unlock()
	}

	return &Result{
		Content:     resp.Answer,
		ShouldReply: resp.Answer != "",
		SendMode:    sendModeOf(p.cfg.SendMode),
	}, nil
}

func (p *difyPlatform) userID(unit Unit) string {
	if p.cfg.UserID != "" {
		return p.cfg.UserID
	}
	return unit.Sender
}

// uploadAttachment resizes inbound non-text media to a max dimension
// before uploading, avoiding oversized payloads against Dify's
// files/upload endpoint.
func (p *difyPlatform) uploadAttachment(ctx context.Context, unit Unit) (string, error) {
	img, format, err := image.Decode(bytes.NewReader([]byte(unit.Content)))
	if err != nil {
		// Content wasn't decodable image bytes (e.g. a file path or voice
		// note reference); nothing to resize, skip attachment upload.
		return "", nil
	}
	resized := imaging.Fit(img, difyMaxAttachmentDimension, difyMaxAttachmentDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, encoderFormat(format)); err != nil {
		return "", errs.New(errs.KindInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.cfg.APIBase+"/files/upload", &buf)
	if err != nil {
		return "", errs.New(errs.KindInternal, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", errs.New(errs.KindNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errs.Newf(errs.KindPlatform, "dify upload failed: status %d", resp.StatusCode)
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", errs.New(errs.KindProtocol, err)
	}
	return uploaded.ID, nil
}

func encoderFormat(f string) imaging.Format {
	switch f {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	default:
		return imaging.JPEG
	}
}

func (p *difyPlatform) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errs.New(errs.KindInternal, err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.cfg.APIBase+path, bytes.NewReader(data))
	if err != nil {
		return errs.New(errs.KindInternal, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errs.New(errs.KindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errs.Permanent(fmt.Errorf("dify auth failed: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return errs.Transient(fmt.Errorf("dify server error: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return errs.Newf(errs.KindProtocol, "dify rejected request: status %d body %s", resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(errs.KindProtocol, err)
	}
	return nil
}

func (p *difyPlatform) Test(ctx context.Context) (*TestResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.cfg.APIBase+"/parameters", nil)
	if err != nil {
		return nil, errs.New(errs.KindInternal, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TestResult{OK: false, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()
	return &TestResult{OK: resp.StatusCode == http.StatusOK, Detail: fmt.Sprintf("status %d", resp.StatusCode)}, nil
}

func (p *difyPlatform) Kind() string { return "dify" }
