package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/hrygo/wxrelay/internal/errs"
	"github.com/hrygo/wxrelay/internal/model"
)

// zhiweijzConfig is the bookkeeping variant's config shape.
type zhiweijzConfig struct {
	ServerURL     string `json:"server_url"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	AccountBookID string `json:"account_book_id"`
	TimeoutSecs   int    `json:"timeout_seconds"`
}

// zhiweijzPlatform records chat content as bookkeeping transactions. Its
// bearer token is kept fresh by oauth2.ReuseTokenSource wrapping a
// tokenSource that logs in and reads the JWT's exp claim, rather than a
// hand-rolled expiry timer.
type zhiweijzPlatform struct {
	cfg        zhiweijzConfig
	httpClient *http.Client
	tokens     oauth2.TokenSource
}

func newZhiWeiJZ(raw json.RawMessage) (Platform, error) {
	var cfg zhiweijzConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.New(errs.KindConfig, err)
	}
	if cfg.ServerURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, errs.Newf(errs.KindConfig, "zhiweijz platform: server_url, username and password required")
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	httpClient := &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second}
	src := &loginTokenSource{cfg: cfg, httpClient: httpClient}
	return &zhiweijzPlatform{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     oauth2.ReuseTokenSource(nil, src),
	}, nil
}

func (p *zhiweijzPlatform) Initialize(ctx context.Context) error {
	_, err := p.tokens.Token()
	return err
}

type smartTransactionRequest struct {
	Description   string `json:"description"`
	AccountBookID string `json:"account_book_id"`
}

type smartTransactionResponse struct {
	Description     string  `json:"description"`
	Amount          float64 `json:"amount"`
	HasAmount       bool    `json:"has_amount"`
	Category        string  `json:"category"`
	AccountBookName string  `json:"account_book_name"`
}

func (p *zhiweijzPlatform) Process(ctx context.Context, unit Unit) (*Result, error) {
	start := time.Now()
	record := &model.AccountingRecord{
		MessageID:     unit.MessageID,
		Description:   unit.Content,
		AccountBookID: p.cfg.AccountBookID,
	}

	resp, procErr := p.recordTransaction(ctx, unit)
	record.ProcessingMs = time.Since(start).Milliseconds()
	if procErr != nil {
		// Unlike the other variants, a failed call still returns a non-nil
		// Result: the accounting row must be appended regardless of outcome.
		record.Success = false
		record.ErrorMessage = procErr.Error()
		return &Result{ShouldReply: false, Accounting: record}, procErr
	}

	record.Success = true
	record.Amount = resp.Amount
	record.HasAmount = resp.HasAmount
	record.Category = resp.Category
	record.AccountBookName = resp.AccountBookName

	return &Result{
		Content:     formatConfirmation(resp),
		ShouldReply: true,
		SendMode:    SendModeNormal,
		Accounting:  record,
	}, nil
}

func formatConfirmation(r *smartTransactionResponse) string {
	if !r.HasAmount {
		return fmt.Sprintf("已记录：%s", r.Description)
	}
	return fmt.Sprintf("已记账：%s %.2f（%s）", r.Description, r.Amount, r.Category)
}

func (p *zhiweijzPlatform) recordTransaction(ctx context.Context, unit Unit) (*smartTransactionResponse, error) {
	token, err := p.tokens.Token()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(smartTransactionRequest{
		Description:   unit.Content,
		AccountBookID: p.cfg.AccountBookID,
	})
	if err != nil {
		return nil, errs.New(errs.KindInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.cfg.ServerURL+"/transactions/smart", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New(errs.KindInternal, err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errs.Permanent(fmt.Errorf("zhiweijz auth failed: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return nil, errs.Transient(fmt.Errorf("zhiweijz server error: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, errs.Newf(errs.KindProtocol, "zhiweijz rejected request: status %d body %s", resp.StatusCode, raw)
	}

	var out smartTransactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.New(errs.KindProtocol, err)
	}
	return &out, nil
}

func (p *zhiweijzPlatform) Test(ctx context.Context) (*TestResult, error) {
	if _, err := p.tokens.Token(); err != nil {
		return &TestResult{OK: false, Detail: err.Error()}, nil
	}
	return &TestResult{OK: true, Detail: "authenticated"}, nil
}

func (p *zhiweijzPlatform) Kind() string { return "zhiweijz" }

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// loginTokenSource POSTs username/password to the login endpoint and
// parses (not verifies, the token is opaque to us) the returned JWT's
// exp claim so oauth2.ReuseTokenSource knows when to call Token again.
type loginTokenSource struct {
	cfg        zhiweijzConfig
	httpClient *http.Client
}

func (s *loginTokenSource) Token() (*oauth2.Token, error) {
	payload, err := json.Marshal(map[string]string{
		"username": s.cfg.Username,
		"password": s.cfg.Password,
	})
	if err != nil {
		return nil, errs.New(errs.KindInternal, err)
	}

	req, err := http.NewRequest("POST", s.cfg.ServerURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New(errs.KindInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errs.Permanent(fmt.Errorf("zhiweijz login failed: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.KindProtocol, "zhiweijz login: unexpected status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, errs.New(errs.KindProtocol, err)
	}

	exp := tokenExpiry(lr.AccessToken)
	return &oauth2.Token{AccessToken: lr.AccessToken, TokenType: "Bearer", Expiry: exp}, nil
}

// tokenExpiry parses the JWT's exp claim without verifying its signature;
// the token is opaque to us, we only need to know when to refresh it.
func tokenExpiry(raw string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return time.Now().Add(5 * time.Minute)
	}
	expFloat, err := claims.GetExpirationTime()
	if err != nil || expFloat == nil {
		return time.Now().Add(5 * time.Minute)
	}
	return expFloat.Time
}
