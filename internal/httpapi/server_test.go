package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"polychat/internal/chat"
	"polychat/internal/credentials"
	"polychat/internal/providers"
	"polychat/internal/throttle"
)

var testSecret = []byte("test-secret")

type fakeChat struct {
	mu     sync.Mutex
	calls  int
	last   chat.SendRequest
	deltas []string
	result chat.Result
	err    error
	// failAfterOpen reports err only once the stream is open.
	failAfterOpen bool
}

func (f *fakeChat) Send(_ context.Context, req chat.SendRequest, sink chat.StreamSink) (chat.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil && !f.failAfterOpen {
		return chat.Result{}, f.err
	}
	if sink != nil {
		if err := sink.Open(); err != nil {
			return chat.Result{}, err
		}
		for _, d := range f.deltas {
			if err := sink.Delta(d); err != nil {
				return chat.Result{}, err
			}
		}
	}
	if f.err != nil {
		return chat.Result{}, f.err
	}
	return f.result, nil
}

type fakeCredentials struct {
	puts    map[string]string
	missing bool
}

func (f *fakeCredentials) Put(_ context.Context, userID, provider, apiKey string) error {
	if !providers.Supported(provider) {
		return providers.ErrUnsupportedProvider
	}
	if strings.TrimSpace(apiKey) == "" {
		return credentials.ErrEmptyAPIKey
	}
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[userID+":"+provider] = apiKey
	return nil
}

func (f *fakeCredentials) Delete(_ context.Context, _, _ string) error {
	if f.missing {
		return credentials.ErrCredentialNotFound
	}
	return nil
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	cfg.JWTSecret = testSecret
	cfg.Logger = zerolog.Nop()
	srv := httptest.NewServer(NewHandler(cfg))
	t.Cleanup(srv.Close)
	return srv
}

func postChat(t *testing.T, srv *httptest.Server, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat/message", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token(t, "user-1"))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func readEvents(t *testing.T, resp *http.Response) []map[string]string {
	t.Helper()
	var events []map[string]string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]string
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestChatRequiresToken(t *testing.T) {
	fc := &fakeChat{}
	srv := newTestServer(t, Config{Chat: fc})

	resp, err := srv.Client().Post(srv.URL+"/api/chat/message", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if fc.calls != 0 {
		t.Fatalf("chat must not be called without a token")
	}
}

func TestChatRejectsForeignSigningMethod(t *testing.T) {
	srv := newTestServer(t, Config{Chat: &fakeChat{}})

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	bad, err := tok.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/chat/message", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+bad)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestChatJSONReply(t *testing.T) {
	fc := &fakeChat{result: chat.Result{Reply: "Hello", ThreadID: "t-1"}}
	srv := newTestServer(t, Config{Chat: fc})

	resp := postChat(t, srv, `{"threadId":"t-1","message":"hi","provider":"OpenAI","projectId":7}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["reply"] != "Hello" || body["threadId"] != "t-1" {
		t.Fatalf("unexpected body %v", body)
	}
	if fc.last.UserID != "user-1" || fc.last.Provider != "openai" {
		t.Fatalf("unexpected request %+v", fc.last)
	}
	if fc.last.ProjectID == nil || *fc.last.ProjectID != 7 {
		t.Fatalf("expected project id 7")
	}
}

func TestChatJSONError(t *testing.T) {
	fc := &fakeChat{err: &chat.Error{Status: http.StatusBadRequest, Message: "Message text or attachments are required"}}
	srv := newTestServer(t, Config{Chat: fc})

	resp := postChat(t, srv, `{"message":""}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error"] != "Message text or attachments are required" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestChatInvalidBody(t *testing.T) {
	fc := &fakeChat{}
	srv := newTestServer(t, Config{Chat: fc})

	resp := postChat(t, srv, `{not json`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if fc.calls != 0 {
		t.Fatalf("chat must not be called for an invalid body")
	}
}

func TestChatBodyTooLarge(t *testing.T) {
	srv := newTestServer(t, Config{Chat: &fakeChat{}, MaxBodyBytes: 16})

	resp := postChat(t, srv, `{"message":"`+strings.Repeat("a", 64)+`"}`, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestChatStreamDeltasThenDone(t *testing.T) {
	fc := &fakeChat{deltas: []string{"He", "llo"}, result: chat.Result{Reply: "Hello", ThreadID: "t-1"}}
	srv := newTestServer(t, Config{Chat: fc})

	resp := postChat(t, srv, `{"message":"hi","provider":"openai"}`, map[string]string{"Accept": "text/event-stream"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := readEvents(t, resp)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %v", events)
	}
	if events[0]["type"] != "delta" || events[0]["content"] != "He" {
		t.Fatalf("unexpected first event %v", events[0])
	}
	if events[1]["type"] != "delta" || events[1]["content"] != "llo" {
		t.Fatalf("unexpected second event %v", events[1])
	}
	if events[2]["type"] != "done" || events[2]["reply"] != "Hello" || events[2]["threadId"] != "t-1" {
		t.Fatalf("unexpected terminal event %v", events[2])
	}
}

func TestChatStreamErrorInBand(t *testing.T) {
	fc := &fakeChat{
		deltas:        []string{"partial"},
		err:           &chat.Error{Status: http.StatusInternalServerError, Message: "quota exceeded"},
		failAfterOpen: true,
	}
	srv := newTestServer(t, Config{Chat: fc})

	resp := postChat(t, srv, `{"message":"hi"}`, map[string]string{"Accept": "text/event-stream"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status must not change after the stream opened, got %d", resp.StatusCode)
	}
	events := readEvents(t, resp)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %v", events)
	}
	if events[1]["type"] != "error" || events[1]["error"] != "quota exceeded" {
		t.Fatalf("unexpected terminal event %v", events[1])
	}
}

func TestChatStreamErrorBeforeOpen(t *testing.T) {
	fc := &fakeChat{err: &chat.Error{Status: http.StatusRequestEntityTooLarge, Message: "Message is too long"}}
	srv := newTestServer(t, Config{Chat: fc})

	resp := postChat(t, srv, `{"message":"hi"}`, map[string]string{"Accept": "text/event-stream"})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error"] != "Message is too long" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestChatUnclassifiedError(t *testing.T) {
	srv := newTestServer(t, Config{Chat: &fakeChat{err: errors.New("boom")}})

	resp := postChat(t, srv, `{"message":"hi"}`, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error"] != "Internal server error" {
		t.Fatalf("unexpected body %v", body)
	}
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestChatRateLimited(t *testing.T) {
	rdb := newRedis(t)
	now := time.Date(2026, 3, 1, 10, 59, 30, 0, time.UTC)
	fc := &fakeChat{result: chat.Result{Reply: "ok", ThreadID: "t"}}
	srv := newTestServer(t, Config{
		Chat:        fc,
		RateLimiter: throttle.NewRateLimiter(rdb, 1),
		Now:         func() time.Time { return now },
	})

	if resp := postChat(t, srv, `{"message":"hi"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", resp.StatusCode)
	}
	resp := postChat(t, srv, `{"message":"hi"}`, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "30" {
		t.Fatalf("expected Retry-After 30, got %q", got)
	}
	if fc.calls != 1 {
		t.Fatalf("expected one chat call, got %d", fc.calls)
	}
}

func TestChatIdempotencyReplay(t *testing.T) {
	rdb := newRedis(t)
	fc := &fakeChat{result: chat.Result{Reply: "ok", ThreadID: "t"}}
	srv := newTestServer(t, Config{
		Chat:        fc,
		Idempotency: throttle.NewIdempotencyGuard(rdb, time.Hour),
	})
	headers := map[string]string{"Idempotency-Key": "abc"}

	if resp := postChat(t, srv, `{"message":"hi"}`, headers); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp := postChat(t, srv, `{"message":"hi"}`, headers); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if fc.calls != 1 {
		t.Fatalf("expected one chat call, got %d", fc.calls)
	}
}

func TestChatIdempotencyReleasedOnRejection(t *testing.T) {
	rdb := newRedis(t)
	fc := &fakeChat{err: &chat.Error{Status: http.StatusBadRequest, Message: "bad"}}
	srv := newTestServer(t, Config{
		Chat:        fc,
		Idempotency: throttle.NewIdempotencyGuard(rdb, time.Hour),
	})
	headers := map[string]string{"Idempotency-Key": "abc"}

	if resp := postChat(t, srv, `{"message":"hi"}`, headers); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	fc.err = nil
	fc.result = chat.Result{Reply: "ok", ThreadID: "t"}
	if resp := postChat(t, srv, `{"message":"hi"}`, headers); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected retry to pass, got %d", resp.StatusCode)
	}
}

func doCredential(t *testing.T, srv *httptest.Server, method, provider, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+"/api/credentials/"+provider, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token(t, "user-1"))
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCredentialEndpoints(t *testing.T) {
	fcred := &fakeCredentials{}
	srv := newTestServer(t, Config{Chat: &fakeChat{}, Credentials: fcred})

	if resp := doCredential(t, srv, http.MethodPut, "gemini", `{"apiKey":"k-1"}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if fcred.puts["user-1:gemini"] != "k-1" {
		t.Fatalf("credential not stored: %v", fcred.puts)
	}
	if resp := doCredential(t, srv, http.MethodPut, "cohere", `{"apiKey":"k-1"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported provider, got %d", resp.StatusCode)
	}
	if resp := doCredential(t, srv, http.MethodPut, "openai", `{"apiKey":"  "}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty key, got %d", resp.StatusCode)
	}
	if resp := doCredential(t, srv, http.MethodDelete, "openai", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	fcred.missing = true
	if resp := doCredential(t, srv, http.MethodDelete, "openai", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

type failingPinger struct{ err error }

func (p failingPinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Config{Chat: &fakeChat{}, Health: failingPinger{}})
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}

	down := newTestServer(t, Config{Chat: &fakeChat{}, Health: failingPinger{err: errors.New("db down")}})
	resp, err = down.Client().Get(down.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
