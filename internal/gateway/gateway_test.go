package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/lumenclass/aigateway/internal/auth"
	"github.com/lumenclass/aigateway/internal/catalog"
	"github.com/lumenclass/aigateway/internal/metrics"
	"github.com/lumenclass/aigateway/internal/provider"
	"github.com/lumenclass/aigateway/internal/queue"
	"github.com/lumenclass/aigateway/internal/quota"
	"github.com/lumenclass/aigateway/internal/tools"
	"github.com/lumenclass/aigateway/internal/usage"
)

// fakeProvider is a configurable provider double that records every request.
type fakeProvider struct {
	mu       sync.Mutex
	name     string
	requests []provider.Request
	respond  func(req provider.Request) (*provider.Response, error)
	streamFn func(req provider.Request) (provider.Stream, error)
	tools    bool
}

func (f *fakeProvider) Name() string        { return f.name }
func (f *fakeProvider) SupportsTools() bool { return f.tools }

func (f *fakeProvider) Complete(_ context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.respond == nil {
		return &provider.Response{Content: "ok", Model: req.Model, InputTokens: 10, OutputTokens: 5}, nil
	}
	return f.respond(req)
}

func (f *fakeProvider) Stream(_ context.Context, req provider.Request) (provider.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.streamFn == nil {
		return nil, fmt.Errorf("streaming not scripted")
	}
	return f.streamFn(req)
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeProvider) lastRequest() provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// sliceStream replays fixed chunks.
type sliceStream struct {
	chunks []provider.Chunk
	pos    int
}

func (s *sliceStream) Next() (provider.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return provider.Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStream) Close() error { return nil }

// memLedger is an in-memory quota ledger.
type memLedger struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemLedger() *memLedger { return &memLedger{counts: map[string]int64{}} }

func (m *memLedger) Used(_ context.Context, callerID, organizationID, category, period string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[callerID+"|"+organizationID+"|"+category+"|"+period], nil
}

func (m *memLedger) Increment(_ context.Context, callerID, organizationID, category, period string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[callerID+"|"+organizationID+"|"+category+"|"+period]++
	return nil
}

// memRecorder captures usage records.
type memRecorder struct {
	mu      sync.Mutex
	records []usage.Record
}

func (m *memRecorder) Record(rec usage.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *memRecorder) all() []usage.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]usage.Record, len(m.records))
	copy(cp, m.records)
	return cp
}

type fakeTenant struct{}

func (fakeTenant) StudentProgress(_ context.Context, _, studentID string) (*tools.StudentProgress, error) {
	return &tools.StudentProgress{StudentID: studentID, Name: "Jamie R.", CompletedAssignments: 3}, nil
}

func (fakeTenant) ClassAttendance(_ context.Context, _, classID, _, _ string) (*tools.AttendanceSummary, error) {
	return &tools.AttendanceSummary{ClassID: classID}, nil
}

type testEnv struct {
	gw        *Gateway
	primary   *fakeProvider
	secondary *fakeProvider
	ledger    *memLedger
	recorder  *memRecorder
	queue     *queue.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		primary:   &fakeProvider{name: "anthropic", tools: true},
		secondary: &fakeProvider{name: "openai", tools: true},
		ledger:    newMemLedger(),
		recorder:  &memRecorder{},
		queue:     queue.New(1, 16),
	}
	t.Cleanup(env.queue.Close)

	env.gw = New(Deps{
		Primary:   env.primary,
		Secondary: env.secondary,
		Queue:     env.queue,
		Quota:     quota.NewChecker(env.ledger),
		Executor:  tools.NewExecutor(fakeTenant{}),
		Usage:     env.recorder,
		Metrics:   metrics.New(),
		MaxTokens: 1024,
	})
	return env
}

func teacherCaller() *auth.Caller {
	return &auth.Caller{
		ID:             "caller-1",
		Name:           "Dana",
		OrganizationID: "org-1",
		Role:           auth.RoleTeacher,
		Tier:           catalog.TierBasic,
	}
}

func (e *testEnv) post(t *testing.T, caller *auth.Caller, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/ai", strings.NewReader(body))
	if caller != nil {
		req = req.WithContext(auth.ContextWithCaller(req.Context(), caller))
	}
	rr := httptest.NewRecorder()
	e.gw.HandleAI(rr, req)
	return rr
}

func decodeSuccess(t *testing.T, rr *httptest.ResponseRecorder) successResponse {
	t.Helper()
	var resp successResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v (%s)", err, rr.Body.String())
	}
	return resp
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error response: %v (%s)", err, rr.Body.String())
	}
	return resp
}

const basicBody = `{"scope":"teacher","service_type":"homework_help","payload":{"prompt":"Explain photosynthesis"}}`

func TestEndToEndSuccess(t *testing.T) {
	env := newTestEnv(t)
	rr := env.post(t, teacherCaller(), basicBody)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeSuccess(t, rr)
	if !resp.Success || resp.Content == "" {
		t.Errorf("response = %+v, want success with non-empty content", resp)
	}
	if resp.Provider != "anthropic" || resp.Fallback {
		t.Errorf("provider = %q fallback = %v", resp.Provider, resp.Fallback)
	}
	if resp.Usage.TokensIn != 10 || resp.Usage.TokensOut != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	recs := env.recorder.all()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	if !recs[0].Success || recs[0].Category != "homework_help" {
		t.Errorf("record = %+v", recs[0])
	}

	// Success consumes quota.
	used, _ := env.ledger.Used(context.Background(), "caller-1", "org-1", "homework_help", quota.Period(time.Now()))
	if used != 1 {
		t.Errorf("quota used = %d, want 1", used)
	}
}

func TestMissingPromptNeverReachesQuota(t *testing.T) {
	env := newTestEnv(t)
	rr := env.post(t, teacherCaller(), `{"scope":"teacher","service_type":"general","payload":{}}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decodeError(t, rr)
	if resp.Error.Code != "invalid_request" {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if env.primary.calls() != 0 {
		t.Error("provider must not be called for invalid requests")
	}
	if len(env.recorder.all()) != 0 {
		t.Error("rejected requests do not produce usage records")
	}
}

func TestInvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	rr := env.post(t, teacherCaller(), `{not json`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error.Code != "invalid_json" {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

func TestUnknownServiceTypeCoerced(t *testing.T) {
	env := newTestEnv(t)
	rr := env.post(t, teacherCaller(),
		`{"scope":"teacher","service_type":"underwater_basket_weaving","payload":{"prompt":"hi"}}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	recs := env.recorder.all()
	if recs[0].Category != "general" {
		t.Errorf("category = %q, want general", recs[0].Category)
	}
}

func TestQuotaExceededNoProviderCall(t *testing.T) {
	env := newTestEnv(t)
	caller := teacherCaller()
	// Exhaust the basic-tier homework_help quota.
	period := quota.Period(time.Now())
	env.ledger.counts["caller-1|org-1|homework_help|"+period] = quota.LimitFor(catalog.TierBasic, "homework_help")

	rr := env.post(t, caller, basicBody)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decodeError(t, rr)
	if resp.Error.Code != "quota_exceeded" {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if resp.Error.QuotaInfo == nil || resp.Error.QuotaInfo.Remaining != 0 {
		t.Errorf("quota_info = %+v", resp.Error.QuotaInfo)
	}
	if env.primary.calls() != 0 || env.secondary.calls() != 0 {
		t.Error("no provider call may happen once quota is exhausted")
	}

	recs := env.recorder.all()
	if len(recs) != 1 || recs[0].Success || recs[0].ErrorCode != "quota_exceeded" {
		t.Errorf("records = %+v, want one quota_exceeded error record", recs)
	}
}

func TestRedactionBeforeProvider(t *testing.T) {
	env := newTestEnv(t)
	body := `{"scope":"teacher","service_type":"general","payload":{"prompt":"Email dana@school.edu about Jamie"}}`
	rr := env.post(t, teacherCaller(), body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	sent := env.primary.lastRequest().Prompt
	if strings.Contains(sent, "dana@school.edu") {
		t.Errorf("provider saw unredacted prompt: %q", sent)
	}
	if !strings.Contains(sent, "[email]") {
		t.Errorf("prompt not masked: %q", sent)
	}
	recs := env.recorder.all()
	if recs[0].RedactionCount != 1 {
		t.Errorf("redaction count = %d, want 1", recs[0].RedactionCount)
	}
}

func TestSystemPromptIsRedacted(t *testing.T) {
	env := newTestEnv(t)
	body := `{"scope":"teacher","service_type":"general","payload":{
		"prompt":"Draft the note",
		"system":"You are assisting dana@school.edu, SSN 123-45-6789"}}`
	rr := env.post(t, teacherCaller(), body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	sent := env.primary.lastRequest().System
	if strings.Contains(sent, "dana@school.edu") || strings.Contains(sent, "123-45-6789") {
		t.Errorf("provider saw unredacted system prompt: %q", sent)
	}
	if !strings.Contains(sent, "[email]") || !strings.Contains(sent, "[ssn]") {
		t.Errorf("system prompt not masked: %q", sent)
	}
	recs := env.recorder.all()
	if recs[0].RedactionCount != 2 {
		t.Errorf("redaction count = %d, want 2", recs[0].RedactionCount)
	}
}

func TestPreviewTrimsToRuneBoundary(t *testing.T) {
	text := strings.Repeat("a", previewLen-1) + "日本語"
	got := preview(text)
	if !utf8.ValidString(got) {
		t.Errorf("preview is not valid UTF-8: %q", got)
	}
	if len(got) > previewLen {
		t.Errorf("preview length = %d, want at most %d", len(got), previewLen)
	}
	if got != text[:previewLen-1] {
		t.Errorf("preview = %q, want cut before the split rune", got)
	}
}

func TestHistoryIsRedactedToo(t *testing.T) {
	env := newTestEnv(t)
	body := `{"scope":"teacher","service_type":"conversation","payload":{
		"prompt":"continue",
		"conversationHistory":[{"role":"user","content":[{"type":"text","text":"my SSN is 123-45-6789"}]}]
	}}`
	rr := env.post(t, teacherCaller(), body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	history := env.primary.lastRequest().History
	if len(history) != 1 {
		t.Fatalf("history length = %d", len(history))
	}
	if text := history[0].Content[0].Text; strings.Contains(text, "123-45-6789") {
		t.Errorf("history block not redacted: %q", text)
	}
}

func TestForcedToolNotCalledIsHardFailure(t *testing.T) {
	env := newTestEnv(t)
	env.primary.respond = func(req provider.Request) (*provider.Response, error) {
		// A provider that ignores the forced tool directive fails the call;
		// the client surfaces tool_not_called instead of prose.
		return nil, provider.NewError("anthropic", 0, provider.CodeToolNotCalled,
			"model did not invoke the required tool")
	}

	caller := teacherCaller()
	caller.Tier = catalog.TierPremium
	body := `{"scope":"teacher","service_type":"lesson_generation",
		"payload":{"prompt":"make a lesson plan"},
		"tool_choice":{"type":"tool","name":"generate_lesson_document"}}`
	rr := env.post(t, caller, body)

	resp := decodeError(t, rr)
	if resp.Error.Code != "tool_not_called" {
		t.Fatalf("code = %q, want tool_not_called (%s)", resp.Error.Code, rr.Body.String())
	}
	// tool_not_called is not fallback eligible.
	if env.secondary.calls() != 0 {
		t.Error("tool_not_called must not trigger provider fallback")
	}
	recs := env.recorder.all()
	if len(recs) != 1 || recs[0].ErrorCode != "tool_not_called" {
		t.Errorf("records = %+v", recs)
	}
}

func TestFallbackOnRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.primary.respond = func(req provider.Request) (*provider.Response, error) {
		return nil, provider.NewError("anthropic", 429, provider.CodeRateLimit, "throttled")
	}
	env.secondary.respond = func(req provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "from fallback", Model: req.Model, InputTokens: 8, OutputTokens: 4}, nil
	}

	rr := env.post(t, teacherCaller(), basicBody)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeSuccess(t, rr)
	if !resp.Fallback || resp.FallbackReason != "rate_limit" {
		t.Errorf("fallback = %v reason = %q", resp.Fallback, resp.FallbackReason)
	}
	if resp.Provider != "openai" {
		t.Errorf("provider = %q", resp.Provider)
	}
	// The fallback provider gets a model from its own family.
	if got := env.secondary.lastRequest().Model; got != catalog.FallbackModel(catalog.TierBasic, false) {
		t.Errorf("fallback model = %q", got)
	}

	recs := env.recorder.all()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want exactly 1", len(recs))
	}
	if !recs[0].Success || !recs[0].Fallback || recs[0].Provider != "openai" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestNoSecondFallbackAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.primary.respond = func(provider.Request) (*provider.Response, error) {
		return nil, provider.NewError("anthropic", 429, provider.CodeRateLimit, "throttled")
	}
	env.secondary.respond = func(provider.Request) (*provider.Response, error) {
		return nil, provider.NewError("openai", 429, provider.CodeRateLimit, "also throttled")
	}

	rr := env.post(t, teacherCaller(), basicBody)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rr.Code)
	}
	if env.primary.calls() != 1 || env.secondary.calls() != 1 {
		t.Errorf("calls = %d/%d, want exactly one attempt each",
			env.primary.calls(), env.secondary.calls())
	}
	recs := env.recorder.all()
	if len(recs) != 1 || recs[0].Success {
		t.Errorf("records = %+v, want one error record", recs)
	}
}

func TestNonEligibleErrorDoesNotFallBack(t *testing.T) {
	env := newTestEnv(t)
	env.primary.respond = func(provider.Request) (*provider.Response, error) {
		return nil, provider.NewError("anthropic", 500, provider.CodeUpstream, "boom")
	}

	rr := env.post(t, teacherCaller(), basicBody)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if env.secondary.calls() != 0 {
		t.Error("upstream 500s are not fallback eligible")
	}
	if resp := decodeError(t, rr); resp.Error.Code != "ai_service_error" {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

func TestTimeoutFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.primary.respond = func(provider.Request) (*provider.Response, error) {
		return nil, provider.NewError("anthropic", 0, provider.CodeTimeout, "deadline exceeded")
	}

	rr := env.post(t, teacherCaller(), basicBody)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeSuccess(t, rr)
	if resp.FallbackReason != "timeout" {
		t.Errorf("fallback reason = %q", resp.FallbackReason)
	}
}

func TestStreamingSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.primary.streamFn = func(provider.Request) (provider.Stream, error) {
		return &sliceStream{chunks: []provider.Chunk{
			{InputTokens: 30},
			{Text: "photo"},
			{Text: "synthesis"},
			{OutputTokens: 12},
		}}, nil
	}

	body := `{"scope":"teacher","service_type":"homework_help","payload":{"prompt":"Explain photosynthesis"},"stream":true}`
	rr := env.post(t, teacherCaller(), body)

	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q: %s", ct, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "event: done") {
		t.Errorf("missing done event: %s", rr.Body.String())
	}

	recs := env.recorder.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if !rec.Success || !rec.Streamed || rec.InputTokens != 30 || rec.OutputTokens != 12 {
		t.Errorf("record = %+v", rec)
	}
	wantCost := catalog.Cost(catalog.Select(catalog.TierBasic, false), 30, 12)
	if rec.Cost != wantCost {
		t.Errorf("cost = %v, want %v", rec.Cost, wantCost)
	}
}

func TestStreamInitFailureReturnsJSONError(t *testing.T) {
	env := newTestEnv(t)
	env.primary.streamFn = func(provider.Request) (provider.Stream, error) {
		return nil, provider.NewError("anthropic", 529, provider.CodeRateLimit, "overloaded")
	}

	body := `{"scope":"teacher","service_type":"general","payload":{"prompt":"hi"},"stream":true}`
	rr := env.post(t, teacherCaller(), body)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if resp := decodeError(t, rr); resp.Error.Code != "rate_limit" {
		t.Errorf("code = %q", resp.Error.Code)
	}
	recs := env.recorder.all()
	if len(recs) != 1 || recs[0].Success {
		t.Errorf("records = %+v", recs)
	}
}

func TestToolRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	call := 0
	env.primary.respond = func(req provider.Request) (*provider.Response, error) {
		call++
		if call == 1 {
			return &provider.Response{
				ToolCalls: []provider.ToolCall{{
					ID: "c1", Name: tools.ToolStudentProgress,
					Input: json.RawMessage(`{"student_id":"stu-1"}`),
				}},
				InputTokens: 50, OutputTokens: 10, Model: req.Model,
			}, nil
		}
		return &provider.Response{Content: "Jamie completed 3 assignments.",
			InputTokens: 80, OutputTokens: 30, Model: req.Model}, nil
	}

	body := `{"scope":"teacher","service_type":"general","payload":{"prompt":"how is Jamie doing?"},"enable_tools":true}`
	rr := env.post(t, teacherCaller(), body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeSuccess(t, rr)
	if resp.Content != "Jamie completed 3 assignments." {
		t.Errorf("content = %q", resp.Content)
	}
	// Token totals span both rounds.
	if resp.Usage.TokensIn != 130 || resp.Usage.TokensOut != 40 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	recs := env.recorder.all()
	if recs[0].ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", recs[0].ToolCalls)
	}
}

func TestForcedToolOutsideRegistryRejected(t *testing.T) {
	env := newTestEnv(t)
	// Parents have no tools at any tier.
	caller := teacherCaller()
	caller.Role = auth.RoleParent

	body := `{"scope":"parent","service_type":"general","payload":{"prompt":"x"},
		"tool_choice":{"type":"tool","name":"lookup_student_progress"}}`
	rr := env.post(t, caller, body)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if env.primary.calls() != 0 {
		t.Error("provider must not be called for an unavailable tool")
	}
}

func TestStreamRequestIgnoresTools(t *testing.T) {
	env := newTestEnv(t)
	env.primary.streamFn = func(req provider.Request) (provider.Stream, error) {
		if len(req.Tools) != 0 {
			t.Errorf("streaming request carried %d tools", len(req.Tools))
		}
		return &sliceStream{chunks: []provider.Chunk{{Text: "hi"}}}, nil
	}

	body := `{"scope":"teacher","service_type":"general","payload":{"prompt":"x"},"stream":true,"enable_tools":true}`
	env.post(t, teacherCaller(), body)
}

func TestPreferSecondaryProvider(t *testing.T) {
	env := newTestEnv(t)
	rr := env.post(t, teacherCaller(),
		`{"scope":"teacher","service_type":"general","payload":{"prompt":"x"},"prefer_secondary_provider":true}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if env.secondary.calls() != 1 || env.primary.calls() != 0 {
		t.Errorf("calls = primary %d secondary %d", env.primary.calls(), env.secondary.calls())
	}
	resp := decodeSuccess(t, rr)
	if resp.Provider != "openai" || resp.Fallback {
		t.Errorf("provider = %q fallback = %v", resp.Provider, resp.Fallback)
	}
}

func TestUnauthenticatedRequest(t *testing.T) {
	env := newTestEnv(t)
	rr := env.post(t, nil, basicBody)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if resp := decodeError(t, rr); resp.Error.Code != "unauthorized" {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()
	env.gw.HandleHealth(rr, httptest.NewRequest("GET", "/api/v1/ai/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var health struct {
		Status string `json:"status"`
		Queue  struct {
			Depth    int `json:"depth"`
			InFlight int `json:"in_flight"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
}

func TestTrialTierSelectsTrialModel(t *testing.T) {
	env := newTestEnv(t)
	caller := teacherCaller()
	caller.Tier = catalog.TierFree
	caller.TrialTier = catalog.TierPremium
	caller.TrialEndsAt = time.Now().Add(24 * time.Hour).Format(time.RFC3339)

	rr := env.post(t, caller, basicBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if got := env.primary.lastRequest().Model; got != catalog.Select(catalog.TierPremium, false) {
		t.Errorf("model = %q, want premium selection", got)
	}
}
