package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/solvia-ai/relay/internal/auth"
	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/internal/config"
	"github.com/solvia-ai/relay/internal/flows"
	"github.com/solvia-ai/relay/internal/orchestrator"
	"github.com/solvia-ai/relay/internal/queue"
	"github.com/solvia-ai/relay/internal/store"
	"github.com/solvia-ai/relay/pkg/models"
)

var errTest = errors.New("induced failure")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func boolPtr(b bool) *bool { return &b }

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	mu sync.Mutex

	configs      []*models.ChannelConfig
	convs        map[string]*models.Conversation
	convByKey    map[string]*models.Conversation
	convList     []*models.Conversation
	messages     map[string][]*models.Message
	byOriginalID map[string]*models.Message
	flows        map[string]*models.Flow
	channelBinds map[string][]models.FlowChannelBinding
	flowBinds    map[string][]models.FlowChannelBinding

	pingErr   error
	listErr   error
	insertErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		convs:        map[string]*models.Conversation{},
		convByKey:    map[string]*models.Conversation{},
		messages:     map[string][]*models.Message{},
		byOriginalID: map[string]*models.Message{},
		flows:        map[string]*models.Flow{},
		channelBinds: map[string][]models.FlowChannelBinding{},
		flowBinds:    map[string][]models.FlowChannelBinding{},
	}
}

func convKey(ct models.ChannelType, user, flowID string) string {
	return string(ct) + "|" + user + "|" + flowID
}

func (f *fakeRepo) addConversation(c *models.Conversation) *models.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addConversationLocked(c)
}

func (f *fakeRepo) addConversationLocked(c *models.Conversation) *models.Conversation {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.ConversationActive
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastActivity.IsZero() {
		c.LastActivity = now
	}
	f.convs[c.ID] = c
	f.convByKey[convKey(c.ChannelType, c.ChannelUserID, c.FlowID)] = c
	f.convList = append(f.convList, c)
	return c
}

func (f *fakeRepo) addMessage(m *models.Message) *models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
	if m.OriginalMessageID != "" && m.Role == models.RoleUser {
		f.byOriginalID[m.OriginalMessageID] = m
	}
	return m
}

func (f *fakeRepo) conversationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convs)
}

func (f *fakeRepo) GetChannelConfig(ctx context.Context, id string) (*models.ChannelConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cfg := range f.configs {
		if cfg.ID == id {
			return cfg, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepo) ListActiveChannelConfigs(ctx context.Context, ct models.ChannelType) ([]*models.ChannelConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.ChannelConfig
	for _, cfg := range f.configs {
		if cfg.ChannelType == ct && cfg.Active {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeRepo) FindLatestConversation(ctx context.Context, ct models.ChannelType, user string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.convList) - 1; i >= 0; i-- {
		c := f.convList[i]
		if c.ChannelType == ct && c.ChannelUserID == user {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepo) GetOrCreateConversation(ctx context.Context, ct models.ChannelType, user, flowID string) (*models.Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convByKey[convKey(ct, user, flowID)]; ok {
		return c, false, nil
	}
	c := f.addConversationLocked(&models.Conversation{
		ChannelType:   ct,
		ChannelUserID: user,
		FlowID:        flowID,
	})
	return c, true, nil
}

func (f *fakeRepo) UpdateConversationMetadata(ctx context.Context, id string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Metadata = metadata
	return nil
}

func (f *fakeRepo) PinConversationFlow(ctx context.Context, id, flowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.FlowID = flowID
	return nil
}

func (f *fakeRepo) TouchConversation(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastActivity = at
	return nil
}

func (f *fakeRepo) FindUserMessageByOriginalID(ctx context.Context, originalID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byOriginalID[originalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeRepo) CountMessages(ctx context.Context, conversationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[conversationID]), nil
}

func (f *fakeRepo) InsertMessage(ctx context.Context, msg *models.Message) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.addMessage(msg)
	return nil
}

func (f *fakeRepo) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.flows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return fl, nil
}

func (f *fakeRepo) ListBindingsForChannel(ctx context.Context, channelConfigID string) ([]models.FlowChannelBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channelBinds[channelConfigID], nil
}

func (f *fakeRepo) ListFlowChannelBindings(ctx context.Context, flowID string) ([]models.FlowChannelBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flowBinds[flowID], nil
}

func (f *fakeRepo) Ping(ctx context.Context) error { return f.pingErr }

// fakeResolver returns a canned route and records what it saw.
type fakeResolver struct {
	mu    sync.Mutex
	route *flows.Route
	err   error
	convs []*models.Conversation
}

func (f *fakeResolver) Resolve(ctx context.Context, msg *models.NormalizedMessage, conv *models.Conversation) (*flows.Route, error) {
	f.mu.Lock()
	f.convs = append(f.convs, conv)
	f.mu.Unlock()
	return f.route, f.err
}

func (f *fakeResolver) lastConv() *models.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.convs) == 0 {
		return nil
	}
	return f.convs[len(f.convs)-1]
}

type processCall struct {
	msg   *models.NormalizedMessage
	route *flows.Route
	conv  *models.Conversation
}

// fakeProcessor stands in for the orchestrator. When started/release
// are set, ProcessMessage signals started and then blocks until release
// closes, so tests can observe the ack-before-process split.
type fakeProcessor struct {
	mu      sync.Mutex
	calls   []processCall
	result  *orchestrator.ProcessingResult
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeProcessor) ProcessMessage(ctx context.Context, msg *models.NormalizedMessage, route *flows.Route, conv *models.Conversation) (*orchestrator.ProcessingResult, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	f.calls = append(f.calls, processCall{msg: msg, route: route, conv: conv})
	f.mu.Unlock()

	result := f.result
	if result == nil {
		result = &orchestrator.ProcessingResult{
			Reply:          "sure, done",
			ConversationID: conv.ID,
			MessageID:      uuid.NewString(),
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			Usage:          models.TokenUsage{Input: 10, Output: 5, Total: 15},
			ProcessingTime: 10 * time.Millisecond,
		}
	}
	return result, f.err
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProcessor) lastCall() processCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return processCall{}
	}
	return f.calls[len(f.calls)-1]
}

type capturedJob struct {
	queue string
	name  string
	send  SendJob
	opts  queue.JobOptions
}

// fakeOutbound captures enqueued jobs.
type fakeOutbound struct {
	mu   sync.Mutex
	jobs []capturedJob
	err  error
}

func (f *fakeOutbound) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.JobOptions) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	send, ok := payload.(*SendJob)
	if !ok {
		send = &SendJob{}
	}
	f.jobs = append(f.jobs, capturedJob{queue: queueName, name: jobName, send: *send, opts: opts})
	return &queue.Job{ID: uuid.NewString(), Queue: queueName, Name: jobName}, nil
}

func (f *fakeOutbound) Ping(ctx context.Context) error { return nil }

func (f *fakeOutbound) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeOutbound) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeOutbound) lastJob() capturedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return capturedJob{}
	}
	return f.jobs[len(f.jobs)-1]
}

// fakeSessions records invalidations.
type fakeSessions struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeSessions) Invalidate(ctx context.Context, channel models.ChannelType, userID, conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, string(channel)+"|"+userID+"|"+conversationID)
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

type sentMessage struct {
	userID   string
	text     string
	override *models.ChannelConfig
}

// stubAdapter is a canned channel adapter.
type stubAdapter struct {
	channel models.ChannelType

	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
	msg     *models.NormalizedMessage
	hwErr   error
}

func (a *stubAdapter) Type() models.ChannelType { return a.channel }

func (a *stubAdapter) Initialize(ctx context.Context, cfg *models.ChannelConfig) error { return nil }

func (a *stubAdapter) SendMessage(ctx context.Context, userID, text string, override *models.ChannelConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, sentMessage{userID: userID, text: text, override: override})
	return nil
}

func (a *stubAdapter) HandleWebhook(payload []byte) (*models.NormalizedMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hwErr != nil {
		return nil, a.hwErr
	}
	if a.msg == nil {
		return nil, nil
	}
	m := *a.msg
	return &m, nil
}

func (a *stubAdapter) setMsgID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msg.OriginalMessageID = id
}

func (a *stubAdapter) IsHealthy(ctx context.Context) bool { return true }

func (a *stubAdapter) Shutdown(ctx context.Context) error { return nil }

func (a *stubAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *stubAdapter) lastSent() sentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return sentMessage{}
	}
	return a.sent[len(a.sent)-1]
}

// testEnv assembles a gateway over fakes. Mutate the fields, then call
// start.
type testEnv struct {
	t        *testing.T
	cfg      *config.Config
	repo     *fakeRepo
	resolver *fakeResolver
	proc     *fakeProcessor
	outbound *fakeOutbound
	sessions *fakeSessions
	registry *channels.Registry
	authsvc  *auth.Service

	server *Server
	ts     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.TokenExpiry = 24 * time.Hour
	cfg.Auth.APIKeys = []string{"integration-key"}
	cfg.Channels.WhatsApp.VerifyToken = "verify-secret"
	cfg.Queue.Attempts = 3
	cfg.Queue.InitialBackoff = 2 * time.Second

	return &testEnv{
		t:        t,
		cfg:      cfg,
		repo:     newFakeRepo(),
		resolver: &fakeResolver{},
		proc:     &fakeProcessor{},
		outbound: &fakeOutbound{},
		sessions: &fakeSessions{},
		registry: channels.NewRegistry(),
	}
}

func (env *testEnv) start() *testEnv {
	env.t.Helper()
	env.authsvc = auth.NewService(env.cfg.Auth.JWTSecret, env.cfg.Auth.TokenExpiry, env.cfg.Auth.APIKeys)

	srv, err := New(Options{
		Config:       env.cfg,
		Store:        env.repo,
		Router:       env.resolver,
		Orchestrator: env.proc,
		Queue:        env.outbound,
		Registry:     env.registry,
		Auth:         env.authsvc,
		Sessions:     env.sessions,
		Logger:       testLogger(),
	})
	if err != nil {
		env.t.Fatalf("New: %v", err)
	}
	env.server = srv
	env.ts = httptest.NewServer(srv.Handler())
	env.t.Cleanup(func() {
		env.ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return env
}

func (env *testEnv) get(path string) *http.Response {
	env.t.Helper()
	resp, err := env.ts.Client().Get(env.ts.URL + path)
	if err != nil {
		env.t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (env *testEnv) postRaw(path, contentType string, body []byte) *http.Response {
	env.t.Helper()
	resp, err := env.ts.Client().Post(env.ts.URL+path, contentType, bytes.NewReader(body))
	if err != nil {
		env.t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (env *testEnv) postJSON(path string, body any, headers map[string]string) *http.Response {
	env.t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		env.t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		env.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		env.t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}
