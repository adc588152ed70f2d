package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/integrations/answergateway"
	"chat-orchestrator/internal/notify"
)

type memStore struct {
	mu       sync.Mutex
	convs    map[string]domain.Conversation
	msgs     map[string][]domain.Message
	seq      int
	findErr  error
	getErr   error
	listErr  error
	failRole domain.Role
	failErr  error
	calls    []string
}

func newMemStore() *memStore {
	return &memStore{
		convs: map[string]domain.Conversation{},
		msgs:  map[string][]domain.Message{},
	}
}

func (m *memStore) FindOrCreateConversation(_ context.Context, conversationID, titleSeed, ownerID string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "find")
	if m.findErr != nil {
		return domain.Conversation{}, m.findErr
	}
	if conv, ok := m.convs[conversationID]; ok && conv.OwnerID == ownerID {
		return conv, nil
	}
	m.seq++
	conv := domain.Conversation{ID: fmt.Sprintf("conv-%d", m.seq), Title: titleSeed, OwnerID: ownerID}
	m.convs[conv.ID] = conv
	return conv, nil
}

func (m *memStore) AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, sources []domain.Source) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "append:"+string(role))
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	if m.failRole == role {
		return domain.Message{}, m.failErr
	}
	if _, ok := m.convs[conversationID]; !ok {
		return domain.Message{}, errors.New("conversation missing")
	}
	m.seq++
	msg := domain.Message{
		ID:             fmt.Sprintf("msg-%d", m.seq),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Sources:        sources,
		CreatedAt:      time.Now(),
	}
	m.msgs[conversationID] = append(m.msgs[conversationID], msg)
	return msg, nil
}

func (m *memStore) GetConversation(_ context.Context, conversationID string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Conversation{}, m.getErr
	}
	conv, ok := m.convs[conversationID]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return conv, nil
}

func (m *memStore) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	msgs := m.msgs[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.Message(nil), msgs...), nil
}

func (m *memStore) messages(conversationID string) []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.msgs[conversationID]...)
}

type logEntry struct {
	query, response string
	responseTimeMs  int64
	userID          string
}

type mockQueryLog struct {
	mu      sync.Mutex
	entries []logEntry
	err     error
}

func (q *mockQueryLog) Record(_ context.Context, query, response string, responseTimeMs int64, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.entries = append(q.entries, logEntry{query: query, response: response, responseTimeMs: responseTimeMs, userID: userID})
	return nil
}

type mockGateway struct {
	mu       sync.Mutex
	result   domain.GatewayResult
	delay    time.Duration
	onCall   func(ctx context.Context, in domain.GatewayRequest)
	requests []domain.GatewayRequest
}

func (g *mockGateway) Dispatch(ctx context.Context, in domain.GatewayRequest) domain.GatewayResult {
	g.mu.Lock()
	g.requests = append(g.requests, in)
	g.mu.Unlock()
	if g.onCall != nil {
		g.onCall(ctx, in)
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	return g.result
}

type mockNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *mockNotifier) Enqueue(ev notify.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return true
}

var caller = domain.Identity{UserID: "user-1", DisplayName: "Dana"}

func offline() *mockGateway {
	return &mockGateway{result: domain.GatewayResult{Status: domain.GatewayNotConfigured}}
}

func connected(content string, sources ...domain.Source) *mockGateway {
	return &mockGateway{result: domain.GatewayResult{Status: domain.GatewayConnected, Content: content, Sources: sources}}
}

func newTestService(t *testing.T, store ConversationStore, ql QueryRecorder, gw AnswerGateway, opts ...ServiceOption) *ChatService {
	t.Helper()
	svc, err := NewChatService(store, ql, gw, opts...)
	require.NoError(t, err)
	return svc
}

func expectChatError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	_, err := NewChatService(nil, &mockQueryLog{}, offline())
	require.Error(t, err)

	_, err = NewChatService(newMemStore(), nil, offline())
	require.Error(t, err)

	_, err = NewChatService(newMemStore(), &mockQueryLog{}, nil)
	require.Error(t, err)
}

func TestHandle_EmptyQuery_NoSideEffects(t *testing.T) {
	for _, q := range []string{"", "   ", "\n\t "} {
		store, ql, gw, n := newMemStore(), &mockQueryLog{}, offline(), &mockNotifier{}
		svc := newTestService(t, store, ql, gw, WithNotifier(n))

		_, err := svc.Handle(context.Background(), ChatInput{Query: q, Caller: caller})
		expectChatError(t, err, ErrorInvalidInput, "message_required")
		require.Empty(t, store.calls)
		require.Empty(t, ql.entries)
		require.Empty(t, gw.requests)
		require.Empty(t, n.events)
	}
}

func TestHandle_InputGuards(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &mockQueryLog{}, offline(), WithMaxQueryLength(10))

	_, err := svc.Handle(context.Background(), ChatInput{Query: strings.Repeat("a", 11), Caller: caller})
	expectChatError(t, err, ErrorInvalidInput, "message_too_long")

	_, err = svc.Handle(context.Background(), ChatInput{Query: "hello"})
	expectChatError(t, err, ErrorInvalidInput, "caller_required")
	require.Empty(t, store.calls)
}

func TestHandle_NotConfigured_EchoesQuery(t *testing.T) {
	store, ql := newMemStore(), &mockQueryLog{}
	svc := newTestService(t, store, ql, offline())

	out, err := svc.Handle(context.Background(), ChatInput{Query: "What is our Q4 margin?", Caller: caller})
	require.NoError(t, err)
	require.Equal(t, domain.GatewayNotConfigured, out.Status)
	require.Equal(t, domain.PersistenceOK, out.Persistence)
	require.Contains(t, out.Message.Content, "What is our Q4 margin?")
	require.Contains(t, out.Message.Content, "ANSWER_GATEWAY_URL")
	require.False(t, domain.IsEphemeralID(out.Message.ID))

	msgs := store.messages(out.ConversationID)
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.Equal(t, "What is our Q4 margin?", msgs[0].Content)
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)
	require.Equal(t, out.Message.ID, msgs[1].ID)

	require.Len(t, ql.entries, 1)
	require.Equal(t, "What is our Q4 margin?", ql.entries[0].query)
	require.Equal(t, out.Message.Content, ql.entries[0].response)
	require.Equal(t, "user-1", ql.entries[0].userID)
}

func TestHandle_UnknownConversationCreatesNew(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &mockQueryLog{}, offline())

	first, err := svc.Handle(context.Background(), ChatInput{Query: "List top suppliers", ConversationID: "abc", Caller: caller})
	require.NoError(t, err)
	require.NotEqual(t, "abc", first.ConversationID)

	second, err := svc.Handle(context.Background(), ChatInput{Query: "List top suppliers", ConversationID: "abc", Caller: caller})
	require.NoError(t, err)
	require.NotEqual(t, "abc", second.ConversationID)
	require.NotEqual(t, first.ConversationID, second.ConversationID)
}

func TestHandle_RoundTripAppendsToSameConversation(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &mockQueryLog{}, connected("ok"))

	first, err := svc.Handle(context.Background(), ChatInput{Query: "first", Caller: caller})
	require.NoError(t, err)

	second, err := svc.Handle(context.Background(), ChatInput{Query: "second", ConversationID: first.ConversationID, Caller: caller})
	require.NoError(t, err)
	require.Equal(t, first.ConversationID, second.ConversationID)

	msgs := store.messages(first.ConversationID)
	require.Len(t, msgs, 4)
	require.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleUser, domain.RoleAssistant},
		[]domain.Role{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role})
	require.Equal(t, "second", msgs[2].Content)
}

func TestHandle_ForeignConversationIsNotReused(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &mockQueryLog{}, offline())

	mine, err := svc.Handle(context.Background(), ChatInput{Query: "mine", Caller: caller})
	require.NoError(t, err)

	other := domain.Identity{UserID: "user-2", DisplayName: "Lee"}
	theirs, err := svc.Handle(context.Background(), ChatInput{Query: "theirs", ConversationID: mine.ConversationID, Caller: other})
	require.NoError(t, err)
	require.NotEqual(t, mine.ConversationID, theirs.ConversationID)
	require.Len(t, store.messages(mine.ConversationID), 2)
}

func TestHandle_Connected_PassesThroughContent(t *testing.T) {
	store, ql := newMemStore(), &mockQueryLog{}
	gw := connected("Margin is 34%", domain.Source{Name: "Q4.csv", Relevance: 0.9})
	svc := newTestService(t, store, ql, gw)

	out, err := svc.Handle(context.Background(), ChatInput{Query: "What is our Q4 margin?", Caller: caller})
	require.NoError(t, err)
	require.Equal(t, domain.GatewayConnected, out.Status)
	require.Equal(t, "Margin is 34%", out.Message.Content)
	require.Equal(t, []domain.Source{{Name: "Q4.csv", Relevance: 0.9}}, out.Message.Sources)

	msgs := store.messages(out.ConversationID)
	require.Equal(t, []domain.Source{{Name: "Q4.csv", Relevance: 0.9}}, msgs[1].Sources)
	require.Equal(t, "Margin is 34%", ql.entries[0].response)

	require.Len(t, gw.requests, 1)
	req := gw.requests[0]
	require.Equal(t, "What is our Q4 margin?", req.Query)
	require.Equal(t, out.ConversationID, req.ConversationID)
	require.Equal(t, "user-1", req.UserID)
	require.Equal(t, "Dana", req.UserName)
	require.False(t, req.Timestamp.IsZero())
}

func TestHandle_GatewayUnreachable_FallsBackWithError(t *testing.T) {
	client, err := answergateway.NewClient("http://127.0.0.1:1/webhook")
	require.NoError(t, err)
	store := newMemStore()
	svc := newTestService(t, store, &mockQueryLog{}, client)

	out, err := svc.Handle(context.Background(), ChatInput{Query: "List top suppliers", Caller: caller})
	require.NoError(t, err)
	require.Equal(t, domain.GatewayError, out.Status)
	require.Contains(t, out.Message.Content, "error reaching the answer engine")
	require.Contains(t, out.Message.Content, "To connect the answer engine")
	require.Empty(t, out.Message.Sources)
}

func TestHandle_FallbackForEveryFailureStatus(t *testing.T) {
	for _, status := range []domain.GatewayStatus{domain.GatewayNotConfigured, domain.GatewayTimeout, domain.GatewayError} {
		gw := &mockGateway{result: domain.GatewayResult{Status: status, Sources: []domain.Source{{Name: "stale"}}}}
		svc := newTestService(t, newMemStore(), &mockQueryLog{}, gw)

		out, err := svc.Handle(context.Background(), ChatInput{Query: "status check", Caller: caller})
		require.NoError(t, err)
		require.Equal(t, status, out.Status)
		require.NotEmpty(t, out.Message.Content)
		require.Equal(t, SynthesizeFallback("status check", status), out.Message.Content)
		require.Empty(t, out.Message.Sources)
	}
}

func TestHandle_ConnectedWithoutContentIsError(t *testing.T) {
	svc := newTestService(t, newMemStore(), &mockQueryLog{}, connected(""))

	out, err := svc.Handle(context.Background(), ChatInput{Query: "anything", Caller: caller})
	require.NoError(t, err)
	require.Equal(t, domain.GatewayError, out.Status)
	require.Contains(t, out.Message.Content, "anything")
}

func TestHandle_UserMessagePersistedBeforeDispatch(t *testing.T) {
	store := newMemStore()
	gw := offline()
	gw.onCall = func(_ context.Context, in domain.GatewayRequest) {
		msgs := store.messages(in.ConversationID)
		require.Len(t, msgs, 1)
		require.Equal(t, domain.RoleUser, msgs[0].Role)
	}
	svc := newTestService(t, store, &mockQueryLog{}, gw)

	_, err := svc.Handle(context.Background(), ChatInput{Query: "record me first", Caller: caller})
	require.NoError(t, err)
	require.Len(t, gw.requests, 1)
}

func TestHandle_DegradedWhenStoreUnreachable(t *testing.T) {
	store := newMemStore()
	store.findErr = errors.New("dynamodb unreachable")
	ql := &mockQueryLog{err: errors.New("dynamodb unreachable")}
	gw := connected("still answered")
	svc := newTestService(t, store, ql, gw)

	out, err := svc.Handle(context.Background(), ChatInput{Query: "hello", ConversationID: "conv-9", Caller: caller})
	require.NoError(t, err)
	require.Equal(t, domain.PersistenceDegraded, out.Persistence)
	require.True(t, domain.IsEphemeralID(out.ConversationID))
	require.True(t, domain.IsEphemeralID(out.Message.ID))
	require.Equal(t, "still answered", out.Message.Content)
	require.Equal(t, domain.GatewayConnected, out.Status)
	require.Equal(t, out.ConversationID, gw.requests[0].ConversationID)
	require.Equal(t, []string{"find"}, store.calls)
}

func TestHandle_DegradedWhenUserMessageFails(t *testing.T) {
	store := newMemStore()
	store.failRole = domain.RoleUser
	store.failErr = errors.New("throttled")
	svc := newTestService(t, store, &mockQueryLog{}, offline())

	out, err := svc.Handle(context.Background(), ChatInput{Query: "hello", Caller: caller})
	require.NoError(t, err)
	require.Equal(t, domain.PersistenceDegraded, out.Persistence)
	require.False(t, domain.IsEphemeralID(out.ConversationID))
	require.True(t, domain.IsEphemeralID(out.Message.ID))
	// No orphan assistant message without its question.
	require.Equal(t, []string{"find", "append:USER"}, store.calls)
}

func TestHandle_DegradedWhenAssistantMessageFails(t *testing.T) {
	store := newMemStore()
	store.failRole = domain.RoleAssistant
	store.failErr = errors.New("throttled")
	ql := &mockQueryLog{}
	svc := newTestService(t, store, ql, connected("answer"))

	out, err := svc.Handle(context.Background(), ChatInput{Query: "hello", Caller: caller})
	require.NoError(t, err)
	require.Equal(t, domain.PersistenceDegraded, out.Persistence)
	require.True(t, domain.IsEphemeralID(out.Message.ID))
	require.Equal(t, "answer", out.Message.Content)
	require.Len(t, ql.entries, 1)
}

func TestHandle_QueryLogFailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &mockQueryLog{err: errors.New("log table missing")}, connected("answer"))

	out, err := svc.Handle(context.Background(), ChatInput{Query: "hello", Caller: caller})
	require.NoError(t, err)
	require.Equal(t, domain.PersistenceDegraded, out.Persistence)
	require.False(t, domain.IsEphemeralID(out.Message.ID))
	require.Len(t, store.messages(out.ConversationID), 2)
}

func TestHandle_CallerCancellationStillRecordsAnswer(t *testing.T) {
	store, ql := newMemStore(), &mockQueryLog{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := &mockGateway{result: domain.GatewayResult{Status: domain.GatewayError}}
	gw.onCall = func(context.Context, domain.GatewayRequest) { cancel() }
	svc := newTestService(t, store, ql, gw)

	out, err := svc.Handle(ctx, ChatInput{Query: "hello", Caller: caller})
	require.NoError(t, err)
	require.Equal(t, domain.PersistenceOK, out.Persistence)
	require.Len(t, store.messages(out.ConversationID), 2)
	require.Len(t, ql.entries, 1)
}

func TestHandle_ReportsLatency(t *testing.T) {
	ql := &mockQueryLog{}
	gw := connected("slow answer")
	gw.delay = 25 * time.Millisecond
	svc := newTestService(t, newMemStore(), ql, gw)

	out, err := svc.Handle(context.Background(), ChatInput{Query: "hello", Caller: caller})
	require.NoError(t, err)
	require.GreaterOrEqual(t, out.ResponseTimeMs, int64(25))
	require.Equal(t, out.ResponseTimeMs, ql.entries[0].responseTimeMs)
}

func TestHandle_NotifiesCompletion(t *testing.T) {
	n := &mockNotifier{}
	svc := newTestService(t, newMemStore(), &mockQueryLog{}, offline(), WithNotifier(n))

	out, err := svc.Handle(context.Background(), ChatInput{Query: "hello", Caller: caller})
	require.NoError(t, err)
	require.Len(t, n.events, 1)
	ev := n.events[0]
	require.Equal(t, notify.EventChatCompleted, ev.Type)
	require.Equal(t, out.ConversationID, ev.Data["conversationId"])
	require.Equal(t, out.Message.ID, ev.Data["messageId"])
	require.Equal(t, "NOT_CONFIGURED", ev.Data["status"])
}

func TestHandle_SerializesCallsOnSameConversation(t *testing.T) {
	store := newMemStore()
	gw := connected("ok")
	gw.delay = 5 * time.Millisecond
	svc := newTestService(t, store, &mockQueryLog{}, gw)

	first, err := svc.Handle(context.Background(), ChatInput{Query: "seed", Caller: caller})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Handle(context.Background(), ChatInput{Query: fmt.Sprintf("q%d", i), ConversationID: first.ConversationID, Caller: caller})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs := store.messages(first.ConversationID)
	require.Len(t, msgs, 18)
	for i := 0; i < len(msgs); i += 2 {
		require.Equal(t, domain.RoleUser, msgs[i].Role)
		require.Equal(t, domain.RoleAssistant, msgs[i+1].Role)
	}
	require.Empty(t, svc.locks.locks)
}

func TestHistory(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &mockQueryLog{}, connected("ok"))

	out, err := svc.Handle(context.Background(), ChatInput{Query: "hello", Caller: caller})
	require.NoError(t, err)

	hist, err := svc.History(context.Background(), HistoryInput{ConversationID: out.ConversationID, Caller: caller})
	require.NoError(t, err)
	require.Equal(t, out.ConversationID, hist.Conversation.ID)
	require.Len(t, hist.Messages, 2)

	_, err = svc.History(context.Background(), HistoryInput{ConversationID: out.ConversationID, Caller: domain.Identity{UserID: "user-2"}})
	expectChatError(t, err, ErrorNotFound, "conversation_not_found")

	_, err = svc.History(context.Background(), HistoryInput{ConversationID: "missing", Caller: caller})
	expectChatError(t, err, ErrorNotFound, "conversation_not_found")

	_, err = svc.History(context.Background(), HistoryInput{ConversationID: "temp-conv-1", Caller: caller})
	expectChatError(t, err, ErrorNotFound, "conversation_not_found")

	store.listErr = errors.New("query failed")
	_, err = svc.History(context.Background(), HistoryInput{ConversationID: out.ConversationID, Caller: caller})
	expectChatError(t, err, ErrorInternal, "store_read_error")

	store.getErr = errors.New("get failed")
	_, err = svc.History(context.Background(), HistoryInput{ConversationID: out.ConversationID, Caller: caller})
	expectChatError(t, err, ErrorInternal, "store_read_error")
}

func TestEphemeralConversation_UsesTitleRule(t *testing.T) {
	long := strings.Repeat("q", 80)
	conv := ephemeralConversation(long, "user-1", time.Now())

	require.True(t, domain.IsEphemeralID(conv.ID))
	require.Equal(t, strings.Repeat("q", 60)+"...", conv.Title)
	require.Equal(t, "user-1", conv.OwnerID)
}
