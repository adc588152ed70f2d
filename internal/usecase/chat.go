package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/notify"
)

const (
	defaultMaxQueryLength = 4000
	defaultHistoryLimit   = 100
	defaultWriteTimeout   = 5 * time.Second
)

type ConversationStore interface {
	FindOrCreateConversation(ctx context.Context, conversationID, titleSeed, ownerID string) (domain.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, sources []domain.Source) (domain.Message, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

type QueryRecorder interface {
	Record(ctx context.Context, query, response string, responseTimeMs int64, userID string) error
}

type AnswerGateway interface {
	Dispatch(ctx context.Context, in domain.GatewayRequest) domain.GatewayResult
}

type Notifier interface {
	Enqueue(ev notify.Event) bool
}

// ChatService orchestrates one query: resolve the conversation, record the
// question, ask the gateway or fall back, then record the answer.
type ChatService struct {
	store        ConversationStore
	queryLog     QueryRecorder
	gateway      AnswerGateway
	notifier     Notifier
	logger       *slog.Logger
	maxQueryLen  int
	writeTimeout time.Duration
	locks        keyedMutex
}

type ServiceOption func(*ChatService)

func WithNotifier(n Notifier) ServiceOption {
	return func(s *ChatService) {
		s.notifier = n
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *ChatService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMaxQueryLength(n int) ServiceOption {
	return func(s *ChatService) {
		if n > 0 {
			s.maxQueryLen = n
		}
	}
}

// WithWriteTimeout bounds each best-effort write made after the gateway call.
func WithWriteTimeout(d time.Duration) ServiceOption {
	return func(s *ChatService) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

type ChatInput struct {
	Query          string
	ConversationID string
	Caller         domain.Identity
}

type ChatOutput struct {
	Message        domain.Message
	ConversationID string
	ResponseTimeMs int64
	Status         domain.GatewayStatus
	Persistence    domain.Persistence
}

type HistoryInput struct {
	ConversationID string
	Caller         domain.Identity
	Limit          int
}

type HistoryOutput struct {
	Conversation domain.Conversation
	Messages     []domain.Message
}

func NewChatService(store ConversationStore, queryLog QueryRecorder, gateway AnswerGateway, opts ...ServiceOption) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if queryLog == nil {
		return nil, errors.New("usecase: query log must not be nil")
	}
	if gateway == nil {
		return nil, errors.New("usecase: answer gateway must not be nil")
	}
	s := &ChatService{
		store:        store,
		queryLog:     queryLog,
		gateway:      gateway,
		logger:       slog.Default(),
		maxQueryLen:  defaultMaxQueryLength,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chat")
	return s, nil
}

// Handle runs one orchestrated call. Only invalid input is reported as an
// error; gateway and persistence failures come back as Status and
// Persistence on a valid output.
func (s *ChatService) Handle(ctx context.Context, in ChatInput) (ChatOutput, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_required", nil)
	}
	if utf8.RuneCountInString(query) > s.maxQueryLen {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if in.Caller.Anonymous() {
		return ChatOutput{}, newError(ErrorInvalidInput, "caller_required", nil)
	}

	start := now()
	persistence := domain.PersistenceOK
	logger := s.logger.With("userId", in.Caller.UserID)

	conv, err := s.store.FindOrCreateConversation(ctx, in.ConversationID, query, in.Caller.UserID)
	if err != nil {
		logger.Warn("conversation store unavailable, continuing without persistence", "err", err)
		persistence = domain.PersistenceDegraded
		conv = ephemeralConversation(query, in.Caller.UserID, start)
	}
	logger = logger.With("conversationId", conv.ID)

	unlock := s.locks.lock(conv.ID)
	defer unlock()

	questionStored := false
	if persistence == domain.PersistenceOK {
		if _, err := s.store.AppendMessage(ctx, conv.ID, domain.RoleUser, query, nil); err != nil {
			logger.Warn("persist user message failed", "err", err)
			persistence = domain.PersistenceDegraded
		} else {
			questionStored = true
		}
	}

	result := s.gateway.Dispatch(ctx, domain.GatewayRequest{
		Query:          query,
		ConversationID: conv.ID,
		UserID:         in.Caller.UserID,
		UserName:       in.Caller.DisplayName,
		Timestamp:      now(),
	})
	status := result.Status
	content := result.Content
	sources := result.Sources
	if !result.Answered() {
		if status == domain.GatewayConnected {
			status = domain.GatewayError
		}
		content = SynthesizeFallback(query, status)
		sources = nil
	}
	responseTimeMs := now().Sub(start).Milliseconds()

	// The caller may have gone away; the answer is still recorded.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	var msg domain.Message
	if questionStored {
		msg, err = s.store.AppendMessage(writeCtx, conv.ID, domain.RoleAssistant, content, sources)
		if err != nil {
			logger.Warn("persist assistant message failed", "err", err)
			persistence = domain.PersistenceDegraded
		}
	}
	if msg.ID == "" {
		msg = ephemeralMessage(conv.ID, content, sources)
	}

	if err := s.queryLog.Record(writeCtx, query, content, responseTimeMs, in.Caller.UserID); err != nil {
		logger.Warn("record query log failed", "err", err)
		persistence = domain.PersistenceDegraded
	}

	s.notify(conv.ID, msg.ID, in.Caller.UserID, status, responseTimeMs)

	logger.Info("chat handled", "status", status, "persistence", persistence, "responseTimeMs", responseTimeMs)
	return ChatOutput{
		Message:        msg,
		ConversationID: conv.ID,
		ResponseTimeMs: responseTimeMs,
		Status:         status,
		Persistence:    persistence,
	}, nil
}

// History returns the caller's conversation and its most recent messages.
func (s *ChatService) History(ctx context.Context, in HistoryInput) (HistoryOutput, error) {
	conversationID := strings.TrimSpace(in.ConversationID)
	if conversationID == "" || domain.IsEphemeralID(conversationID) {
		return HistoryOutput{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	if in.Caller.Anonymous() {
		return HistoryOutput{}, newError(ErrorInvalidInput, "caller_required", nil)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return HistoryOutput{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	if err != nil {
		return HistoryOutput{}, newError(ErrorInternal, "store_read_error", err)
	}
	if conv.OwnerID != in.Caller.UserID {
		return HistoryOutput{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}

	limit := in.Limit
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID, limit)
	if err != nil {
		return HistoryOutput{}, newError(ErrorInternal, "store_read_error", err)
	}
	return HistoryOutput{Conversation: conv, Messages: msgs}, nil
}

func (s *ChatService) notify(conversationID, messageID, userID string, status domain.GatewayStatus, responseTimeMs int64) {
	if s.notifier == nil {
		return
	}
	s.notifier.Enqueue(notify.Event{
		Type:       notify.EventChatCompleted,
		OccurredAt: now(),
		Data: map[string]any{
			"conversationId": conversationID,
			"messageId":      messageID,
			"userId":         userID,
			"status":         string(status),
			"responseTimeMs": responseTimeMs,
		},
	})
}

func ephemeralConversation(query, ownerID string, ts time.Time) domain.Conversation {
	return domain.Conversation{
		ID:        domain.EphemeralIDPrefix + "conv-" + newUUID(),
		Title:     domain.ConversationTitle(query),
		OwnerID:   ownerID,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func ephemeralMessage(conversationID, content string, sources []domain.Source) domain.Message {
	return domain.Message{
		ID:             domain.EphemeralIDPrefix + "msg-" + newUUID(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        content,
		Sources:        sources,
		CreatedAt:      now(),
	}
}

// keyedMutex serializes work per key within this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

var now = func() time.Time {
	return time.Now().UTC()
}

var newUUID = func() string {
	return uuid.NewString()
}
