package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/identity"
	"chat-orchestrator/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

var errCallerRequired = &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "caller_required"}

type ChatUseCase interface {
	Handle(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	History(ctx context.Context, in usecase.HistoryInput) (usecase.HistoryOutput, error)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, req events.APIGatewayProxyRequest) (domain.Identity, error)
}

type Handler struct {
	chat          ChatUseCase
	identity      IdentityResolver
	exposeDetails bool
	logger        *slog.Logger
}

type Option func(*Handler)

// WithErrorDetails includes the underlying error text in 500 responses.
// Enabled outside production only.
func WithErrorDetails(enabled bool) Option {
	return func(h *Handler) {
		h.exposeDetails = enabled
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(chat ChatUseCase, resolver IdentityResolver, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if resolver == nil {
		return nil, errors.New("handler: identity resolver must not be nil")
	}
	h := &Handler{chat: chat, identity: resolver, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

type messageView struct {
	ID        string          `json:"id"`
	Role      domain.Role     `json:"role"`
	Content   string          `json:"content"`
	Sources   []domain.Source `json:"sources,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

type chatResponse struct {
	Message        messageView `json:"message"`
	ConversationID string      `json:"conversationId"`
	ResponseTimeMs int64       `json:"responseTimeMs"`
	Status         string      `json:"status"`
	Persisted      bool        `json:"persisted"`
}

type historyResponse struct {
	ConversationID string        `json:"conversationId"`
	Title          string        `json:"title"`
	Messages       []messageView `json:"messages"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Handle routes an API Gateway proxy event. Every outcome, including
// failures, is returned as a response; the error return is always nil.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := strings.TrimSpace(identity.Header(req.Headers, correlationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlationId", correlationID)

	var resp events.APIGatewayProxyResponse
	path := strings.TrimSuffix(req.Path, "/")
	switch {
	case path == "/chat":
		if req.HTTPMethod != http.MethodPost {
			resp = jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
			break
		}
		resp = h.handleChat(ctx, logger, req)
	case isMessagesPath(path):
		if req.HTTPMethod != http.MethodGet {
			resp = jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
			break
		}
		resp = h.handleHistory(ctx, logger, req, conversationIDFromPath(req, path))
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{Error: "Not found"})
	}

	resp.Headers[correlationHeader] = correlationID
	logger.Info("request handled", "method", req.HTTPMethod, "path", req.Path, "statusCode", resp.StatusCode)
	return resp, nil
}

func (h *Handler) handleChat(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	caller, err := h.identity.Resolve(ctx, req)
	if err != nil {
		logger.Info("unauthenticated chat request", "err", err)
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	}

	body, err := requestBody(req)
	if err != nil {
		return h.errorResponse(logger, fmt.Errorf("decode request body: %w", err), "Failed to process message")
	}
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return h.errorResponse(logger, fmt.Errorf("decode request body: %w", err), "Failed to process message")
	}

	out, err := h.chat.Handle(ctx, usecase.ChatInput{
		Query:          in.Message,
		ConversationID: strings.TrimSpace(in.ConversationID),
		Caller:         caller,
	})
	if err != nil {
		return h.errorResponse(logger, err, "Failed to process message")
	}

	return jsonResponse(http.StatusOK, chatResponse{
		Message:        toMessageView(out.Message),
		ConversationID: out.ConversationID,
		ResponseTimeMs: out.ResponseTimeMs,
		Status:         statusLabel(out.Status),
		Persisted:      out.Persistence == domain.PersistenceOK,
	})
}

func (h *Handler) handleHistory(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest, conversationID string) events.APIGatewayProxyResponse {
	caller, err := h.identity.Resolve(ctx, req)
	if err != nil {
		logger.Info("unauthenticated history request", "err", err)
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	}

	limit, _ := strconv.Atoi(req.QueryStringParameters["limit"])
	out, err := h.chat.History(ctx, usecase.HistoryInput{ConversationID: conversationID, Caller: caller, Limit: limit})
	if err != nil {
		return h.errorResponse(logger, err, "Failed to load messages")
	}

	msgs := make([]messageView, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, toMessageView(m))
	}
	return jsonResponse(http.StatusOK, historyResponse{
		ConversationID: out.Conversation.ID,
		Title:          out.Conversation.Title,
		Messages:       msgs,
	})
}

// errorResponse maps err to a status. Anything that is not a known usecase
// failure, including an undecodable payload, is a 500.
func (h *Handler) errorResponse(logger *slog.Logger, err error, internalMessage string) events.APIGatewayProxyResponse {
	if errors.Is(err, errCallerRequired) {
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	}
	switch usecase.CodeOf(err) {
	case usecase.ErrorInvalidInput:
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: invalidInputMessage(usecase.ReasonOf(err))})
	case usecase.ErrorNotFound:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: "Conversation not found"})
	}

	logger.Error("request failed", "err", err)
	resp := errorResponse{Error: internalMessage}
	if h.exposeDetails {
		resp.Details = err.Error()
	}
	return jsonResponse(http.StatusInternalServerError, resp)
}

func invalidInputMessage(reason string) string {
	switch reason {
	case "message_required":
		return "Message required"
	case "message_too_long":
		return "Message too long"
	default:
		return "Invalid request"
	}
}

// statusLabel maps gateway statuses to the strings clients display.
func statusLabel(s domain.GatewayStatus) string {
	switch s {
	case domain.GatewayConnected:
		return "connected"
	case domain.GatewayTimeout:
		return "timeout"
	case domain.GatewayError:
		return "error"
	default:
		return "offline"
	}
}

func toMessageView(m domain.Message) messageView {
	return messageView{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		Sources:   m.Sources,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

func isMessagesPath(path string) bool {
	rest, ok := strings.CutPrefix(path, "/conversations/")
	if !ok {
		return false
	}
	id, ok := strings.CutSuffix(rest, "/messages")
	return ok && id != "" && !strings.Contains(id, "/")
}

func conversationIDFromPath(req events.APIGatewayProxyRequest, path string) string {
	if id := req.PathParameters["id"]; id != "" {
		return id
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, "/conversations/"), "/messages")
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"Failed to encode response"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
