package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"chat-orchestrator/internal/domain"
)

const (
	pkPrefixConv    = "CONV#"
	skPrefixMsg     = "MSG#"
	skMeta          = "META#"
	conversationTTL = 90 * 24 * time.Hour

	// sortableTime keeps a fixed width so sort keys order lexicographically.
	sortableTime = "2006-01-02T15:04:05.000000000Z"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = domain.ErrNotFound

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client is the conversation store backed by a single DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

var (
	now   = func() time.Time { return time.Now().UTC() }
	newID = func() string { return uuid.NewString() }
)

func convPK(conversationID string) string {
	return pkPrefixConv + conversationID
}

// msgSK orders messages by creation time; the id suffix breaks ties.
func msgSK(ts time.Time, messageID string) string {
	return skPrefixMsg + ts.UTC().Format(sortableTime) + "#" + messageID
}

func ttlValue(from time.Time, d time.Duration) int64 {
	return from.Add(d).Unix()
}

// GetConversation loads a conversation header. Missing ones yield ErrNotFound.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, ErrNotFound
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

// FindOrCreateConversation returns the caller's conversation for id, or creates
// a new one titled from titleSeed when id is empty, unknown, or owned by
// someone else. It never reports ErrNotFound.
func (c *Client) FindOrCreateConversation(ctx context.Context, conversationID, titleSeed, ownerID string) (domain.Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Conversation{}, errors.New("repository: FindOrCreateConversation: owner is required")
	}
	if strings.TrimSpace(conversationID) != "" {
		conv, err := c.GetConversation(ctx, conversationID)
		switch {
		case err == nil && conv.OwnerID == ownerID:
			return conv, nil
		case err == nil, errors.Is(err, ErrNotFound):
		default:
			return domain.Conversation{}, fmt.Errorf("repository: FindOrCreateConversation: %w", err)
		}
	}

	ts := now()
	conv := domain.Conversation{
		ID:        newID(),
		Title:     domain.ConversationTitle(titleSeed),
		OwnerID:   ownerID,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv, 0),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindOrCreateConversation put: %w", err)
	}
	return conv, nil
}

// AppendMessage writes a message and bumps the conversation header in one
// transaction. The conversation must already exist.
func (c *Client) AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, sources []domain.Source) (domain.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return domain.Message{}, errors.New("repository: AppendMessage: conversation id is required")
	}
	if role != domain.RoleUser && role != domain.RoleAssistant {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: unknown role %q", role)
	}

	msg := domain.Message{
		ID:             newID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Sources:        sources,
		CreatedAt:      now(),
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression:    aws.String("SET updatedAt = :now ADD messageCount :one"),
					ConditionExpression: aws.String("attribute_exists(PK)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":now": &types.AttributeValueMemberS{Value: msg.CreatedAt.Format(time.RFC3339Nano)},
						":one": &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
		},
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit of the most recent messages in
// chronological order.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent messages.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func conversationItem(conv domain.Conversation, messageCount int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"title":          &types.AttributeValueMemberS{Value: conv.Title},
		"ownerId":        &types.AttributeValueMemberS{Value: conv.OwnerID},
		"createdAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.Format(time.RFC3339Nano)},
		"updatedAt":      &types.AttributeValueMemberS{Value: conv.UpdatedAt.Format(time.RFC3339Nano)},
		"messageCount":   &types.AttributeValueMemberN{Value: strconv.Itoa(messageCount)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(conv.CreatedAt, conversationTTL), 10)},
	}
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, msg.ID)},
		"messageId":      &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(msg.CreatedAt, conversationTTL), 10)},
	}
	if len(msg.Sources) > 0 {
		item["sources"] = sourcesAttr(msg.Sources)
	}
	return item
}

func sourcesAttr(sources []domain.Source) types.AttributeValue {
	list := make([]types.AttributeValue, 0, len(sources))
	for _, s := range sources {
		list = append(list, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"name":      &types.AttributeValueMemberS{Value: s.Name},
			"relevance": &types.AttributeValueMemberN{Value: strconv.FormatFloat(s.Relevance, 'f', -1, 64)},
		}})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	owner, err := strAttr(item, "ownerId")
	if err != nil {
		return domain.Conversation{}, err
	}
	title, _ := strAttr(item, "title") // allow empty
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		updatedAt = createdAt
	}
	return domain.Conversation{
		ID:        id,
		Title:     title,
		OwnerID:   owner,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	sources, err := sourcesFromAttr(item)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           domain.Role(role),
		Content:        content,
		Sources:        sources,
		CreatedAt:      createdAt,
	}, nil
}

func sourcesFromAttr(item map[string]types.AttributeValue) ([]domain.Source, error) {
	v, ok := item["sources"]
	if !ok {
		return nil, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, errors.New("repository: attribute \"sources\" is not a list")
	}
	sources := make([]domain.Source, 0, len(l.Value))
	for i, entry := range l.Value {
		m, ok := entry.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("repository: source %d is not a map", i)
		}
		name, err := strAttr(m.Value, "name")
		if err != nil {
			return nil, err
		}
		relevance, err := floatAttr(m.Value, "relevance")
		if err != nil {
			return nil, err
		}
		sources = append(sources, domain.Source{Name: name, Relevance: relevance})
	}
	return sources, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func floatAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
