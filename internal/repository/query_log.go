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

	"chat-orchestrator/internal/domain"
)

const (
	pkPrefixQueryLog = "QLOG#"
	queryLogTTL      = 365 * 24 * time.Hour
)

type putItemAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// QueryLog appends analytics entries, partitioned by UTC day.
type QueryLog struct {
	api       putItemAPI
	tableName string
}

// NewQueryLog creates a QueryLog writing to tableName.
func NewQueryLog(api putItemAPI, tableName string) (*QueryLog, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &QueryLog{api: api, tableName: tableName}, nil
}

func queryLogPK(ts time.Time) string {
	return pkPrefixQueryLog + ts.UTC().Format(time.DateOnly)
}

// Record writes one entry. Entries are never updated or read back here.
func (q *QueryLog) Record(ctx context.Context, query, response string, responseTimeMs int64, userID string) error {
	entry := domain.QueryLogEntry{
		ID:             newID(),
		Query:          query,
		Response:       response,
		ResponseTimeMs: responseTimeMs,
		UserID:         userID,
		CreatedAt:      now(),
	}
	_, err := q.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(q.tableName),
		Item:                queryLogItem(entry),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: QueryLog.Record: %w", err)
	}
	return nil
}

func queryLogItem(e domain.QueryLogEntry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: queryLogPK(e.CreatedAt)},
		"SK":             &types.AttributeValueMemberS{Value: e.CreatedAt.Format(sortableTime) + "#" + e.ID},
		"entryId":        &types.AttributeValueMemberS{Value: e.ID},
		"query":          &types.AttributeValueMemberS{Value: e.Query},
		"response":       &types.AttributeValueMemberS{Value: e.Response},
		"responseTimeMs": &types.AttributeValueMemberN{Value: strconv.FormatInt(e.ResponseTimeMs, 10)},
		"userId":         &types.AttributeValueMemberS{Value: e.UserID},
		"createdAt":      &types.AttributeValueMemberS{Value: e.CreatedAt.Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(e.CreatedAt, queryLogTTL), 10)},
	}
}
