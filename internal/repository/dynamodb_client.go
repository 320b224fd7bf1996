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

	"whatsapp-agent/internal/domain"
	"whatsapp-agent/internal/retry"
)

const (
	skPrefixMsg        = "MSG#"
	ttlDuration        = 30 * 24 * time.Hour // 30-day TTL
	defaultCallTimeout = 15 * time.Second
	conditionNewItem   = "attribute_not_exists(PK) AND attribute_not_exists(SK)"

	// skTimeLayout is fixed width so sort keys order lexically by time.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client wraps a DynamoDB table holding per-user conversation history.
type Client struct {
	api         dynamodbAPI
	tableName   string
	callTimeout time.Duration
	now         func() time.Time
}

type Option func(*Client)

// WithCallTimeout bounds every DynamoDB call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithClock overrides the clock used for TTL computation.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{
		api:         api,
		tableName:   tableName,
		callTimeout: defaultCallTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// userPK returns the DynamoDB partition key for a user.
func userPK(userID string) string {
	return "USER#" + userID
}

// msgSK returns the sort key for a turn. The sender suffix keeps a user turn
// and a reply stored in the same instant apart; the event id keeps two
// messages sent within the same provider second apart.
func msgSK(t domain.ConversationTurn) string {
	sk := skPrefixMsg + t.Timestamp.UTC().Format(skTimeLayout) + "#" + string(t.Speaker)
	if t.EventID != "" {
		sk += "#" + t.EventID
	}
	return sk
}

// GetHistory returns up to limit of the most recent turns for userID in
// ascending timestamp order.
func (c *Client) GetHistory(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: GetHistory: user id is required")
	}
	if limit <= 0 {
		return []domain.ConversationTurn{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("repository: GetHistory query: %w", err))
	}
	if out == nil {
		return []domain.ConversationTurn{}, nil
	}

	turns := make([]domain.ConversationTurn, 0, len(out.Items))
	for _, item := range out.Items {
		turns = append(turns, itemToTurn(item))
	}
	// Reverse to chronological order before returning to context assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AppendMessage stores one turn for userID. It reports false, without error,
// when an identical turn (same sort key) is already stored: the conditional
// put rejects the copy.
func (c *Client) AppendMessage(ctx context.Context, userID string, turn domain.ConversationTurn) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, errors.New("repository: AppendMessage: user id is required")
	}
	if turn.Speaker != domain.SpeakerUser && turn.Speaker != domain.SpeakerAssistant {
		return false, fmt.Errorf("repository: AppendMessage: unknown sender %q", turn.Speaker)
	}
	if turn.Timestamp.IsZero() {
		return false, errors.New("repository: AppendMessage: timestamp is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.turnItem(userID, turn),
		ConditionExpression: aws.String(conditionNewItem),
	})
	if err != nil {
		var exists *types.ConditionalCheckFailedException
		if errors.As(err, &exists) {
			return false, nil
		}
		return false, classify(fmt.Errorf("repository: AppendMessage: %w", err))
	}
	return true, nil
}

func (c *Client) turnItem(userID string, turn domain.ConversationTurn) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(turn)},
		"userId":    &types.AttributeValueMemberS{Value: userID},
		"content":   &types.AttributeValueMemberS{Value: turn.Content},
		"sender":    &types.AttributeValueMemberS{Value: string(turn.Speaker)},
		"timestamp": &types.AttributeValueMemberS{Value: turn.Timestamp.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Add(ttlDuration).Unix(), 10)},
	}
	if turn.EventID != "" {
		item["eventId"] = &types.AttributeValueMemberS{Value: turn.EventID}
	}
	return item
}

// itemToTurn converts a DynamoDB attribute map to a turn. Missing or
// malformed fields are left zero for the caller to filter.
func itemToTurn(item map[string]types.AttributeValue) domain.ConversationTurn {
	content, _ := strAttr(item, "content")
	sender, _ := strAttr(item, "sender")
	eventID, _ := strAttr(item, "eventId")

	var ts time.Time
	if raw, err := strAttr(item, "timestamp"); err == nil {
		if parsed, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			ts = parsed
		}
	}

	speaker := domain.SpeakerUser
	if sender == string(domain.SpeakerAssistant) {
		speaker = domain.SpeakerAssistant
	}
	return domain.ConversationTurn{EventID: eventID, Speaker: speaker, Content: content, Timestamp: ts}
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

// classify marks throttling and server-side failures as transient so callers
// applying a retry policy will try again.
func classify(err error) error {
	var (
		throughput *types.ProvisionedThroughputExceededException
		reqLimit   *types.RequestLimitExceeded
		internal   *types.InternalServerError
	)
	switch {
	case errors.As(err, &throughput), errors.As(err, &reqLimit), errors.As(err, &internal):
		return retry.MarkTransient(err)
	default:
		return err
	}
}
