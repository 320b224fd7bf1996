package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"whatsapp-agent/internal/domain"
	"whatsapp-agent/internal/retry"
)

type fakeDynamo struct {
	putErr       error
	queryOut     *dynamodb.QueryOutput
	queryErr     error
	putCalls     int
	lastPutInput *dynamodb.PutItemInput
	lastQueryIn  *dynamodb.QueryInput
	sawDeadline  bool
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putCalls++
	f.lastPutInput = in
	_, f.sawDeadline = ctx.Deadline()
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	_, f.sawDeadline = ctx.Deadline()
	return f.queryOut, f.queryErr
}

func makeItem(userID, ts, sender, content string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK":        &types.AttributeValueMemberS{Value: skPrefixMsg + ts + "#" + sender},
		"userId":    &types.AttributeValueMemberS{Value: userID},
		"content":   &types.AttributeValueMemberS{Value: content},
		"sender":    &types.AttributeValueMemberS{Value: sender},
		"timestamp": &types.AttributeValueMemberS{Value: ts},
	}
}

var fixedNow = time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table", WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// GetHistory
// ---------------------------------------------------------------------------

func TestGetHistory_HappyPath(t *testing.T) {
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				makeItem("15551234567", "2026-02-27T11:00:00Z", "user", "Hello?"),
			},
		},
	}
	c := mustNewClient(t, db)
	turns, err := c.GetHistory(context.Background(), "15551234567", 20)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "Hello?", turns[0].Content)
	require.Equal(t, domain.SpeakerUser, turns[0].Speaker)
	require.Equal(t, time.Date(2026, 2, 27, 11, 0, 0, 0, time.UTC), turns[0].Timestamp)
	require.True(t, db.sawDeadline)
}

func TestGetHistory_ReadsEventID(t *testing.T) {
	item := makeItem("abc", "2026-02-27T11:00:00Z", "user", "Hello?")
	item["eventId"] = &types.AttributeValueMemberS{Value: "wamid.9"}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}}
	c := mustNewClient(t, db)
	turns, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Equal(t, "wamid.9", turns[0].EventID)
}

func TestGetHistory_QueryShape(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Equal(t, "test-table", aws.ToString(db.lastQueryIn.TableName))
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", aws.ToString(db.lastQueryIn.KeyConditionExpression))
	require.False(t, aws.ToBool(db.lastQueryIn.ScanIndexForward))
	require.Equal(t, int32(20), aws.ToInt32(db.lastQueryIn.Limit))
	require.Equal(t, "USER#abc", db.lastQueryIn.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
}

func TestGetHistory_ReordersDescendingResultsToChronological(t *testing.T) {
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				makeItem("abc", "2026-02-27T12:00:00Z", "assistant", "newer"),
				makeItem("abc", "2026-02-27T11:00:00Z", "user", "older"),
			},
		},
	}
	c := mustNewClient(t, db)
	turns, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Equal(t, "older", turns[0].Content)
	require.Equal(t, "newer", turns[1].Content)
	require.Equal(t, domain.SpeakerAssistant, turns[1].Speaker)
}

func TestGetHistory_MalformedItemsComeBackZeroed(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: "USER#abc"},
		"SK":        &types.AttributeValueMemberS{Value: "MSG#ts#user"},
		"timestamp": &types.AttributeValueMemberS{Value: "not-a-time"},
	}
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}}
	c := mustNewClient(t, db)
	turns, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Empty(t, turns[0].Content)
	require.True(t, turns[0].Timestamp.IsZero())
}

func TestGetHistory_EmptyResult(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewClient(t, db)
	turns, err := c.GetHistory(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestGetHistory_NonPositiveLimitSkipsQuery(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	turns, err := c.GetHistory(context.Background(), "abc", 0)
	require.NoError(t, err)
	require.Empty(t, turns)
	require.Nil(t, db.lastQueryIn)
}

func TestGetHistory_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetHistory")
	require.False(t, retry.IsTransient(err))
}

func TestGetHistory_ThrottledIsTransient(t *testing.T) {
	db := &fakeDynamo{queryErr: &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 20)
	require.Error(t, err)
	require.True(t, retry.IsTransient(err))
}

// ---------------------------------------------------------------------------
// AppendMessage
// ---------------------------------------------------------------------------

func userTurn(content string, ts time.Time) domain.ConversationTurn {
	return domain.ConversationTurn{EventID: "wamid.1", Speaker: domain.SpeakerUser, Content: content, Timestamp: ts}
}

func TestAppendMessage_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ts := time.Date(2026, 2, 27, 11, 30, 0, 123, time.UTC)
	stored, err := c.AppendMessage(context.Background(), "abc", userTurn("Who are you?", ts))
	require.NoError(t, err)
	require.True(t, stored)

	item := db.lastPutInput.Item
	require.Equal(t, conditionNewItem, aws.ToString(db.lastPutInput.ConditionExpression))
	require.Equal(t, "USER#abc", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "MSG#2026-02-27T11:30:00.000000123Z#user#wamid.1", item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "Who are you?", item["content"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "user", item["sender"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "abc", item["userId"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "wamid.1", item["eventId"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "1774785600", item["ttl"].(*types.AttributeValueMemberN).Value)
	require.True(t, db.sawDeadline)
}

func TestAppendMessage_NoEventIDOmitsAttribute(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	_, err := c.AppendMessage(context.Background(), "abc", domain.ConversationTurn{
		Speaker: domain.SpeakerAssistant, Content: "hi", Timestamp: fixedNow,
	})
	require.NoError(t, err)
	require.NotContains(t, db.lastPutInput.Item, "eventId")
	require.Equal(t, "MSG#2026-02-27T12:00:00.000000000Z#assistant", db.lastPutInput.Item["SK"].(*types.AttributeValueMemberS).Value)
}

func TestMsgSK_SameInstantDifferentSender(t *testing.T) {
	ts := time.Date(2026, 2, 27, 11, 30, 0, 0, time.UTC)
	user := userTurn("q", ts)
	reply := user
	reply.Speaker = domain.SpeakerAssistant
	require.NotEqual(t, msgSK(user), msgSK(reply))
}

func TestMsgSK_SameSecondDifferentEvents(t *testing.T) {
	ts := time.Date(2026, 2, 27, 11, 30, 0, 0, time.UTC)
	a := userTurn("one", ts)
	b := userTurn("two", ts)
	b.EventID = "wamid.2"
	require.NotEqual(t, msgSK(a), msgSK(b))
}

func TestMsgSK_StableForRedelivery(t *testing.T) {
	ts := time.Unix(1772193600, 0).UTC()
	require.Equal(t, msgSK(userTurn("hi", ts)), msgSK(userTurn("hi", ts)))
}

func TestMsgSK_SortsLexicallyByTime(t *testing.T) {
	base := time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(120 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Second + time.Nanosecond),
	}
	for i := 1; i < len(times); i++ {
		prev := msgSK(domain.ConversationTurn{Speaker: domain.SpeakerUser, Timestamp: times[i-1]})
		next := msgSK(domain.ConversationTurn{Speaker: domain.SpeakerUser, Timestamp: times[i]})
		require.Less(t, prev, next, "index %d", i)
	}
}

func TestAppendMessage_AlreadyStoredReportsFalse(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("exists")}}
	c := mustNewClient(t, db)
	stored, err := c.AppendMessage(context.Background(), "abc", userTurn("hi", fixedNow))
	require.NoError(t, err)
	require.False(t, stored)
}

func TestAppendMessage_Validation(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	_, err := c.AppendMessage(context.Background(), "", userTurn("hi", fixedNow))
	require.Error(t, err)

	bot := userTurn("hi", fixedNow)
	bot.Speaker = domain.Speaker("bot")
	_, err = c.AppendMessage(context.Background(), "abc", bot)
	require.Error(t, err)

	_, err = c.AppendMessage(context.Background(), "abc", userTurn("hi", time.Time{}))
	require.Error(t, err)
	require.Zero(t, db.putCalls)
}

func TestAppendMessage_ErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"throughput", &types.ProvisionedThroughputExceededException{Message: aws.String("x")}, true},
		{"request limit", &types.RequestLimitExceeded{Message: aws.String("x")}, true},
		{"internal", &types.InternalServerError{Message: aws.String("x")}, true},
		{"validation", errors.New("ValidationException"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := &fakeDynamo{putErr: tc.err}
			c := mustNewClient(t, db)
			stored, err := c.AppendMessage(context.Background(), "abc", userTurn("hi", fixedNow))
			require.Error(t, err)
			require.False(t, stored)
			require.Contains(t, err.Error(), "AppendMessage")
			require.Equal(t, tc.transient, retry.IsTransient(err))
		})
	}
}
