package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"zela-agent/internal/domain"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateFn  func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	deleteErr error
	queryOuts []*dynamodb.QueryOutput
	queryErr  error
	scanOuts  []*dynamodb.ScanOutput
	scanErr   error
	txErr     error

	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	deleteInputs []*dynamodb.DeleteItemInput
	queryInputs  []dynamodb.QueryInput
	scanInputs   []dynamodb.ScanInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateInputs = append(f.updateInputs, in)
	if f.updateFn == nil {
		return &dynamodb.UpdateItemOutput{}, nil
	}
	return f.updateFn(in)
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deleteInputs = append(f.deleteInputs, in)
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

// Query copies the input since pagination mutates ExclusiveStartKey.
func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, *in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scanInputs = append(f.scanInputs, *in)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	if len(f.scanOuts) == 0 {
		return &dynamodb.ScanOutput{}, nil
	}
	out := f.scanOuts[0]
	f.scanOuts = f.scanOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
}

func keyOnly(pk, sk string) map[string]types.AttributeValue {
	return itemKey(pk, sk)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// New / helpers
// ---------------------------------------------------------------------------

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "api must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, "   ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "table name must not be empty")
}

func TestSortTime_IsFixedWidthAndOrdered(t *testing.T) {
	a := sortTime(t0)
	b := sortTime(t0.Add(time.Nanosecond))
	c := sortTime(t0.Add(time.Second))
	require.Len(t, a, len(b))
	require.Len(t, a, len(c))
	require.Less(t, a, b)
	require.Less(t, b, c)
	require.Equal(t, "2024-03-01T12:00:00.000000000Z", a)
}

func TestTimeAttr_RoundTripAndZero(t *testing.T) {
	item := map[string]types.AttributeValue{"a": timeVal(t0.Add(123)), "z": timeVal(time.Time{})}
	got, err := timeAttr(item, "a")
	require.NoError(t, err)
	require.True(t, got.Equal(t0.Add(123)))

	zero, err := timeAttr(item, "z")
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	_, err = timeAttr(item, "missing")
	require.ErrorContains(t, err, "missing attribute")
}

// ---------------------------------------------------------------------------
// cache namespace
// ---------------------------------------------------------------------------

func TestCacheEntry_PutThenGet(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	entry := domain.CacheEntry{
		Key:       "abc123",
		Kind:      "route",
		Payload:   json.RawMessage(`{"serviceId":"query"}`),
		CreatedAt: t0,
		TTL:       24 * time.Hour,
	}
	require.NoError(t, c.PutCacheEntry(context.Background(), entry))
	require.Equal(t, "CACHE#abc123", db.lastPutInput.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, ttlEpoch(t0.Add(24*time.Hour)), db.lastPutInput.Item["ttl"].(*types.AttributeValueMemberN).Value)

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.GetCacheEntry(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, entry.Key, got.Key)
	require.Equal(t, entry.Kind, got.Kind)
	require.JSONEq(t, string(entry.Payload), string(got.Payload))
	require.True(t, entry.CreatedAt.Equal(got.CreatedAt))
	require.Equal(t, entry.TTL, got.TTL)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGetCacheEntry_NotFound(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetCacheEntry(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetCacheEntry_DynamoError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.GetCacheEntry(context.Background(), "k")
	require.ErrorContains(t, err, "GetCacheEntry")
}

func TestDeleteExpiredCacheEntries_PaginatesAndDeletes(t *testing.T) {
	db := &fakeDynamo{scanOuts: []*dynamodb.ScanOutput{
		{
			Items:            []map[string]types.AttributeValue{keyOnly("CACHE#a", skCache)},
			LastEvaluatedKey: keyOnly("CACHE#a", skCache),
		},
		{Items: []map[string]types.AttributeValue{keyOnly("CACHE#b", skCache)}},
	}}
	c := mustNewClient(t, db)

	n, err := c.DeleteExpiredCacheEntries(context.Background(), t0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, db.scanInputs, 2)
	require.Nil(t, db.scanInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.scanInputs[1].ExclusiveStartKey)
	require.Equal(t, "begins_with(PK, :pkPrefix) AND (#expiresAt <= :now)", *db.scanInputs[0].FilterExpression)
	require.Len(t, db.deleteInputs, 2)
}

func TestDeleteCacheEntriesByKind_ScanError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{scanErr: errors.New("throttled")})
	_, err := c.DeleteCacheEntriesByKind(context.Background(), "route")
	require.ErrorContains(t, err, "DeleteCacheEntriesByKind")
	require.ErrorContains(t, err, "throttled")
}

// ---------------------------------------------------------------------------
// state namespace
// ---------------------------------------------------------------------------

func TestConversationState_PutThenGet(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	st := domain.ConversationState{
		UserID:    "u1",
		State:     domain.StateConfirming,
		Scratch:   json.RawMessage(`{"step":2}`),
		UpdatedAt: t0,
		ExpiresAt: t0.Add(10 * time.Minute),
	}
	require.NoError(t, c.PutConversationState(context.Background(), st))

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.GetConversationState(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, st.State, got.State)
	require.JSONEq(t, `{"step":2}`, string(got.Scratch))
	require.True(t, st.ExpiresAt.Equal(got.ExpiresAt))
}

func TestConversationState_EmptyScratchIsOmitted(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PutConversationState(context.Background(), domain.ConversationState{UserID: "u1", State: domain.StateInitial, ExpiresAt: t0}))
	_, ok := db.lastPutInput.Item["scratch"]
	require.False(t, ok)

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.GetConversationState(context.Background(), "u1")
	require.NoError(t, err)
	require.Nil(t, got.Scratch)
}

func TestConversationState_RequiresUser(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.PutConversationState(context.Background(), domain.ConversationState{})
	require.ErrorContains(t, err, "user id is required")
}

func TestDeleteConversationState_KeyShape(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.DeleteConversationState(context.Background(), "u1"))
	require.Equal(t, "STATE#u1", db.deleteInputs[0].Key["PK"].(*types.AttributeValueMemberS).Value)
}

// ---------------------------------------------------------------------------
// confirmation namespace
// ---------------------------------------------------------------------------

func TestPendingConfirmation_PutThenGet(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	p := domain.PendingConfirmation{
		UserID: "u1",
		Token:  "tok",
		Candidates: []domain.TransactionCandidate{
			{ServiceID: domain.ServiceTransaction, Fields: map[string]any{"descricao": "mercado", "valor": 50.0}},
		},
		CreatedAt:       t0,
		SourceMessageID: "m-1",
	}
	require.NoError(t, c.PutPendingConfirmation(context.Background(), p))

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.GetPendingConfirmation(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, p.Token, got.Token)
	require.Equal(t, p.SourceMessageID, got.SourceMessageID)
	require.Equal(t, p.Candidates, got.Candidates)
}

func TestPendingConfirmation_MalformedCandidates(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"userId":     strVal("u1"),
		"token":      strVal("t"),
		"candidates": strVal("{"),
		"createdAt":  timeVal(t0),
	}}}
	c := mustNewClient(t, db)
	_, err := c.GetPendingConfirmation(context.Background(), "u1")
	require.ErrorContains(t, err, "decode candidates")
}

func TestDeletePendingConfirmationsBefore_Filter(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	n, err := c.DeletePendingConfirmationsBefore(context.Background(), t0)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, pkPrefixConfirm, db.scanInputs[0].ExpressionAttributeValues[":pkPrefix"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, *db.scanInputs[0].FilterExpression, "#createdAt <= :cutoff")
}

// ---------------------------------------------------------------------------
// queue namespace
// ---------------------------------------------------------------------------

func queuedItem(id string, status domain.QueueStatus, attempts int) map[string]types.AttributeValue {
	return queueItem(domain.QueuedMessage{
		ID:         id,
		UserID:     "u1",
		RawText:    "gastei 50",
		EnqueuedAt: t0,
		UpdatedAt:  t0,
		Status:     status,
		Attempts:   attempts,
	})
}

func TestInsertQueuedMessage_Conflict(t *testing.T) {
	db := &fakeDynamo{putErr: conditionFailed()}
	c := mustNewClient(t, db)
	err := c.InsertQueuedMessage(context.Background(), domain.QueuedMessage{ID: "q1"})
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
}

func TestInsertQueuedMessage_RequiresID(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.InsertQueuedMessage(context.Background(), domain.QueuedMessage{}))
}

func TestClaimOldest_SkipsLostRace(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			queuedItem("q1", domain.QueuePending, 0),
			queuedItem("q2", domain.QueuePending, 1),
		},
	}}}
	db.updateFn = func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		if in.Key["SK"].(*types.AttributeValueMemberS).Value == "MSG#q1" {
			return nil, conditionFailed()
		}
		claimed := queuedItem("q2", domain.QueueProcessing, 2)
		claimed["claimedAt"] = timeVal(t0.Add(time.Minute))
		return &dynamodb.UpdateItemOutput{Attributes: claimed}, nil
	}
	c := mustNewClient(t, db)

	msg, err := c.ClaimOldestQueuedMessage(context.Background(), 3, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "q2", msg.ID)
	require.Equal(t, domain.QueueProcessing, msg.Status)
	require.Equal(t, 2, msg.Attempts)
	require.True(t, msg.ClaimedAt.Equal(t0.Add(time.Minute)))

	require.Len(t, db.updateInputs, 2)
	second := db.updateInputs[1]
	require.Equal(t, "1", second.ExpressionAttributeValues[":seen"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "2", second.ExpressionAttributeValues[":next"].(*types.AttributeValueMemberN).Value)
	require.True(t, *db.queryInputs[0].ScanIndexForward)
	require.Equal(t, "3", db.queryInputs[0].ExpressionAttributeValues[":max"].(*types.AttributeValueMemberN).Value)
}

func TestClaimOldest_EmptyQueue(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.ClaimOldestQueuedMessage(context.Background(), 3, t0)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimOldest_FollowsPages(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{LastEvaluatedKey: keyOnly(pkQueue, "MSG#q0")},
		{Items: []map[string]types.AttributeValue{queuedItem("q1", domain.QueuePending, 0)}},
	}}
	db.updateFn = func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		return &dynamodb.UpdateItemOutput{Attributes: queuedItem("q1", domain.QueueProcessing, 1)}, nil
	}
	c := mustNewClient(t, db)
	msg, err := c.ClaimOldestQueuedMessage(context.Background(), 3, t0)
	require.NoError(t, err)
	require.Equal(t, "q1", msg.ID)
	require.Len(t, db.queryInputs, 2)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
}

func TestClaimOldest_UpdateError(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{queuedItem("q1", domain.QueuePending, 0)},
	}}}
	db.updateFn = func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		return nil, errors.New("boom")
	}
	c := mustNewClient(t, db)
	_, err := c.ClaimOldestQueuedMessage(context.Background(), 3, t0)
	require.ErrorContains(t, err, "ClaimOldestQueuedMessage update")
}

func TestFinishQueuedMessage_Success(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.FinishQueuedMessage(context.Background(), "q1", domain.QueueDone, json.RawMessage(`{"ok":true}`), "", t0)
	require.NoError(t, err)
	in := db.updateInputs[0]
	require.Equal(t, "attribute_exists(PK) AND #status = :processing", *in.ConditionExpression)
	require.Contains(t, *in.UpdateExpression, "#result = :result")
	require.Equal(t, "DONE", in.ExpressionAttributeValues[":to"].(*types.AttributeValueMemberS).Value)
}

func TestFinishQueuedMessage_NoResultRemovesAttribute(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.FinishQueuedMessage(context.Background(), "q1", domain.QueueFailed, nil, "boom", t0))
	require.True(t, strings.HasSuffix(*db.updateInputs[0].UpdateExpression, "REMOVE #result"))
}

func TestFinishQueuedMessage_NotFoundVsConflict(t *testing.T) {
	db := &fakeDynamo{
		updateFn: func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return nil, conditionFailed()
		},
		getOut: &dynamodb.GetItemOutput{},
	}
	c := mustNewClient(t, db)
	err := c.FinishQueuedMessage(context.Background(), "q1", domain.QueueDone, nil, "", t0)
	require.ErrorIs(t, err, domain.ErrNotFound)

	db.getOut = &dynamodb.GetItemOutput{Item: queuedItem("q1", domain.QueueDone, 1)}
	err = c.FinishQueuedMessage(context.Background(), "q1", domain.QueueDone, nil, "", t0)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestGetQueuedMessage_RoundTrip(t *testing.T) {
	item := queuedItem("q1", domain.QueueFailed, 3)
	item["result"] = strVal(`{"x":1}`)
	item["error"] = strVal("gave up")
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	msg, err := c.GetQueuedMessage(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, domain.QueueFailed, msg.Status)
	require.Equal(t, 3, msg.Attempts)
	require.Equal(t, "gave up", msg.Error)
	require.JSONEq(t, `{"x":1}`, string(msg.Result))
	require.True(t, msg.ClaimedAt.IsZero())
}

func TestCountQueuedMessages(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		{"status": strVal("PENDING")},
		{"status": strVal("PENDING")},
		{"status": strVal("DONE")},
	}}}}
	c := mustNewClient(t, db)
	counts, err := c.CountQueuedMessages(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[domain.QueueStatus]int{domain.QueuePending: 2, domain.QueueDone: 1}, counts)
	require.Equal(t, "#status", *db.queryInputs[0].ProjectionExpression)
}

func TestRequeueStale_CountsOnlyWonUpdates(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		keyOnly(pkQueue, "MSG#q1"),
		keyOnly(pkQueue, "MSG#q2"),
	}}}}
	db.updateFn = func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		if in.Key["SK"].(*types.AttributeValueMemberS).Value == "MSG#q2" {
			return nil, conditionFailed()
		}
		return &dynamodb.UpdateItemOutput{}, nil
	}
	c := mustNewClient(t, db)
	n, err := c.RequeueStaleQueuedMessages(context.Background(), t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotContains(t, *db.updateInputs[0].UpdateExpression, "attempts")
}

func TestDeleteQueuedMessagesBefore_BuildsInClause(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		keyOnly(pkQueue, "MSG#q1"),
	}}}}
	c := mustNewClient(t, db)
	n, err := c.DeleteQueuedMessagesBefore(context.Background(), t0, []domain.QueueStatus{domain.QueueDone, domain.QueueFailed})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "#status IN (:s0, :s1) AND #updatedAt < :cutoff", *db.queryInputs[0].FilterExpression)

	n, err = c.DeleteQueuedMessagesBefore(context.Background(), t0, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, db.queryInputs, 1)
}

// ---------------------------------------------------------------------------
// metrics namespace
// ---------------------------------------------------------------------------

func TestMetrics_InsertThenListByUser(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	m := domain.Metric{
		UserID:      "u1",
		MessageKind: "text",
		DurationMs:  120,
		Success:     true,
		RecordedAt:  t0,
		Details:     json.RawMessage(`{"serviceId":"query"}`),
	}
	require.NoError(t, c.InsertMetric(context.Background(), m))
	sk := db.lastPutInput.Item["SK"].(*types.AttributeValueMemberS).Value
	require.True(t, strings.HasPrefix(sk, "TS#2024-03-01T12:00:00.000000000Z#"))

	db.queryOuts = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{db.lastPutInput.Item}}}
	got, err := c.ListMetrics(context.Background(), "u1", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, m.DurationMs, got[0].DurationMs)
	require.True(t, got[0].Success)
	require.JSONEq(t, `{"serviceId":"query"}`, string(got[0].Details))
	require.Equal(t, "PK = :pk AND SK >= :from", *db.queryInputs[0].KeyConditionExpression)
}

func TestListMetrics_AllUsersScans(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	got, err := c.ListMetrics(context.Background(), "", t0)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Len(t, db.scanInputs, 1)
	require.Empty(t, db.queryInputs)
}

func TestDeleteMetricsBefore_DeleteError(t *testing.T) {
	db := &fakeDynamo{
		scanOuts:  []*dynamodb.ScanOutput{{Items: []map[string]types.AttributeValue{keyOnly("METRIC#u1", "TS#x")}}},
		deleteErr: errors.New("boom"),
	}
	c := mustNewClient(t, db)
	_, err := c.DeleteMetricsBefore(context.Background(), t0)
	require.ErrorContains(t, err, "DeleteMetricsBefore")
}

// ---------------------------------------------------------------------------
// conversation history
// ---------------------------------------------------------------------------

func TestAppendTurn_TransactionShape(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	turn := domain.Turn{UserID: "u1", Text: "quanto gastei?", ServiceID: domain.ServiceQuery, Outcome: "ok", CreatedAt: t0}
	require.NoError(t, c.AppendTurn(context.Background(), turn))

	require.Len(t, db.lastTxInput.TransactItems, 2)
	put := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "CONV#u1", put.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, msgSK(t0), put.Item["SK"].(*types.AttributeValueMemberS).Value)
	update := db.lastTxInput.TransactItems[1].Update
	require.Equal(t, skMeta, update.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, *update.UpdateExpression, "ADD #turns :one")
}

func TestAppendTurn_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.ErrorContains(t, c.AppendTurn(context.Background(), domain.Turn{CreatedAt: t0}), "user id")
	require.ErrorContains(t, c.AppendTurn(context.Background(), domain.Turn{UserID: "u1"}), "created at")
}

func TestAppendTurn_DynamoError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{txErr: errors.New("tx failed")})
	err := c.AppendTurn(context.Background(), domain.Turn{UserID: "u1", CreatedAt: t0})
	require.ErrorContains(t, err, "AppendTurn")
}

func TestRecentTurns_ReordersDescendingResultsToChronological(t *testing.T) {
	newer := turnItem(domain.Turn{UserID: "u1", Text: "second", CreatedAt: t0.Add(time.Minute)}, "0")
	older := turnItem(domain.Turn{UserID: "u1", Text: "first", ServiceID: domain.ServiceQuery, CreatedAt: t0}, "0")
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{newer, older}}}}
	c := mustNewClient(t, db)

	turns, err := c.RecentTurns(context.Background(), "u1", 6)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "first", turns[0].Text)
	require.Equal(t, domain.ServiceQuery, turns[0].ServiceID)
	require.Equal(t, "second", turns[1].Text)
	require.False(t, *db.queryInputs[0].ScanIndexForward)
	require.Equal(t, int32(6), *db.queryInputs[0].Limit)
}

func TestRecentTurns_MalformedItem(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		{"userId": strVal("u1")},
	}}}}
	c := mustNewClient(t, db)
	_, err := c.RecentTurns(context.Background(), "u1", 6)
	require.ErrorContains(t, err, "RecentTurns unmarshal")
}

func TestTurnCount(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{"turns": numVal(7)}}}
	c := mustNewClient(t, db)
	n, err := c.TurnCount(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 7, n)

	db.getOut = &dynamodb.GetItemOutput{}
	n, err = c.TurnCount(context.Background(), "u1")
	require.NoError(t, err)
	require.Zero(t, n)

	db.getOut = &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{"turns": strVal("bad")}}
	_, err = c.TurnCount(context.Background(), "u1")
	require.ErrorContains(t, err, "decode turns")
}
