package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"zela-agent/internal/domain"
)

// All queue items share one partition; SK order is enqueue order because
// ids are time-ordered UUIDs.
const (
	pkQueue       = "QUEUE"
	skPrefixQueue = "MSG#"
)

func queueSK(id string) string {
	return skPrefixQueue + id
}

// InsertQueuedMessage returns domain.ErrConflict if the id already exists.
func (c *Client) InsertQueuedMessage(ctx context.Context, msg domain.QueuedMessage) error {
	if msg.ID == "" {
		return errors.New("repository: InsertQueuedMessage: id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                queueItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if isConditionFailed(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("repository: InsertQueuedMessage: %w", err)
	}
	return nil
}

// ClaimOldestQueuedMessage walks PENDING items in SK order and claims the
// first one whose conditional update succeeds. A lost race moves on to the
// next candidate.
func (c *Client) ClaimOldestQueuedMessage(ctx context.Context, maxAttempts int, now time.Time) (domain.QueuedMessage, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("#status = :pending AND #attempts < :max"),
		ExpressionAttributeNames: map[string]string{
			"#status":   "status",
			"#attempts": "attempts",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":      strVal(pkQueue),
			":prefix":  strVal(skPrefixQueue),
			":pending": strVal(string(domain.QueuePending)),
			":max":     numVal(int64(maxAttempts)),
		},
		ScanIndexForward: aws.Bool(true),
	}

	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return domain.QueuedMessage{}, fmt.Errorf("repository: ClaimOldestQueuedMessage query: %w", err)
		}
		for _, item := range out.Items {
			msg, claimed, err := c.tryClaim(ctx, item, now)
			if err != nil {
				return domain.QueuedMessage{}, err
			}
			if claimed {
				return msg, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return domain.QueuedMessage{}, domain.ErrNotFound
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *Client) tryClaim(ctx context.Context, item map[string]types.AttributeValue, now time.Time) (domain.QueuedMessage, bool, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.QueuedMessage{}, false, fmt.Errorf("repository: ClaimOldestQueuedMessage: %w", err)
	}
	seen, err := int64Attr(item, "attempts")
	if err != nil {
		return domain.QueuedMessage{}, false, fmt.Errorf("repository: ClaimOldestQueuedMessage: %w", err)
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(pkQueue, sk),
		UpdateExpression:    aws.String("SET #status = :processing, #attempts = :next, #claimedAt = :now, #updatedAt = :now"),
		ConditionExpression: aws.String("#status = :pending AND #attempts = :seen"),
		ExpressionAttributeNames: map[string]string{
			"#status":    "status",
			"#attempts":  "attempts",
			"#claimedAt": "claimedAt",
			"#updatedAt": "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": strVal(string(domain.QueueProcessing)),
			":pending":    strVal(string(domain.QueuePending)),
			":seen":       numVal(seen),
			":next":       numVal(seen + 1),
			":now":        timeVal(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return domain.QueuedMessage{}, false, nil
	}
	if err != nil {
		return domain.QueuedMessage{}, false, fmt.Errorf("repository: ClaimOldestQueuedMessage update: %w", err)
	}
	msg, err := itemToQueuedMessage(out.Attributes)
	if err != nil {
		return domain.QueuedMessage{}, false, fmt.Errorf("repository: ClaimOldestQueuedMessage unmarshal: %w", err)
	}
	return msg, true, nil
}

// FinishQueuedMessage moves a PROCESSING item to its final status. It
// returns domain.ErrNotFound for unknown ids and domain.ErrConflict when the
// item is not PROCESSING.
func (c *Client) FinishQueuedMessage(ctx context.Context, id string, to domain.QueueStatus, result json.RawMessage, errMsg string, now time.Time) error {
	update := "SET #status = :to, #updatedAt = :now, #error = :error"
	values := map[string]types.AttributeValue{
		":to":         strVal(string(to)),
		":now":        timeVal(now),
		":error":      strVal(errMsg),
		":processing": strVal(string(domain.QueueProcessing)),
	}
	names := map[string]string{
		"#status":    "status",
		"#updatedAt": "updatedAt",
		"#error":     "error",
	}
	if len(result) > 0 {
		update += ", #result = :result"
		values[":result"] = strVal(string(result))
	} else {
		update += " REMOVE #result"
	}
	names["#result"] = "result"

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       itemKey(pkQueue, queueSK(id)),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_exists(PK) AND #status = :processing"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		if _, getErr := c.GetQueuedMessage(ctx, id); errors.Is(getErr, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("repository: FinishQueuedMessage: %w", err)
	}
	return nil
}

func (c *Client) GetQueuedMessage(ctx context.Context, id string) (domain.QueuedMessage, error) {
	item, err := c.getItem(ctx, pkQueue, queueSK(id))
	if err != nil {
		return domain.QueuedMessage{}, fmt.Errorf("repository: GetQueuedMessage: %w", err)
	}
	if item == nil {
		return domain.QueuedMessage{}, domain.ErrNotFound
	}
	msg, err := itemToQueuedMessage(item)
	if err != nil {
		return domain.QueuedMessage{}, fmt.Errorf("repository: GetQueuedMessage unmarshal: %w", err)
	}
	return msg, nil
}

func (c *Client) CountQueuedMessages(ctx context.Context) (map[domain.QueueStatus]int, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(c.tableName),
		KeyConditionExpression:   aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ProjectionExpression:     aws.String("#status"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strVal(pkQueue),
			":prefix": strVal(skPrefixQueue),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: CountQueuedMessages: %w", err)
	}
	counts := map[domain.QueueStatus]int{}
	for _, item := range items {
		status, err := strAttr(item, "status")
		if err != nil {
			return nil, fmt.Errorf("repository: CountQueuedMessages: %w", err)
		}
		counts[domain.QueueStatus(status)]++
	}
	return counts, nil
}

// RequeueStaleQueuedMessages returns PROCESSING items claimed before
// claimedBefore to PENDING, keeping their attempt count.
func (c *Client) RequeueStaleQueuedMessages(ctx context.Context, claimedBefore, now time.Time) (int, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("#status = :processing AND #claimedAt < :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#status":    "status",
			"#claimedAt": "claimedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":         strVal(pkQueue),
			":prefix":     strVal(skPrefixQueue),
			":processing": strVal(string(domain.QueueProcessing)),
			":cutoff":     timeVal(claimedBefore),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("repository: RequeueStaleQueuedMessages query: %w", err)
	}

	n := 0
	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return n, fmt.Errorf("repository: RequeueStaleQueuedMessages: %w", err)
		}
		_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(c.tableName),
			Key:                 itemKey(pkQueue, sk),
			UpdateExpression:    aws.String("SET #status = :pending, #updatedAt = :now"),
			ConditionExpression: aws.String("#status = :processing AND #claimedAt < :cutoff"),
			ExpressionAttributeNames: map[string]string{
				"#status":    "status",
				"#updatedAt": "updatedAt",
				"#claimedAt": "claimedAt",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending":    strVal(string(domain.QueuePending)),
				":processing": strVal(string(domain.QueueProcessing)),
				":now":        timeVal(now),
				":cutoff":     timeVal(claimedBefore),
			},
		})
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("repository: RequeueStaleQueuedMessages update: %w", err)
		}
		n++
	}
	return n, nil
}

// DeleteQueuedMessagesBefore removes items in one of statuses whose last
// update is older than cutoff.
func (c *Client) DeleteQueuedMessagesBefore(ctx context.Context, cutoff time.Time, statuses []domain.QueueStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	values := map[string]types.AttributeValue{
		":pk":     strVal(pkQueue),
		":prefix": strVal(skPrefixQueue),
		":cutoff": timeVal(cutoff),
	}
	in := ""
	for i, s := range statuses {
		name := ":s" + strconv.Itoa(i)
		values[name] = strVal(string(s))
		if i > 0 {
			in += ", "
		}
		in += name
	}
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("#status IN (" + in + ") AND #updatedAt < :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#status":    "status",
			"#updatedAt": "updatedAt",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: DeleteQueuedMessagesBefore query: %w", err)
	}
	n := 0
	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return n, fmt.Errorf("repository: DeleteQueuedMessagesBefore: %w", err)
		}
		if err := c.deleteItem(ctx, pkQueue, sk); err != nil {
			return n, fmt.Errorf("repository: DeleteQueuedMessagesBefore delete: %w", err)
		}
		n++
	}
	return n, nil
}

func queueItem(msg domain.QueuedMessage) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":         strVal(pkQueue),
		"SK":         strVal(queueSK(msg.ID)),
		"id":         strVal(msg.ID),
		"userId":     strVal(msg.UserID),
		"rawText":    strVal(msg.RawText),
		"status":     strVal(string(msg.Status)),
		"attempts":   numVal(int64(msg.Attempts)),
		"enqueuedAt": timeVal(msg.EnqueuedAt),
		"claimedAt":  timeVal(msg.ClaimedAt),
		"updatedAt":  timeVal(msg.UpdatedAt),
		"error":      strVal(msg.Error),
	}
	if len(msg.Result) > 0 {
		item["result"] = strVal(string(msg.Result))
	}
	return item
}

func itemToQueuedMessage(item map[string]types.AttributeValue) (domain.QueuedMessage, error) {
	var (
		msg domain.QueuedMessage
		err error
	)
	if msg.ID, err = strAttr(item, "id"); err != nil {
		return domain.QueuedMessage{}, err
	}
	if msg.UserID, err = strAttr(item, "userId"); err != nil {
		return domain.QueuedMessage{}, err
	}
	if msg.RawText, err = strAttr(item, "rawText"); err != nil {
		return domain.QueuedMessage{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.QueuedMessage{}, err
	}
	msg.Status = domain.QueueStatus(status)
	if msg.Attempts, err = intAttr(item, "attempts"); err != nil {
		return domain.QueuedMessage{}, err
	}
	if msg.EnqueuedAt, err = timeAttr(item, "enqueuedAt"); err != nil {
		return domain.QueuedMessage{}, err
	}
	if msg.ClaimedAt, err = timeAttr(item, "claimedAt"); err != nil {
		return domain.QueuedMessage{}, err
	}
	if msg.UpdatedAt, err = timeAttr(item, "updatedAt"); err != nil {
		return domain.QueuedMessage{}, err
	}
	if msg.Error, err = optStrAttr(item, "error"); err != nil {
		return domain.QueuedMessage{}, err
	}
	result, err := optStrAttr(item, "result")
	if err != nil {
		return domain.QueuedMessage{}, err
	}
	if result != "" {
		msg.Result = json.RawMessage(result)
	}
	return msg, nil
}
