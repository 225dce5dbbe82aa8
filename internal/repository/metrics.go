package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"zela-agent/internal/domain"
)

const (
	pkPrefixMetric = "METRIC#"
	skPrefixMetric = "TS#"
)

func metricPK(userID string) string {
	return pkPrefixMetric + userID
}

// metricSK orders by time; the uuid suffix keeps same-instant rows distinct.
func metricSK(at time.Time) string {
	return skPrefixMetric + sortTime(at) + "#" + uuid.NewString()
}

func (c *Client) InsertMetric(ctx context.Context, m domain.Metric) error {
	if m.UserID == "" {
		return errors.New("repository: InsertMetric: user id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      metricItem(m),
	})
	if err != nil {
		return fmt.Errorf("repository: InsertMetric: %w", err)
	}
	return nil
}

// ListMetrics returns metrics recorded at or after since. An empty userID
// lists every user.
func (c *Client) ListMetrics(ctx context.Context, userID string, since time.Time) ([]domain.Metric, error) {
	var (
		items []map[string]types.AttributeValue
		err   error
	)
	if userID == "" {
		items, err = c.scanItems(ctx, scanFilter{
			prefix: pkPrefixMetric,
			expr:   "#recordedAt >= :since",
			names:  map[string]string{"#recordedAt": "recordedAt"},
			values: map[string]types.AttributeValue{":since": timeVal(since)},
		})
	} else {
		items, err = c.queryAll(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND SK >= :from"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   strVal(metricPK(userID)),
				":from": strVal(skPrefixMetric + sortTime(since)),
			},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("repository: ListMetrics: %w", err)
	}

	out := make([]domain.Metric, 0, len(items))
	for _, item := range items {
		m, err := itemToMetric(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMetrics unmarshal: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Client) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := c.deleteMatching(ctx, scanFilter{
		prefix: pkPrefixMetric,
		expr:   "#recordedAt < :cutoff",
		names:  map[string]string{"#recordedAt": "recordedAt"},
		values: map[string]types.AttributeValue{":cutoff": timeVal(cutoff)},
	})
	if err != nil {
		return n, fmt.Errorf("repository: DeleteMetricsBefore: %w", err)
	}
	return n, nil
}

func metricItem(m domain.Metric) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":          strVal(metricPK(m.UserID)),
		"SK":          strVal(metricSK(m.RecordedAt)),
		"userId":      strVal(m.UserID),
		"messageKind": strVal(m.MessageKind),
		"durationMs":  numVal(m.DurationMs),
		"success":     boolVal(m.Success),
		"error":       strVal(m.Error),
		"recordedAt":  timeVal(m.RecordedAt),
	}
	if len(m.Details) > 0 {
		item["details"] = strVal(string(m.Details))
	}
	return item
}

func itemToMetric(item map[string]types.AttributeValue) (domain.Metric, error) {
	var (
		m   domain.Metric
		err error
	)
	if m.UserID, err = strAttr(item, "userId"); err != nil {
		return domain.Metric{}, err
	}
	if m.MessageKind, err = strAttr(item, "messageKind"); err != nil {
		return domain.Metric{}, err
	}
	if m.DurationMs, err = int64Attr(item, "durationMs"); err != nil {
		return domain.Metric{}, err
	}
	if m.Success, err = boolAttr(item, "success"); err != nil {
		return domain.Metric{}, err
	}
	if m.Error, err = optStrAttr(item, "error"); err != nil {
		return domain.Metric{}, err
	}
	if m.RecordedAt, err = timeAttr(item, "recordedAt"); err != nil {
		return domain.Metric{}, err
	}
	details, err := optStrAttr(item, "details")
	if err != nil {
		return domain.Metric{}, err
	}
	if details != "" {
		m.Details = json.RawMessage(details)
	}
	return m, nil
}
