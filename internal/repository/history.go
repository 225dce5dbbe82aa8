package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"zela-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// convPK returns the DynamoDB partition key for a user's conversation.
func convPK(userID string) string {
	return "CONV#" + userID
}

// msgSK returns the sort key for a turn recorded at ts.
func msgSK(ts time.Time) string {
	return skPrefixMsg + sortTime(ts)
}

// AppendTurn writes the turn and bumps the conversation meta record in one
// transaction.
func (c *Client) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if turn.UserID == "" {
		return errors.New("repository: AppendTurn: user id is required")
	}
	if turn.CreatedAt.IsZero() {
		return errors.New("repository: AppendTurn: created at is required")
	}
	expires := ttlEpoch(turn.CreatedAt.Add(ttlDuration))

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn, expires),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              itemKey(convPK(turn.UserID), skMeta),
					UpdateExpression: aws.String("ADD #turns :one SET #userId = :user, #lastActivity = :now, #ttl = :ttl"),
					ExpressionAttributeNames: map[string]string{
						"#turns":        "turns",
						"#userId":       "userId",
						"#lastActivity": "lastActivity",
						"#ttl":          "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one":  numVal(1),
						":user": strVal(turn.UserID),
						":now":  strVal(turn.CreatedAt.UTC().Format(time.RFC3339)),
						":ttl":  &types.AttributeValueMemberN{Value: expires},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit of the user's latest turns in
// chronological order.
func (c *Client) RecentTurns(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strVal(convPK(userID)),
			":prefix": strVal(skPrefixMsg),
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnCount returns the number of turns recorded in the meta record.
func (c *Client) TurnCount(ctx context.Context, userID string) (int, error) {
	item, err := c.getItem(ctx, convPK(userID), skMeta)
	if err != nil {
		return 0, fmt.Errorf("repository: TurnCount get item: %w", err)
	}
	if item == nil {
		return 0, nil
	}
	turns, err := intAttr(item, "turns")
	if err != nil {
		return 0, fmt.Errorf("repository: TurnCount decode turns: %w", err)
	}
	return turns, nil
}

func turnItem(t domain.Turn, ttl string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        strVal(convPK(t.UserID)),
		"SK":        strVal(msgSK(t.CreatedAt)),
		"userId":    strVal(t.UserID),
		"text":      strVal(t.Text),
		"serviceId": strVal(string(t.ServiceID)),
		"outcome":   strVal(t.Outcome),
		"createdAt": timeVal(t.CreatedAt),
		"ttl":       &types.AttributeValueMemberN{Value: ttl},
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	serviceID, _ := optStrAttr(item, "serviceId") // allow empty
	outcome, _ := optStrAttr(item, "outcome")     // allow empty
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	return domain.Turn{
		UserID:    userID,
		Text:      text,
		ServiceID: domain.ServiceID(serviceID),
		Outcome:   outcome,
		CreatedAt: created,
	}, nil
}
