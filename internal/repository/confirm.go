package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"zela-agent/internal/domain"
)

const (
	pkPrefixConfirm = "CONFIRM#"
	skConfirm       = "PENDING"
	// confirmRetention bounds how long DynamoDB keeps a forgotten row; the
	// confirmation window itself is enforced by the confirm package.
	confirmRetention = 24 * time.Hour
)

func confirmPK(userID string) string {
	return pkPrefixConfirm + userID
}

func (c *Client) GetPendingConfirmation(ctx context.Context, userID string) (domain.PendingConfirmation, error) {
	item, err := c.getItem(ctx, confirmPK(userID), skConfirm)
	if err != nil {
		return domain.PendingConfirmation{}, fmt.Errorf("repository: GetPendingConfirmation: %w", err)
	}
	if item == nil {
		return domain.PendingConfirmation{}, domain.ErrNotFound
	}
	p, err := itemToConfirmation(item)
	if err != nil {
		return domain.PendingConfirmation{}, fmt.Errorf("repository: GetPendingConfirmation unmarshal: %w", err)
	}
	return p, nil
}

// PutPendingConfirmation replaces any pending entry for the user.
func (c *Client) PutPendingConfirmation(ctx context.Context, p domain.PendingConfirmation) error {
	if p.UserID == "" {
		return fmt.Errorf("repository: PutPendingConfirmation: user id is required")
	}
	item, err := confirmationItem(p)
	if err != nil {
		return fmt.Errorf("repository: PutPendingConfirmation: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutPendingConfirmation: %w", err)
	}
	return nil
}

func (c *Client) DeletePendingConfirmation(ctx context.Context, userID string) error {
	if err := c.deleteItem(ctx, confirmPK(userID), skConfirm); err != nil {
		return fmt.Errorf("repository: DeletePendingConfirmation: %w", err)
	}
	return nil
}

// DeletePendingConfirmationsBefore removes entries created at or before cutoff.
func (c *Client) DeletePendingConfirmationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := c.deleteMatching(ctx, scanFilter{
		prefix: pkPrefixConfirm,
		expr:   "#createdAt <= :cutoff",
		names:  map[string]string{"#createdAt": "createdAt"},
		values: map[string]types.AttributeValue{":cutoff": timeVal(cutoff)},
	})
	if err != nil {
		return n, fmt.Errorf("repository: DeletePendingConfirmationsBefore: %w", err)
	}
	return n, nil
}

func confirmationItem(p domain.PendingConfirmation) (map[string]types.AttributeValue, error) {
	candidates, err := json.Marshal(p.Candidates)
	if err != nil {
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}
	item := map[string]types.AttributeValue{
		"PK":         strVal(confirmPK(p.UserID)),
		"SK":         strVal(skConfirm),
		"userId":     strVal(p.UserID),
		"token":      strVal(p.Token),
		"candidates": strVal(string(candidates)),
		"createdAt":  timeVal(p.CreatedAt),
		"ttl":        &types.AttributeValueMemberN{Value: ttlEpoch(p.CreatedAt.Add(confirmRetention))},
	}
	if p.SourceMessageID != "" {
		item["sourceMessageId"] = strVal(p.SourceMessageID)
	}
	return item, nil
}

func itemToConfirmation(item map[string]types.AttributeValue) (domain.PendingConfirmation, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.PendingConfirmation{}, err
	}
	token, err := strAttr(item, "token")
	if err != nil {
		return domain.PendingConfirmation{}, err
	}
	raw, err := strAttr(item, "candidates")
	if err != nil {
		return domain.PendingConfirmation{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.PendingConfirmation{}, err
	}
	source, err := optStrAttr(item, "sourceMessageId")
	if err != nil {
		return domain.PendingConfirmation{}, err
	}
	var candidates []domain.TransactionCandidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return domain.PendingConfirmation{}, fmt.Errorf("repository: decode candidates: %w", err)
	}
	return domain.PendingConfirmation{
		UserID:          userID,
		Token:           token,
		Candidates:      candidates,
		CreatedAt:       created,
		SourceMessageID: source,
	}, nil
}
