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
	pkPrefixState = "STATE#"
	skState       = "CURRENT"
)

func statePK(userID string) string {
	return pkPrefixState + userID
}

// GetConversationState returns the stored row even when expired.
func (c *Client) GetConversationState(ctx context.Context, userID string) (domain.ConversationState, error) {
	item, err := c.getItem(ctx, statePK(userID), skState)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetConversationState: %w", err)
	}
	if item == nil {
		return domain.ConversationState{}, domain.ErrNotFound
	}
	st, err := itemToState(item)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetConversationState unmarshal: %w", err)
	}
	return st, nil
}

// PutConversationState replaces the single state row for the user.
func (c *Client) PutConversationState(ctx context.Context, st domain.ConversationState) error {
	if st.UserID == "" {
		return fmt.Errorf("repository: PutConversationState: user id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      stateItem(st),
	})
	if err != nil {
		return fmt.Errorf("repository: PutConversationState: %w", err)
	}
	return nil
}

func (c *Client) DeleteConversationState(ctx context.Context, userID string) error {
	if err := c.deleteItem(ctx, statePK(userID), skState); err != nil {
		return fmt.Errorf("repository: DeleteConversationState: %w", err)
	}
	return nil
}

func (c *Client) DeleteExpiredConversationStates(ctx context.Context, now time.Time) (int, error) {
	n, err := c.deleteMatching(ctx, scanFilter{
		prefix: pkPrefixState,
		expr:   "#expiresAt <= :now",
		names:  map[string]string{"#expiresAt": "expiresAt"},
		values: map[string]types.AttributeValue{":now": timeVal(now)},
	})
	if err != nil {
		return n, fmt.Errorf("repository: DeleteExpiredConversationStates: %w", err)
	}
	return n, nil
}

func stateItem(st domain.ConversationState) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        strVal(statePK(st.UserID)),
		"SK":        strVal(skState),
		"userId":    strVal(st.UserID),
		"state":     strVal(string(st.State)),
		"updatedAt": timeVal(st.UpdatedAt),
		"expiresAt": timeVal(st.ExpiresAt),
		"ttl":       &types.AttributeValueMemberN{Value: ttlEpoch(st.ExpiresAt)},
	}
	if len(st.Scratch) > 0 {
		item["scratch"] = strVal(string(st.Scratch))
	}
	return item
}

func itemToState(item map[string]types.AttributeValue) (domain.ConversationState, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.ConversationState{}, err
	}
	kind, err := strAttr(item, "state")
	if err != nil {
		return domain.ConversationState{}, err
	}
	scratch, err := optStrAttr(item, "scratch")
	if err != nil {
		return domain.ConversationState{}, err
	}
	updated, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.ConversationState{}, err
	}
	expires, err := timeAttr(item, "expiresAt")
	if err != nil {
		return domain.ConversationState{}, err
	}
	st := domain.ConversationState{
		UserID:    userID,
		State:     domain.StateKind(kind),
		UpdatedAt: updated,
		ExpiresAt: expires,
	}
	if scratch != "" {
		st.Scratch = json.RawMessage(scratch)
	}
	return st, nil
}
