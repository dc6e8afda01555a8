package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"support-chat-backend/internal/database"
	"support-chat-backend/internal/model"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var ErrNotFound = errors.New("assignment repository: agent not found")

type Repository interface {
	GetAgent(ctx context.Context, companyID, agentID string) (model.AgentItem, error)
	SetAvailability(ctx context.Context, companyID, agentID string, status model.AvailabilityStatus) error
	ListAgents(ctx context.Context, companyID string) ([]model.AgentItem, error)
}

type DynamoRepository struct {
	db *database.Database
}

func NewDynamoRepository(db *database.Database) Repository {
	return &DynamoRepository{db: db}
}

func agentKey(companyID, agentID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: model.CompanyScopedPK(companyID, agentID)},
	}
}

func (r *DynamoRepository) GetAgent(ctx context.Context, companyID, agentID string) (model.AgentItem, error) {
	var agent model.AgentItem
	err := r.db.Client.GetItem(ctx, model.AgentsTable, agentKey(companyID, agentID), &agent)
	if err != nil {
		if strings.Contains(err.Error(), "item not found") {
			return model.AgentItem{}, ErrNotFound
		}
		return model.AgentItem{}, err
	}
	return agent, nil
}

func (r *DynamoRepository) SetAvailability(ctx context.Context, companyID, agentID string, status model.AvailabilityStatus) error {
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.AgentsTable,
		agentKey(companyID, agentID),
		"SET #availability = :status",
		"attribute_exists(pk)",
		map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
		map[string]string{
			"#availability": "availabilityStatus",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) ListAgents(ctx context.Context, companyID string) ([]model.AgentItem, error) {
	items, err := r.db.Client.ScanItems(
		ctx,
		model.AgentsTable,
		"companyId = :companyId",
		map[string]types.AttributeValue{
			":companyId": &types.AttributeValueMemberS{Value: companyID},
		},
		nil,
	)
	if err != nil {
		return nil, err
	}

	var agents []model.AgentItem
	if err := attributevalue.UnmarshalListOfMaps(items, &agents); err != nil {
		return nil, fmt.Errorf("unmarshal agents: %w", err)
	}
	return agents, nil
}
