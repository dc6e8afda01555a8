package company

import (
	"context"
	"errors"
	"strings"

	"support-chat-backend/internal/database"
	"support-chat-backend/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	ErrNotFound      = errors.New("company repository: not found")
	ErrAlreadyExists = errors.New("company repository: already exists")
)

type Repository interface {
	CreateCompany(ctx context.Context, company model.CompanyItem) error
	GetCompany(ctx context.Context, companyID string) (model.CompanyItem, error)
	GetPlan(ctx context.Context, planID string) (model.PlanItem, error)
	ListPlans(ctx context.Context) ([]model.PlanItem, error)
	UpdateCompanyPlan(ctx context.Context, companyID, planID string) error
	UpdateBillingStatus(ctx context.Context, companyID, status string) error

	CreateAgent(ctx context.Context, agent model.AgentItem) error
	GetAgent(ctx context.Context, companyID, agentID string) (model.AgentItem, error)
	GetAgentByEmail(ctx context.Context, email string) (model.AgentItem, error)
	ListAgents(ctx context.Context, companyID string) ([]model.AgentItem, error)

	CreateAPIKey(ctx context.Context, key model.CompanyAPIKeyItem) error
	GetCompanyByAPIKey(ctx context.Context, apiKey string) (model.CompanyItem, error)
	TouchAPIKey(ctx context.Context, apiKey, lastUsedAt string) error
	ListAPIKeys(ctx context.Context, companyID string) ([]model.CompanyAPIKeyItem, error)
}

type DynamoRepository struct {
	db *database.Database
}

func NewDynamoRepository(db *database.Database) Repository {
	return &DynamoRepository{db: db}
}

func (r *DynamoRepository) CreateCompany(ctx context.Context, company model.CompanyItem) error {
	err := r.db.Client.PutItemConditional(
		ctx,
		model.CompaniesTable,
		company,
		"attribute_not_exists(companyId)",
		nil,
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) GetCompany(ctx context.Context, companyID string) (model.CompanyItem, error) {
	var company model.CompanyItem
	err := r.db.Client.GetItem(
		ctx,
		model.CompaniesTable,
		map[string]types.AttributeValue{
			"companyId": &types.AttributeValueMemberS{Value: companyID},
		},
		&company,
	)
	if err != nil {
		if isNotFound(err) {
			return model.CompanyItem{}, ErrNotFound
		}
		return model.CompanyItem{}, err
	}
	return company, nil
}

func (r *DynamoRepository) GetPlan(ctx context.Context, planID string) (model.PlanItem, error) {
	var plan model.PlanItem
	err := r.db.Client.GetItem(
		ctx,
		model.PlansTable,
		map[string]types.AttributeValue{
			"planId": &types.AttributeValueMemberS{Value: planID},
		},
		&plan,
	)
	if err != nil {
		if isNotFound(err) {
			return model.PlanItem{}, ErrNotFound
		}
		return model.PlanItem{}, err
	}
	return plan, nil
}

func (r *DynamoRepository) ListPlans(ctx context.Context) ([]model.PlanItem, error) {
	items, err := r.db.Client.ScanItems(
		ctx,
		model.PlansTable,
		"attribute_exists(planId)",
		nil,
		nil,
	)
	if err != nil {
		return nil, err
	}

	var plans []model.PlanItem
	if err := attributevalue.UnmarshalListOfMaps(items, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *DynamoRepository) UpdateCompanyPlan(ctx context.Context, companyID, planID string) error {
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.CompaniesTable,
		map[string]types.AttributeValue{
			"companyId": &types.AttributeValueMemberS{Value: companyID},
		},
		"SET #planId = :planId",
		"attribute_exists(companyId)",
		map[string]types.AttributeValue{
			":planId": &types.AttributeValueMemberS{Value: planID},
		},
		map[string]string{
			"#planId": "planId",
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

func (r *DynamoRepository) UpdateBillingStatus(ctx context.Context, companyID, status string) error {
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.CompaniesTable,
		map[string]types.AttributeValue{
			"companyId": &types.AttributeValueMemberS{Value: companyID},
		},
		"SET #billing = :status",
		"attribute_exists(companyId)",
		map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: status},
		},
		map[string]string{
			"#billing": "billingStatus",
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

func (r *DynamoRepository) CreateAgent(ctx context.Context, agent model.AgentItem) error {
	err := r.db.Client.PutItemConditional(
		ctx,
		model.AgentsTable,
		agent,
		"attribute_not_exists(pk)",
		nil,
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) GetAgent(ctx context.Context, companyID, agentID string) (model.AgentItem, error) {
	var agent model.AgentItem
	err := r.db.Client.GetItem(
		ctx,
		model.AgentsTable,
		map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: model.CompanyScopedPK(companyID, agentID)},
		},
		&agent,
	)
	if err != nil {
		if isNotFound(err) {
			return model.AgentItem{}, ErrNotFound
		}
		return model.AgentItem{}, err
	}
	return agent, nil
}

func (r *DynamoRepository) GetAgentByEmail(ctx context.Context, email string) (model.AgentItem, error) {
	items, err := r.db.Client.QueryItems(
		ctx,
		model.AgentsTable,
		aws.String("byEmail"),
		"email = :email",
		map[string]types.AttributeValue{
			":email": &types.AttributeValueMemberS{Value: email},
		},
		nil,
		nil,
	)
	if err != nil && !isIndexNotFound(err) {
		return model.AgentItem{}, err
	}

	if (err != nil && isIndexNotFound(err)) || items == nil {
		items, err = r.db.Client.ScanItems(
			ctx,
			model.AgentsTable,
			"email = :email",
			map[string]types.AttributeValue{
				":email": &types.AttributeValueMemberS{Value: email},
			},
			nil,
		)
		if err != nil {
			return model.AgentItem{}, err
		}
	}

	if len(items) == 0 {
		return model.AgentItem{}, ErrNotFound
	}

	var agent model.AgentItem
	if err := attributevalue.UnmarshalMap(items[0], &agent); err != nil {
		return model.AgentItem{}, err
	}
	return agent, nil
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
		return nil, err
	}
	return agents, nil
}

func (r *DynamoRepository) CreateAPIKey(ctx context.Context, key model.CompanyAPIKeyItem) error {
	return r.db.Client.PutItem(ctx, model.CompanyAPIKeysTable, key)
}

func (r *DynamoRepository) GetCompanyByAPIKey(ctx context.Context, apiKey string) (model.CompanyItem, error) {
	items, err := r.db.Client.QueryItems(
		ctx,
		model.CompanyAPIKeysTable,
		aws.String("byApiKey"),
		"apiKey = :apiKey",
		map[string]types.AttributeValue{
			":apiKey": &types.AttributeValueMemberS{Value: apiKey},
		},
		nil,
		nil,
	)
	if err != nil && !isIndexNotFound(err) {
		return model.CompanyItem{}, err
	}

	if (err != nil && isIndexNotFound(err)) || items == nil {
		items, err = r.db.Client.ScanItems(
			ctx,
			model.CompanyAPIKeysTable,
			"apiKey = :apiKey",
			map[string]types.AttributeValue{
				":apiKey": &types.AttributeValueMemberS{Value: apiKey},
			},
			nil,
		)
		if err != nil {
			return model.CompanyItem{}, err
		}
	}

	if len(items) == 0 {
		return model.CompanyItem{}, ErrNotFound
	}

	var key model.CompanyAPIKeyItem
	if err := attributevalue.UnmarshalMap(items[0], &key); err != nil {
		return model.CompanyItem{}, err
	}
	return r.GetCompany(ctx, key.CompanyID)
}

func (r *DynamoRepository) TouchAPIKey(ctx context.Context, apiKey, lastUsedAt string) error {
	return r.db.Client.UpdateItem(
		ctx,
		model.CompanyAPIKeysTable,
		map[string]types.AttributeValue{
			"apiKey": &types.AttributeValueMemberS{Value: apiKey},
		},
		"SET #lastUsedAt = :lastUsedAt",
		map[string]types.AttributeValue{
			":lastUsedAt": &types.AttributeValueMemberS{Value: lastUsedAt},
		},
		map[string]string{
			"#lastUsedAt": "lastUsedAt",
		},
		nil,
	)
}

func (r *DynamoRepository) ListAPIKeys(ctx context.Context, companyID string) ([]model.CompanyAPIKeyItem, error) {
	items, err := r.db.Client.ScanItems(
		ctx,
		model.CompanyAPIKeysTable,
		"companyId = :companyId",
		map[string]types.AttributeValue{
			":companyId": &types.AttributeValueMemberS{Value: companyID},
		},
		nil,
	)
	if err != nil {
		return nil, err
	}

	var keys []model.CompanyAPIKeyItem
	if err := attributevalue.UnmarshalListOfMaps(items, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "item not found")
}

func isIndexNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "index") && strings.Contains(msg, "not") && strings.Contains(msg, "found")
}
