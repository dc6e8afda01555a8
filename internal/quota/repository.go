package quota

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"support-chat-backend/internal/database"
	"support-chat-backend/internal/model"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	ErrNotFound = errors.New("quota repository: not found")
	// ErrLimitReached means the conditional increment lost: the counter was
	// already at the plan limit when the write committed.
	ErrLimitReached = errors.New("quota repository: limit reached")
	// ErrAlreadyWarned means another process marked the warning sent first.
	ErrAlreadyWarned = errors.New("quota repository: warning already sent")
	// ErrStaleReset means the reset window advanced concurrently; the caller's
	// reset is a no-op.
	ErrStaleReset = errors.New("quota repository: reset already applied")
)

type Repository interface {
	GetCompany(ctx context.Context, companyID string) (model.CompanyItem, error)
	GetPlan(ctx context.Context, planID string) (model.PlanItem, error)
	// ReserveAIResponse atomically checks the counter against limit and
	// increments it in the same write, returning the counter value after the
	// increment. A negative limit reserves unconditionally.
	ReserveAIResponse(ctx context.Context, companyID string, limit int) (int, error)
	RollbackAIResponse(ctx context.Context, companyID string) error
	// ResetUsage zeroes the counter and clears the warning flag, conditioned
	// on the reset timestamp still being expectedResetAt (empty means unset).
	ResetUsage(ctx context.Context, companyID, expectedResetAt, newResetAt string) error
	MarkUsageWarningSent(ctx context.Context, companyID string) error
}

type DynamoRepository struct {
	db *database.Database
}

func NewDynamoRepository(db *database.Database) Repository {
	return &DynamoRepository{db: db}
}

func companyKey(companyID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"companyId": &types.AttributeValueMemberS{Value: companyID},
	}
}

func (r *DynamoRepository) GetCompany(ctx context.Context, companyID string) (model.CompanyItem, error) {
	var company model.CompanyItem
	err := r.db.Client.GetItem(ctx, model.CompaniesTable, companyKey(companyID), &company)
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

func (r *DynamoRepository) ReserveAIResponse(ctx context.Context, companyID string, limit int) (int, error) {
	var company model.CompanyItem

	if limit < 0 {
		err := r.db.Client.UpdateItem(
			ctx,
			model.CompaniesTable,
			companyKey(companyID),
			"ADD #count :one",
			map[string]types.AttributeValue{
				":one": &types.AttributeValueMemberN{Value: "1"},
			},
			map[string]string{
				"#count": "aiResponsesThisMonth",
			},
			&company,
		)
		if err != nil {
			return 0, err
		}
		return company.AIResponsesThisMonth, nil
	}

	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.CompaniesTable,
		companyKey(companyID),
		"ADD #count :one",
		"#count < :limit",
		map[string]types.AttributeValue{
			":one":   &types.AttributeValueMemberN{Value: "1"},
			":limit": &types.AttributeValueMemberN{Value: strconv.Itoa(limit)},
		},
		map[string]string{
			"#count": "aiResponsesThisMonth",
		},
		&company,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return 0, ErrLimitReached
		}
		return 0, err
	}
	return company.AIResponsesThisMonth, nil
}

func (r *DynamoRepository) RollbackAIResponse(ctx context.Context, companyID string) error {
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.CompaniesTable,
		companyKey(companyID),
		"ADD #count :minusOne",
		"#count > :zero",
		map[string]types.AttributeValue{
			":minusOne": &types.AttributeValueMemberN{Value: "-1"},
			":zero":     &types.AttributeValueMemberN{Value: "0"},
		},
		map[string]string{
			"#count": "aiResponsesThisMonth",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			// Counter already at zero; nothing to return.
			return nil
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) ResetUsage(ctx context.Context, companyID, expectedResetAt, newResetAt string) error {
	condExpr := "#resetAt = :expected"
	exprValues := map[string]types.AttributeValue{
		":zero":     &types.AttributeValueMemberN{Value: "0"},
		":false":    &types.AttributeValueMemberBOOL{Value: false},
		":newReset": &types.AttributeValueMemberS{Value: newResetAt},
	}

	if expectedResetAt == "" {
		condExpr = "attribute_not_exists(#resetAt) OR #resetAt = :empty"
		exprValues[":empty"] = &types.AttributeValueMemberS{Value: ""}
	} else {
		exprValues[":expected"] = &types.AttributeValueMemberS{Value: expectedResetAt}
	}

	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.CompaniesTable,
		companyKey(companyID),
		"SET #count = :zero, #warned = :false, #resetAt = :newReset",
		condExpr,
		exprValues,
		map[string]string{
			"#count":   "aiResponsesThisMonth",
			"#warned":  "usageWarningSent",
			"#resetAt": "aiResponsesResetAt",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrStaleReset
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) MarkUsageWarningSent(ctx context.Context, companyID string) error {
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.CompaniesTable,
		companyKey(companyID),
		"SET #warned = :true",
		"#warned = :false",
		map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
		map[string]string{
			"#warned": "usageWarningSent",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrAlreadyWarned
		}
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "item not found")
}
