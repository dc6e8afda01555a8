package conversation

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"support-chat-backend/internal/database"
	"support-chat-backend/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	ErrNotFound      = errors.New("conversation repository: not found")
	ErrAlreadyExists = errors.New("conversation repository: already exists")
	// ErrWrongStatus means a conditional transition lost: the conversation was
	// not in the expected status when the write committed.
	ErrWrongStatus = errors.New("conversation repository: status changed concurrently")
	// ErrStaleAIResponse means the conversation left the ai state, or re-entered
	// it under a newer epoch, while the AI response was being generated.
	ErrStaleAIResponse = errors.New("conversation repository: stale ai response")
	// ErrDeliveryRegression means the requested delivery status does not advance
	// the current one.
	ErrDeliveryRegression = errors.New("conversation repository: delivery status would regress")
)

type Repository interface {
	// CreateConversation fails with ErrAlreadyExists when the id is taken.
	CreateConversation(ctx context.Context, conversation model.ConversationItem) error
	GetConversation(ctx context.Context, companyID, conversationID string) (model.ConversationItem, error)
	// ListConversations returns company conversations newest-first, optionally
	// filtered by status.
	ListConversations(ctx context.Context, companyID string, status model.ConversationStatus, limit int) ([]model.ConversationItem, error)

	// ClaimConversation swaps available -> support and sets the claiming agent
	// as sole participant, all in one conditional write. ErrWrongStatus means
	// the claim lost the race.
	ClaimConversation(ctx context.Context, companyID, conversationID, agentID, now string) (model.ConversationItem, error)
	// AddParticipant adds agentID to an already-claimed conversation.
	AddParticipant(ctx context.Context, companyID, conversationID, agentID, now string) error
	// ReleaseSoleParticipant moves support -> available only when agentID is
	// the single remaining participant.
	ReleaseSoleParticipant(ctx context.Context, companyID, conversationID, agentID, now string) error
	// RemoveParticipant drops agentID from the set while other agents remain.
	RemoveParticipant(ctx context.Context, companyID, conversationID, agentID, now string) error
	// HandoffToAvailable moves ai -> available with a reason, conditioned on
	// the epoch so a stale dispatcher cannot hand off a reopened conversation.
	HandoffToAvailable(ctx context.Context, companyID, conversationID, reason string, expectedEpoch int, now string) error
	// ResolveConversation closes from any non-resolved status and clears the
	// participant set.
	ResolveConversation(ctx context.Context, companyID, conversationID, now string) error
	// ReopenConversation swaps resolved -> target. Entering ai increments the
	// epoch.
	ReopenConversation(ctx context.Context, companyID, conversationID string, target model.ConversationStatus, reason, now string) (model.ConversationItem, error)
	// TouchConversation records message activity: timestamps, sender, unread.
	TouchConversation(ctx context.Context, companyID, conversationID, lastMessageFrom, now string, unread bool) error

	CreateMessage(ctx context.Context, message model.MessageItem) error
	// CommitAIMessage records the AI response only if the conversation is still
	// in the ai state under expectedEpoch; otherwise ErrStaleAIResponse and the
	// message is discarded.
	CommitAIMessage(ctx context.Context, message model.MessageItem, expectedEpoch int) error
	ListMessages(ctx context.Context, companyID, conversationID string, limit int) ([]model.MessageItem, error)
	// AdvanceMessageDelivery moves sent -> delivered -> seen, never backwards.
	AdvanceMessageDelivery(ctx context.Context, conversationID, messageID string, status model.DeliveryStatus) error
}

type DynamoRepository struct {
	db *database.Database
}

func NewDynamoRepository(db *database.Database) Repository {
	return &DynamoRepository{db: db}
}

func conversationKey(companyID, conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: model.ConversationPK(companyID, conversationID)},
	}
}

func messageKey(conversationID, messageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: model.MessagePK(conversationID, messageID)},
	}
}

func (r *DynamoRepository) CreateConversation(ctx context.Context, conversation model.ConversationItem) error {
	err := r.db.Client.PutItemConditional(
		ctx,
		model.ConversationsTable,
		conversation,
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

func (r *DynamoRepository) GetConversation(ctx context.Context, companyID, conversationID string) (model.ConversationItem, error) {
	var conversation model.ConversationItem
	err := r.db.Client.GetItem(ctx, model.ConversationsTable, conversationKey(companyID, conversationID), &conversation)
	if err != nil {
		if isNotFound(err) {
			return model.ConversationItem{}, ErrNotFound
		}
		return model.ConversationItem{}, err
	}
	return conversation, nil
}

func (r *DynamoRepository) ListConversations(ctx context.Context, companyID string, status model.ConversationStatus, limit int) ([]model.ConversationItem, error) {
	scanForward := false
	items, err := r.db.Client.QueryItems(
		ctx,
		model.ConversationsTable,
		aws.String("byCompany"),
		"companyId = :companyId",
		map[string]types.AttributeValue{
			":companyId": &types.AttributeValueMemberS{Value: companyID},
		},
		nil,
		&scanForward,
	)
	if err != nil && !isIndexNotFound(err) {
		return nil, err
	}

	if (err != nil && isIndexNotFound(err)) || items == nil {
		items, err = r.db.Client.ScanItems(
			ctx,
			model.ConversationsTable,
			"companyId = :companyId",
			map[string]types.AttributeValue{
				":companyId": &types.AttributeValueMemberS{Value: companyID},
			},
			nil,
		)
		if err != nil {
			return nil, err
		}
	}

	conversations := make([]model.ConversationItem, 0, len(items))
	for _, item := range items {
		var conversation model.ConversationItem
		if err := attributevalue.UnmarshalMap(item, &conversation); err != nil {
			return nil, err
		}
		if status != "" && conversation.Status != status {
			continue
		}
		conversations = append(conversations, conversation)
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].LastMessageAt > conversations[j].LastMessageAt
	})

	if limit > 0 && len(conversations) > limit {
		conversations = conversations[:limit]
	}

	return conversations, nil
}

func (r *DynamoRepository) ClaimConversation(ctx context.Context, companyID, conversationID, agentID, now string) (model.ConversationItem, error) {
	var conversation model.ConversationItem
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.ConversationsTable,
		conversationKey(companyID, conversationID),
		"SET #status = :support, #participants = :participants, #updatedAt = :now",
		"#status = :available",
		map[string]types.AttributeValue{
			":support":      &types.AttributeValueMemberS{Value: string(model.ConversationStatusSupport)},
			":available":    &types.AttributeValueMemberS{Value: string(model.ConversationStatusAvailable)},
			":participants": &types.AttributeValueMemberSS{Value: []string{agentID}},
			":now":          &types.AttributeValueMemberS{Value: now},
		},
		map[string]string{
			"#status":       "status",
			"#participants": "participatingAgents",
			"#updatedAt":    "updatedAt",
		},
		&conversation,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return model.ConversationItem{}, ErrWrongStatus
		}
		return model.ConversationItem{}, err
	}
	return conversation, nil
}

func (r *DynamoRepository) AddParticipant(ctx context.Context, companyID, conversationID, agentID, now string) error {
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.ConversationsTable,
		conversationKey(companyID, conversationID),
		"ADD #participants :agent SET #updatedAt = :now",
		"#status = :support",
		map[string]types.AttributeValue{
			":agent":   &types.AttributeValueMemberSS{Value: []string{agentID}},
			":support": &types.AttributeValueMemberS{Value: string(model.ConversationStatusSupport)},
			":now":     &types.AttributeValueMemberS{Value: now},
		},
		map[string]string{
			"#status":       "status",
			"#participants": "participatingAgents",
			"#updatedAt":    "updatedAt",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrWrongStatus
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) ReleaseSoleParticipant(ctx context.Context, companyID, conversationID, agentID, now string) error {
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.ConversationsTable,
		conversationKey(companyID, conversationID),
		"SET #status = :available, #updatedAt = :now REMOVE #participants",
		"#status = :support AND #participants = :sole",
		map[string]types.AttributeValue{
			":available": &types.AttributeValueMemberS{Value: string(model.ConversationStatusAvailable)},
			":support":   &types.AttributeValueMemberS{Value: string(model.ConversationStatusSupport)},
			":sole":      &types.AttributeValueMemberSS{Value: []string{agentID}},
			":now":       &types.AttributeValueMemberS{Value: now},
		},
		map[string]string{
			"#status":       "status",
			"#participants": "participatingAgents",
			"#updatedAt":    "updatedAt",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrWrongStatus
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) RemoveParticipant(ctx context.Context, companyID, conversationID, agentID, now string) error {
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.ConversationsTable,
		conversationKey(companyID, conversationID),
		"DELETE #participants :agent SET #updatedAt = :now",
		"#status = :support AND contains(#participants, :agentId) AND NOT #participants = :sole",
		map[string]types.AttributeValue{
			":agent":   &types.AttributeValueMemberSS{Value: []string{agentID}},
			":agentId": &types.AttributeValueMemberS{Value: agentID},
			":sole":    &types.AttributeValueMemberSS{Value: []string{agentID}},
			":support": &types.AttributeValueMemberS{Value: string(model.ConversationStatusSupport)},
			":now":     &types.AttributeValueMemberS{Value: now},
		},
		map[string]string{
			"#status":       "status",
			"#participants": "participatingAgents",
			"#updatedAt":    "updatedAt",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrWrongStatus
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) HandoffToAvailable(ctx context.Context, companyID, conversationID, reason string, expectedEpoch int, now string) error {
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.ConversationsTable,
		conversationKey(companyID, conversationID),
		"SET #status = :available, #reason = :reason, #updatedAt = :now",
		"#status = :ai AND #epoch = :epoch",
		map[string]types.AttributeValue{
			":available": &types.AttributeValueMemberS{Value: string(model.ConversationStatusAvailable)},
			":ai":        &types.AttributeValueMemberS{Value: string(model.ConversationStatusAI)},
			":reason":    &types.AttributeValueMemberS{Value: reason},
			":epoch":     &types.AttributeValueMemberN{Value: strconv.Itoa(expectedEpoch)},
			":now":       &types.AttributeValueMemberS{Value: now},
		},
		map[string]string{
			"#status":    "status",
			"#reason":    "handoffReason",
			"#epoch":     "aiEpoch",
			"#updatedAt": "updatedAt",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrWrongStatus
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) ResolveConversation(ctx context.Context, companyID, conversationID, now string) error {
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.ConversationsTable,
		conversationKey(companyID, conversationID),
		"SET #status = :resolved, #updatedAt = :now REMOVE #participants",
		"#status IN (:ai, :available, :support)",
		map[string]types.AttributeValue{
			":resolved":  &types.AttributeValueMemberS{Value: string(model.ConversationStatusResolved)},
			":ai":        &types.AttributeValueMemberS{Value: string(model.ConversationStatusAI)},
			":available": &types.AttributeValueMemberS{Value: string(model.ConversationStatusAvailable)},
			":support":   &types.AttributeValueMemberS{Value: string(model.ConversationStatusSupport)},
			":now":       &types.AttributeValueMemberS{Value: now},
		},
		map[string]string{
			"#status":       "status",
			"#participants": "participatingAgents",
			"#updatedAt":    "updatedAt",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrWrongStatus
		}
		return err
	}
	return nil
}

func (r *DynamoRepository) ReopenConversation(ctx context.Context, companyID, conversationID string, target model.ConversationStatus, reason, now string) (model.ConversationItem, error) {
	updateExpr := "SET #status = :target, #reason = :reason, #updatedAt = :now"
	exprValues := map[string]types.AttributeValue{
		":target":   &types.AttributeValueMemberS{Value: string(target)},
		":resolved": &types.AttributeValueMemberS{Value: string(model.ConversationStatusResolved)},
		":reason":   &types.AttributeValueMemberS{Value: reason},
		":now":      &types.AttributeValueMemberS{Value: now},
	}
	attrNames := map[string]string{
		"#status":    "status",
		"#reason":    "handoffReason",
		"#updatedAt": "updatedAt",
	}

	if target == model.ConversationStatusAI {
		updateExpr += " ADD #epoch :one"
		exprValues[":one"] = &types.AttributeValueMemberN{Value: "1"}
		attrNames["#epoch"] = "aiEpoch"
	}

	var conversation model.ConversationItem
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.ConversationsTable,
		conversationKey(companyID, conversationID),
		updateExpr,
		"#status = :resolved",
		exprValues,
		attrNames,
		&conversation,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return model.ConversationItem{}, ErrWrongStatus
		}
		return model.ConversationItem{}, err
	}
	return conversation, nil
}

func (r *DynamoRepository) TouchConversation(ctx context.Context, companyID, conversationID, lastMessageFrom, now string, unread bool) error {
	return r.db.Client.UpdateItem(
		ctx,
		model.ConversationsTable,
		conversationKey(companyID, conversationID),
		"SET #updatedAt = :now, #lastMessageAt = :now, #lastMessageFrom = :from, #unread = :unread",
		map[string]types.AttributeValue{
			":now":    &types.AttributeValueMemberS{Value: now},
			":from":   &types.AttributeValueMemberS{Value: lastMessageFrom},
			":unread": &types.AttributeValueMemberBOOL{Value: unread},
		},
		map[string]string{
			"#updatedAt":       "updatedAt",
			"#lastMessageAt":   "lastMessageAt",
			"#lastMessageFrom": "lastMessageFrom",
			"#unread":          "unread",
		},
		nil,
	)
}

func (r *DynamoRepository) CreateMessage(ctx context.Context, message model.MessageItem) error {
	return r.db.Client.PutItem(ctx, model.MessagesTable, message)
}

func (r *DynamoRepository) CommitAIMessage(ctx context.Context, message model.MessageItem, expectedEpoch int) error {
	// The conversation write carries the condition; the message is only stored
	// once the conversation accepted the response.
	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.ConversationsTable,
		conversationKey(message.CompanyID, message.ConversationID),
		"SET #updatedAt = :now, #lastMessageAt = :now, #lastMessageFrom = :from, #unread = :unread",
		"#status = :ai AND #epoch = :epoch",
		map[string]types.AttributeValue{
			":ai":     &types.AttributeValueMemberS{Value: string(model.ConversationStatusAI)},
			":epoch":  &types.AttributeValueMemberN{Value: strconv.Itoa(expectedEpoch)},
			":now":    &types.AttributeValueMemberS{Value: message.CreatedAt},
			":from":   &types.AttributeValueMemberS{Value: string(model.SenderAI)},
			":unread": &types.AttributeValueMemberBOOL{Value: false},
		},
		map[string]string{
			"#status":          "status",
			"#epoch":           "aiEpoch",
			"#updatedAt":       "updatedAt",
			"#lastMessageAt":   "lastMessageAt",
			"#lastMessageFrom": "lastMessageFrom",
			"#unread":          "unread",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrStaleAIResponse
		}
		return err
	}

	return r.db.Client.PutItem(ctx, model.MessagesTable, message)
}

func (r *DynamoRepository) ListMessages(ctx context.Context, companyID, conversationID string, limit int) ([]model.MessageItem, error) {
	scanForward := true
	items, err := r.db.Client.QueryItems(
		ctx,
		model.MessagesTable,
		aws.String("byConversation"),
		"conversationId = :conversationId",
		map[string]types.AttributeValue{
			":conversationId": &types.AttributeValueMemberS{Value: conversationID},
		},
		nil,
		&scanForward,
	)
	if err != nil && !isIndexNotFound(err) {
		return nil, err
	}

	if (err != nil && isIndexNotFound(err)) || items == nil {
		items, err = r.db.Client.ScanItems(
			ctx,
			model.MessagesTable,
			"conversationId = :conversationId",
			map[string]types.AttributeValue{
				":conversationId": &types.AttributeValueMemberS{Value: conversationID},
			},
			nil,
		)
		if err != nil {
			return nil, err
		}
	}

	messages := make([]model.MessageItem, 0, len(items))
	for _, item := range items {
		var message model.MessageItem
		if err := attributevalue.UnmarshalMap(item, &message); err != nil {
			return nil, err
		}
		if message.CompanyID != "" && message.CompanyID != companyID {
			continue
		}
		messages = append(messages, message)
	}

	sort.Slice(messages, func(i, j int) bool {
		ti := parseTime(messages[i].CreatedAt)
		tj := parseTime(messages[j].CreatedAt)
		return ti.Before(tj)
	})

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	return messages, nil
}

func (r *DynamoRepository) AdvanceMessageDelivery(ctx context.Context, conversationID, messageID string, status model.DeliveryStatus) error {
	var condExpr string
	exprValues := map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: string(status)},
	}

	switch status {
	case model.DeliveryDelivered:
		condExpr = "#delivery = :sent"
		exprValues[":sent"] = &types.AttributeValueMemberS{Value: string(model.DeliverySent)}
	case model.DeliverySeen:
		condExpr = "#delivery IN (:sent, :delivered)"
		exprValues[":sent"] = &types.AttributeValueMemberS{Value: string(model.DeliverySent)}
		exprValues[":delivered"] = &types.AttributeValueMemberS{Value: string(model.DeliveryDelivered)}
	default:
		return ErrDeliveryRegression
	}

	err := r.db.Client.UpdateItemConditional(
		ctx,
		model.MessagesTable,
		messageKey(conversationID, messageID),
		"SET #delivery = :status",
		condExpr,
		exprValues,
		map[string]string{
			"#delivery": "deliveryStatus",
		},
		nil,
	)
	if err != nil {
		if database.IsConditionFailed(err) {
			return ErrDeliveryRegression
		}
		return err
	}
	return nil
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

func parseTime(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}
