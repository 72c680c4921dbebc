package dynamostore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory DynamoDB used in unit tests.
// It understands the store's lease condition and SET/REMOVE update expressions only.
type simpleMock struct {
	mu       sync.Mutex
	keyAttrs []string
	table    map[string]map[string]types.AttributeValue

	err         error // returned by every call when set
	putCalls    int
	getCalls    int
	updateCalls int
	deleteCalls int
	lastGet     *dyn.GetItemInput
}

func newSimpleMock(keyAttrs ...string) *simpleMock {
	if len(keyAttrs) == 0 {
		keyAttrs = []string{DefaultKeyAttr}
	}
	return &simpleMock{
		keyAttrs: keyAttrs,
		table:    map[string]map[string]types.AttributeValue{},
	}
}

func (m *simpleMock) pk(attrs map[string]types.AttributeValue) (string, error) {
	parts := make([]string, 0, len(m.keyAttrs))
	for _, a := range m.keyAttrs {
		v, ok := attrs[a].(*types.AttributeValueMemberS)
		if !ok {
			return "", errors.New("missing key attribute " + a)
		}
		parts = append(parts, v.Value)
	}
	return strings.Join(parts, "|"), nil
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.err != nil {
		return nil, m.err
	}
	k, err := m.pk(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil {
		if *params.ConditionExpression != putInProgressCondition {
			return nil, errors.New("unsupported condition: " + *params.ConditionExpression)
		}
		if existing, ok := m.table[k]; ok && !leaseConditionHolds(existing, params.ExpressionAttributeValues) {
			return nil, &types.ConditionalCheckFailedException{Message: awsString("The conditional request failed")}
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func leaseConditionHolds(existing map[string]types.AttributeValue, values map[string]types.AttributeValue) bool {
	now := numberAttr(values[":now"])
	nowMs := numberAttr(values[":now_ms"])
	if numberAttr(existing[attrExpiry]) <= now {
		return true
	}
	status, _ := existing[attrStatus].(*types.AttributeValueMemberS)
	inProgress := values[":inprogress"].(*types.AttributeValueMemberS).Value
	if status == nil || status.Value != inProgress {
		return false
	}
	if _, ok := existing[attrInProgressExpiry]; !ok {
		return false
	}
	return numberAttr(existing[attrInProgressExpiry]) <= nowMs
}

func numberAttr(v types.AttributeValue) int64 {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	i, _ := strconv.ParseInt(n.Value, 10, 64)
	return i
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	m.lastGet = params
	if m.err != nil {
		return nil, m.err
	}
	k, err := m.pk(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

// UpdateItem applies "SET #a = :a, ... REMOVE #b, ..." expressions. Like DynamoDB, it
// creates the item when it does not exist.
func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.err != nil {
		return nil, m.err
	}
	k, err := m.pk(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		item = map[string]types.AttributeValue{}
		for a, v := range params.Key {
			item[a] = v
		}
	}

	expr := *params.UpdateExpression
	var removePart string
	if i := strings.Index(expr, " REMOVE "); i >= 0 {
		expr, removePart = expr[:i], expr[i+len(" REMOVE "):]
	}
	for _, assignment := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		lhs, rhs, found := strings.Cut(assignment, "=")
		if !found {
			return nil, errors.New("unsupported update expression: " + *params.UpdateExpression)
		}
		name := params.ExpressionAttributeNames[strings.TrimSpace(lhs)]
		item[name] = params.ExpressionAttributeValues[strings.TrimSpace(rhs)]
	}
	if removePart != "" {
		for _, n := range strings.Split(removePart, ",") {
			delete(item, params.ExpressionAttributeNames[strings.TrimSpace(n)])
		}
	}
	m.table[k] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *simpleMock) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if m.err != nil {
		return nil, m.err
	}
	k, err := m.pk(params.Key)
	if err != nil {
		return nil, err
	}
	delete(m.table, k)
	return &dyn.DeleteItemOutput{}, nil
}
