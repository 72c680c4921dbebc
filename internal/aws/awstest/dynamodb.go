// Package awstest provides in-memory fakes of the AWS clients in internal/aws for tests.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB is an in-memory aws.DynamoDBAPI over single-attribute-key tables.
//
// It understands "attribute_not_exists(<key>)" and "#n = :v" conditions, and update
// expressions made of "SET #n = :v" and "#n = if_not_exists(#n, :zero) + :inc" clauses.
type DynamoDB struct {
	mu      sync.Mutex
	keyAttr string
	Tables  map[string]map[string]map[string]types.AttributeValue

	// Err, when set, is returned by every call.
	Err error
}

// NewDynamoDB returns an empty fake whose tables are keyed by keyAttr.
func NewDynamoDB(keyAttr string) *DynamoDB {
	return &DynamoDB{
		keyAttr: keyAttr,
		Tables:  map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (d *DynamoDB) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := d.Tables[name]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		d.Tables[name] = t
	}
	return t
}

func (d *DynamoDB) pk(attrs map[string]types.AttributeValue) (string, error) {
	v, ok := attrs[d.keyAttr].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("missing key attribute %s", d.keyAttr)
	}
	return v.Value, nil
}

// PutItem implements aws.DynamoDBAPI.
func (d *DynamoDB) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	k, err := d.pk(params.Item)
	if err != nil {
		return nil, err
	}
	t := d.table(*params.TableName)
	if params.ConditionExpression != nil {
		if *params.ConditionExpression != "attribute_not_exists("+d.keyAttr+")" {
			return nil, errors.New("unsupported condition: " + *params.ConditionExpression)
		}
		if _, exists := t[k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	t[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

// GetItem implements aws.DynamoDBAPI.
func (d *DynamoDB) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	k, err := d.pk(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := d.table(*params.TableName)[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

// UpdateItem implements aws.DynamoDBAPI. Like DynamoDB, it creates a missing item unless a
// condition rejects it.
func (d *DynamoDB) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	k, err := d.pk(params.Key)
	if err != nil {
		return nil, err
	}
	t := d.table(*params.TableName)
	item, exists := t[k]
	if !exists {
		item = copyItem(params.Key)
	} else {
		item = copyItem(item)
	}

	if params.ConditionExpression != nil {
		lhs, rhs, ok := strings.Cut(*params.ConditionExpression, "=")
		if !ok {
			return nil, errors.New("unsupported condition: " + *params.ConditionExpression)
		}
		name := params.ExpressionAttributeNames[strings.TrimSpace(lhs)]
		want, _ := params.ExpressionAttributeValues[strings.TrimSpace(rhs)].(*types.AttributeValueMemberS)
		got, _ := item[name].(*types.AttributeValueMemberS)
		if !exists || got == nil || want == nil || got.Value != want.Value {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}

	updated := map[string]types.AttributeValue{}
	for _, clause := range splitClauses(strings.TrimPrefix(*params.UpdateExpression, "SET ")) {
		lhs, rhs, ok := strings.Cut(clause, " = ")
		if !ok {
			return nil, errors.New("unsupported update: " + *params.UpdateExpression)
		}
		name := params.ExpressionAttributeNames[lhs]
		v, err := evalUpdate(rhs, item, params)
		if err != nil {
			return nil, err
		}
		item[name] = v
		updated[name] = v
	}
	t[k] = item

	out := &dyn.UpdateItemOutput{}
	if params.ReturnValues == types.ReturnValueUpdatedNew {
		out.Attributes = updated
	}
	return out, nil
}

// evalUpdate handles ":v" and "if_not_exists(#n, :zero) + :inc".
func evalUpdate(rhs string, item map[string]types.AttributeValue, params *dyn.UpdateItemInput) (types.AttributeValue, error) {
	if strings.HasPrefix(rhs, ":") {
		return params.ExpressionAttributeValues[rhs], nil
	}
	var nameRef, zeroRef, incRef string
	if _, err := fmt.Sscanf(strings.NewReplacer("(", " ", ")", " ", ",", " ", "+", " ").Replace(rhs),
		"if_not_exists %s %s %s", &nameRef, &zeroRef, &incRef); err != nil {
		return nil, errors.New("unsupported update value: " + rhs)
	}
	base := number(params.ExpressionAttributeValues[zeroRef])
	if cur, ok := item[params.ExpressionAttributeNames[nameRef]]; ok {
		base = number(cur)
	}
	sum := base + number(params.ExpressionAttributeValues[incRef])
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(sum, 10)}, nil
}

// splitClauses splits on top-level commas.
func splitClauses(expr string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(expr[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(expr[start:]))
}

// DeleteItem implements aws.DynamoDBAPI.
func (d *DynamoDB) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	k, err := d.pk(params.Key)
	if err != nil {
		return nil, err
	}
	delete(d.table(*params.TableName), k)
	return &dyn.DeleteItemOutput{}, nil
}

// Item returns a copy of a stored item, or nil.
func (d *DynamoDB) Item(table, key string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.table(table)[key]
	if !ok {
		return nil
	}
	return copyItem(item)
}

func number(v types.AttributeValue) int64 {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	i, _ := strconv.ParseInt(n.Value, 10, 64)
	return i
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
