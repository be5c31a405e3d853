package dynamo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/personstore/docstore"
)

// Managed attributes. They never appear in Document.Fields and can't be
// written by callers.
const (
	attrID        = "id"
	attrVersion   = "version"
	attrCreatedAt = "created_at"
	attrUpdatedAt = "updated_at"
)

func isManaged(name string) bool {
	switch name {
	case attrID, attrVersion, attrCreatedAt, attrUpdatedAt:
		return true
	}
	return false
}

// exprBuilder allocates placeholder names and values for one expression set.
type exprBuilder struct {
	names  map[string]string
	values map[string]types.AttributeValue
	n      int
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		names:  map[string]string{},
		values: map[string]types.AttributeValue{},
	}
}

func (b *exprBuilder) name(attr string) string {
	key := fmt.Sprintf("#attr%d", b.n)
	b.names[key] = attr
	return key
}

func (b *exprBuilder) value(v types.AttributeValue) string {
	key := fmt.Sprintf(":val%d", b.n)
	b.values[key] = v
	b.n++
	return key
}

// filterExpression renders predicates as a conjunctive FilterExpression.
func filterExpression(where []docstore.Predicate) (string, map[string]string, map[string]types.AttributeValue, error) {
	b := newExprBuilder()
	clauses := make([]string, 0, len(where))
	for _, p := range where {
		av, err := marshalValue(p.Value)
		if err != nil {
			return "", nil, nil, fmt.Errorf("marshal %s: %w", p.Field, err)
		}
		var op string
		switch p.Op {
		case docstore.OpEqual:
			op = "="
		case docstore.OpGreaterThan:
			op = ">"
		case docstore.OpLessThan:
			op = "<"
		default:
			return "", nil, nil, docstore.ErrUnsupportedOp
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", b.name(p.Field), op, b.value(av)))
	}
	return strings.Join(clauses, " AND "), b.names, b.values, nil
}

// setExpression renders a merge of fields plus the managed version bump and
// timestamp. Managed attributes in fields are ignored.
func setExpression(fields docstore.Fields, now string) (string, map[string]string, map[string]types.AttributeValue, error) {
	b := newExprBuilder()
	var clauses []string
	for k, v := range fields {
		if isManaged(k) {
			continue
		}
		av, err := marshalValue(v)
		if err != nil {
			return "", nil, nil, fmt.Errorf("marshal %s: %w", k, err)
		}
		clauses = append(clauses, fmt.Sprintf("%s = %s", b.name(k), b.value(av)))
	}

	b.names["#updated_at"] = attrUpdatedAt
	b.names["#version"] = attrVersion
	b.values[":updated_at"] = &types.AttributeValueMemberS{Value: now}
	b.values[":one"] = &types.AttributeValueMemberN{Value: "1"}
	clauses = append(clauses, "#updated_at = :updated_at", "#version = #version + :one")

	return "SET " + strings.Join(clauses, ", "), b.names, b.values, nil
}

// versionCondition requires the stored version to equal expected.
func versionCondition(expected int64) (string, map[string]string, map[string]types.AttributeValue) {
	return "#version = :expected_version",
		map[string]string{"#version": attrVersion},
		map[string]types.AttributeValue{
			":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		}
}

// mergeExprNames merges multiple expression attribute name maps.
func mergeExprNames(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// mergeExprValues merges multiple expression attribute value maps.
func mergeExprValues(maps ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
