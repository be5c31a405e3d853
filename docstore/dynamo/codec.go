package dynamo

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/personstore/docstore"
)

func marshalValue(v any) (types.AttributeValue, error) {
	return attributevalue.Marshal(docstore.Normalize(v))
}

// marshalFields encodes user fields, dropping managed attributes.
func marshalFields(fields docstore.Fields) (map[string]types.AttributeValue, error) {
	user := make(map[string]any, len(fields))
	for k, v := range fields {
		if isManaged(k) {
			continue
		}
		user[k] = docstore.Normalize(v)
	}
	return attributevalue.MarshalMap(user)
}

// unmarshalDocument converts a DynamoDB item to a Document.
func unmarshalDocument(raw map[string]types.AttributeValue) docstore.Document {
	doc := docstore.Document{Fields: docstore.Fields{}}

	if v, ok := raw[attrID].(*types.AttributeValueMemberS); ok {
		doc.ID = v.Value
	}
	if v, ok := raw[attrVersion].(*types.AttributeValueMemberN); ok {
		doc.Version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	for k, v := range raw {
		if isManaged(k) {
			continue
		}
		doc.Fields[k] = decodeValue(v)
	}
	return doc
}

// decodeValue maps an attribute value onto the docstore value kinds.
// Numbers become int64 when integral, float64 otherwise.
func decodeValue(av types.AttributeValue) any {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(v.Value, 64); err == nil {
			return f
		}
		return v.Value
	case *types.AttributeValueMemberBOOL:
		return v.Value
	case *types.AttributeValueMemberNULL:
		return nil
	case *types.AttributeValueMemberB:
		return v.Value
	case *types.AttributeValueMemberL:
		out := make([]any, 0, len(v.Value))
		for _, e := range v.Value {
			out = append(out, decodeValue(e))
		}
		return out
	case *types.AttributeValueMemberM:
		out := make(map[string]any, len(v.Value))
		for k, e := range v.Value {
			out[k] = decodeValue(e)
		}
		return out
	case *types.AttributeValueMemberSS:
		return v.Value
	}
	return nil
}
