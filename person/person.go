package person

import (
	"fmt"

	"github.com/jacentio/personstore/docstore"
)

// Field names as stored in the collection.
const (
	FieldNickname = "nickname"
	FieldStatus   = "status"
	FieldAge      = "age"
)

// DefaultCollection is the collection persons live in.
const DefaultCollection = "persons"

// Person is the user-visible part of a record.
type Person struct {
	Nickname string `json:"nickname"`
	Status   string `json:"status"`
	Age      int    `json:"age"`
}

// String renders p the way the person list displays it.
func (p Person) String() string {
	return fmt.Sprintf("Person(nickname=%s, status=%s, age=%d)", p.Nickname, p.Status, p.Age)
}

// Validate checks p can be stored or used as a match key.
func (p Person) Validate() error {
	if p.Nickname == "" {
		return &ValidationError{Field: FieldNickname, Reason: "must not be empty"}
	}
	if p.Age < 0 {
		return &ValidationError{Field: FieldAge, Value: fmt.Sprint(p.Age), Reason: "must not be negative"}
	}
	return nil
}

func (p Person) fields() docstore.Fields {
	return docstore.Fields{
		FieldNickname: p.Nickname,
		FieldStatus:   p.Status,
		FieldAge:      int64(p.Age),
	}
}

// matchQuery selects every record equal to p on all three fields.
func (p Person) matchQuery() docstore.Query {
	return docstore.Query{Where: []docstore.Predicate{
		docstore.Equal(FieldNickname, p.Nickname),
		docstore.Equal(FieldStatus, p.Status),
		docstore.Equal(FieldAge, p.Age),
	}}
}

// Record is a stored person with its store-assigned id.
type Record struct {
	ID string `json:"id"`
	Person
}

// recordFromDocument decodes a stored document. Fields of the wrong type
// decode as their zero value.
func recordFromDocument(doc docstore.Document) Record {
	r := Record{ID: doc.ID}
	if v, ok := doc.Fields[FieldNickname].(string); ok {
		r.Nickname = v
	}
	if v, ok := doc.Fields[FieldStatus].(string); ok {
		r.Status = v
	}
	if v, ok := docstore.Int64(doc.Fields[FieldAge]); ok {
		r.Age = int(v)
	}
	return r
}
