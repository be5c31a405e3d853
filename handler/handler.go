// Package handler turns text-field requests into person store operations
// and renders their outcome as user messages.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jacentio/personstore/person"
)

// Operations accepted in Request.Op.
const (
	OpCreate   = "create"
	OpQuery    = "query"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpRename   = "rename"
	OpBirthday = "birthday"
)

// User messages.
const (
	MsgSaved   = "Successfully saved data."
	MsgUpdated = "Updated successfully"
	MsgDeleted = "Deleted successfully"
	MsgNoMatch = "No person matched the query"
	MsgRenamed = "Renamed successfully"
	MsgAged    = "Happy birthday"
)

// ErrUnknownOp is returned for a request naming no known operation.
var ErrUnknownOp = errors.New("handler: unknown operation")

// Request carries the raw text inputs of one operation. Nickname, Status
// and Age describe the person to create or the match key to look up;
// the New* fields are the replacement values, blank meaning unchanged.
type Request struct {
	Op          string `json:"op"`
	ID          string `json:"id,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	Status      string `json:"status,omitempty"`
	Age         string `json:"age,omitempty"`
	NewNickname string `json:"newNickname,omitempty"`
	NewStatus   string `json:"newStatus,omitempty"`
	NewAge      string `json:"newAge,omitempty"`
	FromAge     string `json:"fromAge,omitempty"`
	ToAge       string `json:"toAge,omitempty"`
}

// Response reports the result of one request. Messages holds one line per
// affected record for update and delete.
type Response struct {
	OK       bool            `json:"ok"`
	Message  string          `json:"message"`
	ID       string          `json:"id,omitempty"`
	Messages []string        `json:"messages,omitempty"`
	Persons  []person.Record `json:"persons,omitempty"`
	Text     string          `json:"text,omitempty"`
}

// Handler dispatches requests to a person store.
type Handler struct {
	store  *person.Store
	logger *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(s *person.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:  s,
		logger: logger,
	}
}

// Handle runs one request. Failures of the operation itself are reported in
// the response; the returned error is reserved for malformed requests.
func (h *Handler) Handle(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	var resp Response
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Op)) {
	case OpCreate:
		resp, err = h.create(ctx, req)
	case OpQuery:
		resp, err = h.query(ctx, req)
	case OpUpdate:
		resp, err = h.update(ctx, req)
	case OpDelete:
		resp, err = h.delete(ctx, req)
	case OpRename:
		resp, err = h.rename(ctx, req)
	case OpBirthday:
		resp, err = h.birthday(ctx, req)
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownOp, req.Op)
		h.logger.Warn("unknown operation", zap.String("op", req.Op))
		return failure(err), err
	}

	if err != nil {
		resp = failure(err)
		h.logger.Warn("request failed",
			zap.String("op", req.Op),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return resp, nil
	}

	h.logger.Info("request handled",
		zap.String("op", req.Op),
		zap.Bool("ok", resp.OK),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

func failure(err error) Response {
	return Response{Message: err.Error()}
}

func (h *Handler) create(ctx context.Context, req Request) (Response, error) {
	p, err := person.PersonFromInput(req.Nickname, req.Status, req.Age)
	if err != nil {
		return Response{}, err
	}
	id, err := h.store.Create(ctx, p)
	if err != nil {
		return Response{}, err
	}
	return Response{OK: true, Message: MsgSaved, ID: id}, nil
}

func (h *Handler) query(ctx context.Context, req Request) (Response, error) {
	from, err := person.ParseBound(req.FromAge)
	if err != nil {
		return Response{}, err
	}
	to, err := person.ParseBound(req.ToAge)
	if err != nil {
		return Response{}, err
	}
	records, err := h.store.QueryByAgeRange(ctx, from, to)
	if err != nil {
		return Response{}, err
	}
	return Response{
		OK:      true,
		Message: fmt.Sprintf("%d persons", len(records)),
		Persons: records,
		Text:    render(records),
	}, nil
}

// render lists records one per line.
func render(records []person.Record) string {
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(r.Person.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (h *Handler) update(ctx context.Context, req Request) (Response, error) {
	match, err := person.PersonFromInput(req.Nickname, req.Status, req.Age)
	if err != nil {
		return Response{}, err
	}
	patch, err := person.PatchFromInput(req.NewNickname, req.NewStatus, req.NewAge)
	if err != nil {
		return Response{}, err
	}
	outcome, err := h.store.Update(ctx, match, patch)
	if err != nil {
		return Response{}, err
	}
	return outcomeResponse(outcome, MsgUpdated), nil
}

func (h *Handler) delete(ctx context.Context, req Request) (Response, error) {
	match, err := person.PersonFromInput(req.Nickname, req.Status, req.Age)
	if err != nil {
		return Response{}, err
	}
	outcome, err := h.store.Delete(ctx, match)
	if err != nil {
		return Response{}, err
	}
	return outcomeResponse(outcome, MsgDeleted), nil
}

// outcomeResponse renders one message per record, success or error text.
func outcomeResponse(o *person.Outcome, success string) Response {
	if o.Status == person.NoMatch {
		return Response{Message: MsgNoMatch}
	}
	resp := Response{OK: o.Status == person.Success, Messages: make([]string, 0, len(o.Results))}
	for _, r := range o.Results {
		if r.Err != nil {
			resp.Messages = append(resp.Messages, r.Err.Error())
			continue
		}
		resp.Messages = append(resp.Messages, success)
	}
	switch o.Status {
	case person.Success:
		resp.Message = success
	case person.Failed:
		resp.Message = o.Err().Error()
	default:
		resp.Message = o.String()
	}
	return resp
}

func (h *Handler) rename(ctx context.Context, req Request) (Response, error) {
	if err := h.store.Rename(ctx, req.ID, req.NewNickname, req.NewStatus); err != nil {
		return Response{}, err
	}
	return Response{OK: true, Message: MsgRenamed, ID: req.ID}, nil
}

func (h *Handler) birthday(ctx context.Context, req Request) (Response, error) {
	if err := h.store.IncrementAge(ctx, req.ID); err != nil {
		return Response{}, err
	}
	return Response{OK: true, Message: MsgAged, ID: req.ID}, nil
}
