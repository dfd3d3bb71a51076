package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"ariex/internal/domain"
	"ariex/internal/engine/auth"
	"ariex/internal/events"
	"ariex/internal/repo"
)

// TodoCreateOptions describes a document request.
type TodoCreateOptions struct {
	AgreementID string
	ListID      string
	Title       string
	Description string
	Kind        string
}

func (e Engine) CreateTodo(ctx context.Context, opts TodoCreateOptions, actor auth.Principal) (domain.Todo, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Todo{}, invalid("title", "title is required")
	}
	kind := opts.Kind
	if kind == "" {
		kind = domain.TodoKindDocument
	}
	switch kind {
	case domain.TodoKindDocument, domain.TodoKindSign, domain.TodoKindPay:
	default:
		return domain.Todo{}, invalid("kind", "unknown todo kind %q", kind)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Todo{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgreement(ctx, tx, opts.AgreementID)
	if err != nil {
		return domain.Todo{}, err
	}
	if err := auth.RequireAccess(actor, a); err != nil {
		return domain.Todo{}, err
	}
	if domainStatus(a).Terminal() {
		return domain.Todo{}, gateError("agreement_open", "agreement is %s", a.Status)
	}
	var list domain.TodoList
	if opts.ListID != "" {
		lists, err := e.Repo.ListTodoLists(ctx, tx, a.ID)
		if err != nil {
			return domain.Todo{}, err
		}
		for _, l := range lists {
			if l.ID == opts.ListID {
				list = l
			}
		}
		if list.ID == "" {
			return domain.Todo{}, repo.ErrNotFound
		}
	} else if list, err = e.Repo.DefaultTodoList(ctx, tx, a.ID); err != nil {
		return domain.Todo{}, err
	}
	pos, err := e.Repo.NextTodoPosition(ctx, tx, list.ID)
	if err != nil {
		return domain.Todo{}, err
	}
	now := e.nowString()
	t := domain.Todo{
		ID:          uuid.NewString(),
		TodoListID:  list.ID,
		AgreementID: a.ID,
		Title:       title,
		Description: strings.TrimSpace(opts.Description),
		Kind:        kind,
		Status:      domain.TodoPending,
		Position:    pos,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTodo(ctx, tx, t); err != nil {
		return domain.Todo{}, err
	}
	if err := e.Events.Append(ctx, tx, "todo.created", a.ID, "todo", t.ID, actor.ActorID, events.EventPayload{"kind": kind, "title": title}); err != nil {
		return domain.Todo{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Todo{}, err
	}
	return t, nil
}

// DeleteTodo removes a document request that has nothing uploaded against it.
func (e Engine) DeleteTodo(ctx context.Context, id string, actor auth.Principal) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, a, err := e.todoWithAgreement(ctx, tx, id, actor)
	if err != nil {
		return err
	}
	if t.Kind != domain.TodoKindDocument {
		return gateError("todo_kind", "only document requests can be deleted")
	}
	doc, err := e.Repo.DocumentForTodo(ctx, tx, t.ID)
	switch {
	case err == nil && (doc.UploadStatus == domain.UploadDone || doc.UploadStatus == domain.UploadWaiting):
		return gateError("todo_has_upload", "todo %s has an uploaded document", t.ID)
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return err
	}
	if err := e.Repo.DeleteTodo(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "todo.deleted", a.ID, "todo", t.ID, actor.ActorID, events.EventPayload{"title": t.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelTodo takes a request out of the document gate without deleting it.
func (e Engine) CancelTodo(ctx context.Context, id string, actor auth.Principal) (domain.Todo, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Todo{}, err
	}
	defer tx.Rollback()
	t, _, err := e.todoWithAgreement(ctx, tx, id, actor)
	if err != nil {
		return t, err
	}
	if t.Status == domain.TodoCompleted {
		return t, gateError("todo_open", "todo %s is already completed", t.ID)
	}
	if err := e.setTodoStatus(ctx, tx, t, domain.TodoCancelled, actor); err != nil {
		return t, err
	}
	t.Status = domain.TodoCancelled
	return t, tx.Commit()
}

func (e Engine) todoWithAgreement(ctx context.Context, tx *sql.Tx, id string, actor auth.Principal) (domain.Todo, domain.Agreement, error) {
	t, err := e.Repo.GetTodo(ctx, tx, id)
	if err != nil {
		return t, domain.Agreement{}, err
	}
	a, err := e.Repo.GetAgreement(ctx, tx, t.AgreementID)
	if err != nil {
		return t, a, err
	}
	return t, a, auth.RequireAccess(actor, a)
}

func (e Engine) setTodoStatus(ctx context.Context, tx *sql.Tx, t domain.Todo, status string, actor auth.Principal) error {
	if t.Status == status {
		return nil
	}
	if err := e.Repo.UpdateTodoStatus(ctx, tx, t.ID, status, e.nowString()); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "todo.status_changed", t.AgreementID, "todo", t.ID, actor.ActorID, events.EventPayload{
		"from": t.Status,
		"to":   status,
	})
}
