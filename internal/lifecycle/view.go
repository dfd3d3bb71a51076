package lifecycle

import (
	"ariex/internal/domain"
)

// View is the per-read projection of an agreement. It is recomputed from
// the fetched snapshot and never stored.
type View struct {
	Status                    Status `json:"status"`
	Step                      int    `json:"step"`
	Draft                     bool   `json:"draft"`
	AwaitingSignature         bool   `json:"awaiting_signature"`
	AwaitingPayment           bool   `json:"awaiting_payment"`
	PaymentReceived           bool   `json:"payment_received"`
	DocumentRequests          int    `json:"document_requests"`
	DocumentsUploaded         int    `json:"documents_uploaded"`
	DocumentsAccepted         int    `json:"documents_accepted"`
	DocumentsRejected         int    `json:"documents_rejected"`
	DocumentsAwaitingReview   int    `json:"documents_awaiting_review"`
	HasAllDocumentsAccepted   bool   `json:"has_all_documents_accepted"`
	CanAdvanceToStrategy      bool   `json:"can_advance_to_strategy"`
	AwaitingStrategy          bool   `json:"awaiting_strategy"`
	AwaitingStrategySignature bool   `json:"awaiting_strategy_signature"`
	StrategySigned            bool   `json:"strategy_signed"`
	CanFinish                 bool   `json:"can_finish"`
	ContractSigned            bool   `json:"contract_signed"`
	SignTodoCompleted         bool   `json:"sign_todo_completed"`
	PayTodoCompleted          bool   `json:"pay_todo_completed"`
	ChargeStatus              string `json:"charge_status,omitempty"`
	PaymentLink               string `json:"payment_link,omitempty"`
	Completed                 bool   `json:"completed"`
	Cancelled                 bool   `json:"cancelled"`
}

// AttachDocuments annotates todos with the document that back-references
// them through todo_id. The backend stores the link on the document only,
// so the join happens here.
func AttachDocuments(todos []domain.Todo, documents []domain.Document) []domain.Todo {
	byTodo := make(map[string]*domain.Document, len(documents))
	for i := range documents {
		d := &documents[i]
		if d.TodoID == nil || *d.TodoID == "" {
			continue
		}
		if prev, ok := byTodo[*d.TodoID]; ok && prev.UpdatedAt > d.UpdatedAt {
			continue
		}
		byTodo[*d.TodoID] = d
	}
	out := make([]domain.Todo, len(todos))
	for i, t := range todos {
		if d, ok := byTodo[t.ID]; ok {
			doc := *d
			t.Document = &doc
		}
		out[i] = t
	}
	return out
}

// DocumentRequests returns the todos that gate the strategy step: everything
// that is neither the signing nor the payment placeholder, minus cancelled.
func DocumentRequests(todos []domain.Todo) []domain.Todo {
	var out []domain.Todo
	for _, t := range todos {
		if t.Kind == domain.TodoKindSign || t.Kind == domain.TodoKindPay {
			continue
		}
		if t.Status == domain.TodoCancelled {
			continue
		}
		out = append(out, t)
	}
	return out
}

// AllDocumentsAccepted is the document gate. An empty request set is never
// accepted. Todos must already carry their joined document.
func AllDocumentsAccepted(todos []domain.Todo) bool {
	requests := DocumentRequests(todos)
	if len(requests) == 0 {
		return false
	}
	for _, t := range requests {
		if !accepted(t.Document) {
			return false
		}
	}
	return true
}

func accepted(d *domain.Document) bool {
	return d != nil &&
		d.UploadStatus == domain.UploadDone &&
		d.AcceptanceStatus != nil &&
		*d.AcceptanceStatus == domain.AcceptedByStrategist
}

// DeriveView computes the lifecycle view from an agreement and its related
// collections. Todos may be passed unjoined; documents are attached here.
func DeriveView(a domain.Agreement, todos []domain.Todo, documents []domain.Document, charges []domain.Charge) View {
	status, err := Parse(a.Status)
	if err != nil {
		status = Status(a.Status)
	}
	joined := AttachDocuments(todos, documents)
	v := View{
		Status:    status,
		Step:      status.Rank(),
		Draft:     status == Draft,
		Completed: status == Completed,
		Cancelled: status == Cancelled,
	}
	v.AwaitingSignature = status == PendingSignature
	v.AwaitingPayment = status == PendingPayment
	// Payment is read from the agreement status only; the charge row is advisory.
	v.PaymentReceived = status.AtLeast(PendingTodosCompletion)
	v.AwaitingStrategy = status == PendingStrategy
	v.AwaitingStrategySignature = status == PendingStrategyReview

	for _, t := range joined {
		switch t.Kind {
		case domain.TodoKindSign:
			if t.Status == domain.TodoCompleted {
				v.SignTodoCompleted = true
			}
		case domain.TodoKindPay:
			if t.Status == domain.TodoCompleted {
				v.PayTodoCompleted = true
			}
		}
	}
	for _, t := range DocumentRequests(joined) {
		v.DocumentRequests++
		d := t.Document
		if d == nil || d.UploadStatus != domain.UploadDone {
			continue
		}
		v.DocumentsUploaded++
		if d.AcceptanceStatus == nil {
			continue
		}
		switch *d.AcceptanceStatus {
		case domain.AcceptedByStrategist:
			v.DocumentsAccepted++
		case domain.RejectedByStrategist:
			v.DocumentsRejected++
		case domain.AcceptanceRequestStrategist:
			v.DocumentsAwaitingReview++
		}
	}
	v.HasAllDocumentsAccepted = AllDocumentsAccepted(joined)
	v.CanAdvanceToStrategy = status == PendingTodosCompletion && v.HasAllDocumentsAccepted

	for _, d := range documents {
		switch d.Kind {
		case domain.DocumentKindContract:
			if d.Signed {
				v.ContractSigned = true
			}
		case domain.DocumentKindStrategy:
			if d.Signed {
				v.StrategySigned = true
			}
		}
	}
	v.CanFinish = status == PendingStrategyReview

	for _, c := range charges {
		if c.AgreementID != a.ID {
			continue
		}
		v.ChargeStatus = c.Status
		if c.PaymentLink != nil {
			v.PaymentLink = *c.PaymentLink
		}
	}
	return v
}
