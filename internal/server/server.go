package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"ariex/internal/domain"
	"ariex/internal/engine"
	"ariex/internal/engine/auth"
	"ariex/internal/esign"
	"ariex/internal/lifecycle"
	"ariex/internal/payments"
	"ariex/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid agreement transition DRAFT -> PENDING_PAYMENT"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"DRAFT\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func reply[T any](v T) (*output[T], error) {
	return &output[T]{Body: v}, nil
}

// New returns an HTTP handler exposing the ariex API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Engine.Log
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures are caller errors.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("ariex API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerIngress(router, basePath, cfg.Engine, cfg.Logger)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerUsers(group, cfg.Engine)
	registerAgreements(group, cfg.Engine)
	registerSignatures(group, cfg.Engine)
	registerTodos(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerStrategy(group, cfg.Engine)
	registerCharges(group, cfg.Engine)
	registerCompliance(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var np auth.NotPartyError
	if errors.As(err, &np) {
		return newAPIError(http.StatusForbidden, "not_a_party", err.Error(), map[string]any{"agreement_id": np.AgreementID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var te *lifecycle.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", te.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ge *engine.GateError
	if errors.As(err, &ge) {
		details := map[string]any{"gate": ge.Gate}
		for k, v := range ge.Details {
			details[k] = v
		}
		return newAPIError(http.StatusUnprocessableEntity, "gate_failed", ge.Error(), details)
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), map[string]any{"field": ve.Field})
	}
	details := map[string]any{}
	var we *engine.WorkflowError
	if errors.As(err, &we) {
		details["run_id"] = we.RunID
		details["step"] = we.Step
	}
	var ee *esign.APIError
	var pe *payments.APIError
	if errors.As(err, &ee) || errors.As(err, &pe) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), details)
	}
	details["error"] = err.Error()
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "gate_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission resolves the caller and checks its role grants perm.
func requirePermission(ctx context.Context, e engine.Engine, perm string) (auth.Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return principal, authErr
	}
	if err := e.Auth.Require(principal, perm); err != nil {
		return principal, err
	}
	return principal, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["cookieAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "cookie",
		Name: CookieAccessToken,
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"cookieAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>ariex API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;, the %s cookie, or X-Api-Key.
    </p>
  </body>
</html>`, specURL, CookieAccessToken)
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"})
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := WhoAmIResponse{
			ActorID:     principal.ActorID,
			Role:        principal.Role,
			SessionID:   principal.SessionID,
			Source:      principal.Source,
			Permissions: nonNilSlice(e.Auth.Permissions(principal.Role)),
		}
		if u, err := e.GetUser(ctx, principal.ActorID); err == nil {
			resp.User = &u
		}
		return reply(resp)
	})

	huma.Register(api, huma.Operation{
		OperationID: "me-reconcile",
		Method:      http.MethodPost,
		Path:        "/me/reconcile",
		Summary:     "Reconcile pending signatures once per session",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[engine.SessionReconcileResult], error) {
		principal, err := requirePermission(ctx, e, "agreement.reconcile")
		if err != nil {
			return nil, handleError(err)
		}
		if principal.SessionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "credentials carry no session", nil)
		}
		res, err := e.ReconcileSession(ctx, principal.SessionID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	if !authCfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: open a session for an existing user",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		SetCookie []http.Cookie `header:"Set-Cookie"`
		Body      DevLoginResponse
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if email := strings.ToLower(strings.TrimSpace(input.Body.Email)); userID == "" && email != "" {
			u, err := e.Repo.GetUserByEmail(ctx, email)
			if err != nil {
				return nil, handleError(err)
			}
			userID = u.ID
		}
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id or email is required", nil)
		}
		session, u, err := e.StartSession(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		token, exp, err := signToken(authCfg.JWTSecret, u, session.ID, e.Now(), authCfg.tokenTTL())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		authCfg.logger().Warn("dev login issued", "user_id", u.ID, "session_id", session.ID)
		cookie := func(name, value string, httpOnly bool) http.Cookie {
			return http.Cookie{Name: name, Value: value, Path: "/", Expires: exp, HttpOnly: httpOnly, SameSite: http.SameSiteLaxMode}
		}
		return &struct {
			SetCookie []http.Cookie `header:"Set-Cookie"`
			Body      DevLoginResponse
		}{
			SetCookie: []http.Cookie{
				cookie(CookieAccessToken, token, true),
				cookie(CookieUserID, u.ID, false),
				cookie(CookieUserRole, u.Role, false),
			},
			Body: DevLoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339), SessionID: session.ID, User: u},
		}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*output[domain.User], error) {
		principal, err := requirePermission(ctx, e, "user.create")
		if err != nil {
			return nil, handleError(err)
		}
		u, err := e.CreateUser(ctx, engine.UserCreateOptions{
			ID:    input.Body.ID,
			Email: input.Body.Email,
			Name:  input.Body.Name,
			Role:  input.Body.Role,
		}, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*output[[]domain.User], error) {
		if _, err := requirePermission(ctx, e, "user.read"); err != nil {
			return nil, handleError(err)
		}
		users, err := e.ListUsers(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(users))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Get user",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*output[domain.User], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.ActorID != input.UserID {
			if err := e.Auth.Require(principal, "user.read"); err != nil {
				return nil, handleError(err)
			}
		}
		u, err := e.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u)
	})
}

type agreementPath struct {
	AgreementID string `path:"agreement_id"`
}

func registerAgreements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agreement",
		Method:        http.MethodPost,
		Path:          "/agreements",
		Summary:       "Create agreement",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAgreementRequest `json:"body"`
	}) (*output[domain.Agreement], error) {
		principal, err := requirePermission(ctx, e, "agreement.create")
		if err != nil {
			return nil, handleError(err)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(input.Body.Price))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "price must be a decimal", map[string]any{"field": "price"})
		}
		a, err := e.CreateAgreement(ctx, engine.AgreementCreateOptions{
			ClientID:     input.Body.ClientID,
			StrategistID: input.Body.StrategistID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			Price:        price,
			Currency:     input.Body.Currency,
			DualSigning:  input.Body.DualSigning,
		}, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agreements",
		Method:      http.MethodGet,
		Path:        "/agreements",
		Summary:     "List agreements visible to the caller",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status   []string `query:"status"`
		ClientID string   `query:"client_id"`
		Limit    int      `query:"limit" default:"50"`
		Cursor   string   `query:"cursor"`
	}) (*output[paginatedAgreements], error) {
		principal, err := requirePermission(ctx, e, "agreement.read")
		if err != nil {
			return nil, handleError(err)
		}
		createdAt, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListAgreements(ctx, engine.AgreementListOptions{
			Statuses:        input.Status,
			ClientID:        input.ClientID,
			Limit:           limit + 1,
			CursorCreatedAt: createdAt,
			CursorID:        id,
		}, principal)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAgreements{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return reply(resp)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}",
		Summary:     "Agreement with todos, documents, charge and derived view",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *agreementPath) (*output[engine.AgreementDetail], error) {
		principal, err := requirePermission(ctx, e, "agreement.read")
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.GetAgreement(ctx, input.AgreementID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agreement",
		Method:      http.MethodPatch,
		Path:        "/agreements/{agreement_id}",
		Summary:     "Update title, description or price",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AgreementID string                 `path:"agreement_id"`
		Body        UpdateAgreementRequest `json:"body"`
	}) (*output[domain.Agreement], error) {
		principal, err := requirePermission(ctx, e, "agreement.update")
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.AgreementUpdateOptions{ID: input.AgreementID, Title: input.Body.Title, Description: input.Body.Description}
		if input.Body.Price != nil {
			price, err := decimal.NewFromString(strings.TrimSpace(*input.Body.Price))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "price must be a decimal", map[string]any{"field": "price"})
			}
			opts.Price = &price
		}
		a, err := e.UpdateAgreement(ctx, opts, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/export",
		Summary:     "Agreement with metadata folded into the description",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *agreementPath) (*output[domain.Agreement], error) {
		principal, err := requirePermission(ctx, e, "agreement.read")
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.ExportAgreement(ctx, input.AgreementID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/send",
		Summary:     "Generate the contract, create the envelope and await signature",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *agreementPath) (*output[engine.SendResult], error) {
		principal, err := requirePermission(ctx, e, "agreement.send")
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.SendAgreement(ctx, input.AgreementID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-agreement",
		Method:      http.MethodPatch,
		Path:        "/agreements/{agreement_id}/status",
		Summary:     "Move the agreement along a legal edge",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AgreementID string            `path:"agreement_id"`
		Body        TransitionRequest `json:"body"`
	}) (*output[domain.Agreement], error) {
		principal, err := requirePermission(ctx, e, "agreement.transition")
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.TransitionAgreement(ctx, engine.TransitionOptions{ID: input.AgreementID, To: input.Body.Status, Reason: input.Body.Reason}, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/cancel",
		Summary:     "Cancel agreement",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AgreementID string         `path:"agreement_id"`
		Body        *CancelRequest `json:"body,omitempty" required:"false"`
	}) (*output[domain.Agreement], error) {
		principal, err := requirePermission(ctx, e, "agreement.cancel")
		if err != nil {
			return nil, handleError(err)
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		a, err := e.CancelAgreement(ctx, input.AgreementID, reason, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/advance",
		Summary:     "Advance to strategy once every requested document is accepted",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *agreementPath) (*output[domain.Agreement], error) {
		principal, err := requirePermission(ctx, e, "agreement.transition")
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.AdvanceToStrategy(ctx, input.AgreementID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/finish",
		Summary:     "Complete the agreement after strategy review",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *agreementPath) (*output[domain.Agreement], error) {
		principal, err := requirePermission(ctx, e, "agreement.transition")
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.FinishAgreement(ctx, input.AgreementID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow-run",
		Method:      http.MethodGet,
		Path:        "/workflow-runs/{run_id}",
		Summary:     "Send workflow run with its steps",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*output[domain.WorkflowRun], error) {
		principal, err := requirePermission(ctx, e, "agreement.read")
		if err != nil {
			return nil, handleError(err)
		}
		run, err := e.GetWorkflowRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := e.GetAgreement(ctx, run.AgreementID, principal); err != nil {
			return nil, handleError(err)
		}
		return reply(run)
	})
}

func registerSignatures(api huma.API, e engine.Engine) {
	type ceremonyInput struct {
		AgreementID string `path:"agreement_id"`
		Kind        string `query:"kind" enum:"agreement,strategy" default:"agreement"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-ceremony",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/ceremony",
		Summary:     "Signing URL for the caller",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *ceremonyInput) (*output[engine.CeremonyResult], error) {
		principal, err := requirePermission(ctx, e, "ceremony.read")
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.CeremonyURL(ctx, input.AgreementID, input.Kind, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-signature",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/reconcile-signature",
		Summary:     "Pull envelope status from the signature provider and apply it",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *ceremonyInput) (*output[engine.ReconcileResult], error) {
		principal, err := requirePermission(ctx, e, "agreement.reconcile")
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ReconcileSignature(ctx, input.AgreementID, input.Kind, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})
}

func registerTodos(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-todo",
		Method:        http.MethodPost,
		Path:          "/agreements/{agreement_id}/todos",
		Summary:       "Add a todo, by default a document request",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		AgreementID string            `path:"agreement_id"`
		Body        CreateTodoRequest `json:"body"`
	}) (*output[domain.Todo], error) {
		principal, err := requirePermission(ctx, e, "todo.create")
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTodo(ctx, engine.TodoCreateOptions{
			AgreementID: input.AgreementID,
			ListID:      input.Body.ListID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Kind:        input.Body.Kind,
		}, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-todo",
		Method:      http.MethodDelete,
		Path:        "/todos/{todo_id}",
		Summary:     "Delete a document request without an upload",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TodoID string `path:"todo_id"`
	}) (*output[DeletedResponse], error) {
		principal, err := requirePermission(ctx, e, "todo.delete")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteTodo(ctx, input.TodoID, principal); err != nil {
			return nil, handleError(err)
		}
		return reply(DeletedResponse{ID: input.TodoID, Deleted: true})
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-todo",
		Method:      http.MethodPost,
		Path:        "/todos/{todo_id}/cancel",
		Summary:     "Cancel a todo; cancelled requests leave the document gate",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TodoID string `path:"todo_id"`
	}) (*output[domain.Todo], error) {
		principal, err := requirePermission(ctx, e, "todo.delete")
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CancelTodo(ctx, input.TodoID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "upload-document",
		Method:      http.MethodPost,
		Path:        "/todos/{todo_id}/documents",
		Summary:     "Register an upload for a document request and get a presigned URL",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TodoID string      `path:"todo_id"`
		Body   FileRequest `json:"body"`
	}) (*output[engine.UploadResult], error) {
		principal, err := requirePermission(ctx, e, "document.upload")
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.UploadDocument(ctx, input.TodoID, input.Body.input(), principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})
}

type documentPath struct {
	DocumentID string `path:"document_id"`
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}",
		Summary:     "Document with files and review history",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *documentPath) (*output[engine.DocumentDetail], error) {
		principal, err := requirePermission(ctx, e, "document.read")
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.GetDocument(ctx, input.DocumentID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d)
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-document-upload",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/confirm",
		Summary:     "Confirm the file reached storage and start review",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *documentPath) (*output[domain.Document], error) {
		principal, err := requirePermission(ctx, e, "document.read")
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.ConfirmUpload(ctx, input.DocumentID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d)
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-document-file",
		Method:      http.MethodDelete,
		Path:        "/documents/{document_id}/file",
		Summary:     "Withdraw an upload that is not accepted yet",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *documentPath) (*output[domain.Document], error) {
		principal, err := requirePermission(ctx, e, "document.upload")
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.DeleteDocumentFile(ctx, input.DocumentID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d)
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-document",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/review",
		Summary:     "Accept or reject an uploaded document",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		DocumentID string        `path:"document_id"`
		Body       ReviewRequest `json:"body"`
	}) (*output[domain.Document], error) {
		principal, err := requirePermission(ctx, e, "document.review")
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.ReviewDocument(ctx, engine.ReviewOptions{DocumentID: input.DocumentID, Decision: input.Body.Decision, Reason: input.Body.Reason}, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d)
	})
}

func registerStrategy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upload-strategy-document",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/strategy-document",
		Summary:     "Register the strategy deliverable and get a presigned URL",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AgreementID string      `path:"agreement_id"`
		Body        FileRequest `json:"body"`
	}) (*output[engine.UploadResult], error) {
		principal, err := requirePermission(ctx, e, "strategy.send")
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.UploadStrategyDocument(ctx, input.AgreementID, input.Body.input(), principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-strategy",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/strategy/send",
		Summary:     "Send the strategy for client signature",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *agreementPath) (*output[engine.SendResult], error) {
		principal, err := requirePermission(ctx, e, "strategy.send")
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.SendStrategy(ctx, input.AgreementID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})
}

func registerCharges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-payment",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/charges",
		Summary:     "Create the agreement charge and its first payment link",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *agreementPath) (*output[domain.Charge], error) {
		principal, err := requirePermission(ctx, e, "charge.create")
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.RequestPayment(ctx, input.AgreementID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-charge",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/charge",
		Summary:     "Agreement charge",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *agreementPath) (*output[domain.Charge], error) {
		principal, err := requirePermission(ctx, e, "charge.read")
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.GetCharge(ctx, input.AgreementID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c)
	})

	huma.Register(api, huma.Operation{
		OperationID: "payment-link",
		Method:      http.MethodPost,
		Path:        "/charges/{charge_id}/payment-link",
		Summary:     "Issue a fresh payment link for a pending charge",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ChargeID string `path:"charge_id"`
	}) (*output[domain.Charge], error) {
		principal, err := requirePermission(ctx, e, "charge.link")
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.GeneratePaymentLink(ctx, input.ChargeID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c)
	})
}

type complianceItem struct {
	Agreement domain.Agreement  `json:"agreement"`
	Documents []domain.Document `json:"documents"`
}

func registerCompliance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "compliance-queue",
		Method:      http.MethodGet,
		Path:        "/compliance/agreements",
		Summary:     "Agreements with documents awaiting compliance review",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[[]complianceItem], error) {
		principal, err := requirePermission(ctx, e, "document.review.compliance")
		if err != nil {
			return nil, handleError(err)
		}
		docs, err := e.ComplianceQueue(ctx, principal)
		if err != nil {
			return nil, handleError(err)
		}
		items := []complianceItem{}
		index := map[string]int{}
		for _, d := range docs {
			i, ok := index[d.AgreementID]
			if !ok {
				a, err := e.Repo.GetAgreement(ctx, nil, d.AgreementID)
				if err != nil {
					return nil, handleError(err)
				}
				i = len(items)
				index[d.AgreementID] = i
				items = append(items, complianceItem{Agreement: a})
			}
			items[i].Documents = append(items[i].Documents, d)
		}
		return reply(items)
	})

	huma.Register(api, huma.Operation{
		OperationID: "compliance-review-document",
		Method:      http.MethodPost,
		Path:        "/compliance/documents/{document_id}/review",
		Summary:     "Record a compliance decision",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		DocumentID string        `path:"document_id"`
		Body       ReviewRequest `json:"body"`
	}) (*output[domain.Document], error) {
		principal, err := requirePermission(ctx, e, "document.review.compliance")
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.ReviewDocument(ctx, engine.ReviewOptions{DocumentID: input.DocumentID, Decision: input.Body.Decision, Reason: input.Body.Reason}, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d)
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agreement-events",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/events",
		Summary:     "Audit events for an agreement, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AgreementID string `path:"agreement_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      int64  `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		principal, err := requirePermission(ctx, e, "events.read")
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListAgreementEvents(ctx, input.AgreementID, input.Cursor, limit+1, principal)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp)
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Mint an API key; the plaintext is returned once",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*output[APIKeyResponse], error) {
		principal, err := requirePermission(ctx, e, "apikey.manage")
		if err != nil {
			return nil, handleError(err)
		}
		actorID := input.Body.ActorID
		if actorID == "" {
			actorID = principal.ActorID
		}
		plain, key, err := e.CreateAPIKey(ctx, actorID, input.Body.Role, input.Body.Name, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(APIKeyResponse{Key: plain, APIKey: key})
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*output[[]domain.APIKey], error) {
		if _, err := requirePermission(ctx, e, "apikey.manage"); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(keys))
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Revoke an API key",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*output[DeletedResponse], error) {
		principal, err := requirePermission(ctx, e, "apikey.manage")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteAPIKey(ctx, input.KeyID, principal); err != nil {
			return nil, handleError(err)
		}
		return reply(DeletedResponse{ID: input.KeyID, Deleted: true})
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
