package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tenderline/internal/commit"
	"tenderline/internal/engine"
	"tenderline/internal/engine/auth"
	"tenderline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"deadline_passed"`
	Message string         `json:"message" example:"deadline passed: submissions for tender 1 closed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Tenderline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures are client errors, not integrity failures.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	router.Use(serializeWrites())
	hcfg := huma.DefaultConfig("Tenderline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTenders(group, cfg.Engine)
	registerBids(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// serializeWrites runs mutating requests one at a time. The engine rejects
// overlapping operations as reentrant, so concurrent clients queue here.
func serializeWrites() func(http.Handler) http.Handler {
	var mu sync.Mutex
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
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

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{engine.ErrNotFound, http.StatusNotFound, "not_found"},
	{engine.ErrInvalidInput, http.StatusBadRequest, "bad_request"},
	{commit.ErrMalformed, http.StatusBadRequest, "bad_request"},
	{engine.ErrUnauthorized, http.StatusForbidden, "forbidden"},
	{engine.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{engine.ErrAlreadyBid, http.StatusConflict, "already_bid"},
	{engine.ErrOutOfOrder, http.StatusConflict, "milestone_out_of_order"},
	{engine.ErrDeadlinePassed, http.StatusConflict, "deadline_passed"},
	{engine.ErrDeadlineNotReached, http.StatusConflict, "deadline_not_reached"},
	{engine.ErrNothingToWithdraw, http.StatusConflict, "nothing_to_withdraw"},
	{engine.ErrIntegrity, http.StatusUnprocessableEntity, "integrity_error"},
	{engine.ErrReentrant, http.StatusLocked, "reentrant_call"},
	{engine.ErrTransferFailed, http.StatusBadGateway, "transfer_failed"},
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
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	for _, m := range errorStatuses {
		if errors.Is(err, m.err) {
			return newAPIError(m.status, m.code, err.Error(), nil)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
    <title>Tenderline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

type body[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusLocked,
}

// TenderPath is the path parameter shared by tender routes.
type TenderPath struct {
	TenderID int64 `path:"tender_id" minimum:"1"`
}

// EventsQuery filters and pages the event log.
type EventsQuery struct {
	Type    string `query:"type"`
	ActorID string `query:"actor_id"`
	Limit   int    `query:"limit" default:"50"`
	Cursor  string `query:"cursor"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerTenders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tender",
		Method:        http.MethodPost,
		Path:          "/tenders",
		Summary:       "Open a tender",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTenderRequest `json:"body"`
	}) (*body[TenderResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		maxBudget, err := parseAmount("max_budget", input.Body.MaxBudget)
		if err != nil {
			return nil, handleError(err)
		}
		var desc commit.Digest
		switch {
		case input.Body.DescriptionHash != "":
			if desc, err = commit.ParseDigest(input.Body.DescriptionHash); err != nil {
				return nil, handleError(err)
			}
		case input.Body.Description != "":
			desc = commit.Describe(input.Body.Description)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "description or description_hash is required", nil)
		}
		t, err := e.CreateTender(ctx, engine.CreateTenderOptions{
			DescriptionHash: desc,
			MaxBudget:       maxBudget,
			Auditor:         strings.TrimSpace(input.Body.Auditor),
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		now, err := e.Clock(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(tenderResponse(t, now)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenders",
		Method:      http.MethodGet,
		Path:        "/tenders",
		Summary:     "List tenders, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state" enum:"bidding,revealing,winner_selected,in_progress,completed,cancelled"`
		Owner  string `query:"owner"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*body[paginatedTenders], error) {
		limit := normalizeLimit(input.Limit)
		cursor, cerr := parseCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		items, err := e.ListTenders(ctx, repo.TenderFilters{State: input.State, Owner: input.Owner, Limit: limit + 1, Cursor: cursor})
		if err != nil {
			return nil, handleError(err)
		}
		now, err := e.Clock(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTenders{Items: []TenderResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, t := range items {
			resp.Items = append(resp.Items, tenderResponse(t, now))
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tender",
		Method:      http.MethodGet,
		Path:        "/tenders/{tender_id}",
		Summary:     "Get tender",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TenderPath) (*body[TenderResponse], error) {
		t, err := e.GetTender(ctx, input.TenderID)
		if err != nil {
			return nil, handleError(err)
		}
		now, err := e.Clock(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := tenderResponse(t, now)
		if actorID, authErr := actorIDFromContext(ctx); authErr == nil {
			resp.Roles = auth.Roles(t, actorID)
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-winner",
		Method:      http.MethodPost,
		Path:        "/tenders/{tender_id}/select-winner",
		Summary:     "Close the reveal phase and pick the lowest valid bid",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *TenderPath) (*body[TenderResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SelectWinner(ctx, input.TenderID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		now, err := e.Clock(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(tenderResponse(t, now)), nil
	})
}

func registerBids(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-bid",
		Method:        http.MethodPost,
		Path:          "/tenders/{tender_id}/bids",
		Summary:       "Submit a sealed bid commitment",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TenderPath
		Body SubmitBidRequest `json:"body"`
	}) (*body[BidResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		hash, err := commit.ParseDigest(input.Body.CommitHash)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.SubmitBid(ctx, input.TenderID, hash, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(bidResponse(b)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bids",
		Method:      http.MethodGet,
		Path:        "/tenders/{tender_id}/bids",
		Summary:     "List bids in submission order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TenderPath) (*body[[]BidResponse], error) {
		bids, err := e.Bids(ctx, input.TenderID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(bids, bidResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reveal-bid",
		Method:      http.MethodPost,
		Path:        "/tenders/{tender_id}/reveal",
		Summary:     "Open the caller's commitment",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TenderPath
		Body RevealBidRequest `json:"body"`
	}) (*body[BidResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := parseAmount("amount", input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		nonce, err := commit.ParseNonce(input.Body.Nonce)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.RevealBid(ctx, engine.RevealOptions{
			TenderID: input.TenderID,
			Amount:   amount,
			Nonce:    nonce,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(bidResponse(b)), nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-milestone",
		Method:      http.MethodPost,
		Path:        "/tenders/{tender_id}/milestones/{number}/approve",
		Summary:     "Approve the next milestone and credit the winner",
		Errors:      append(writeErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		TenderPath
		Number int                     `path:"number" minimum:"1"`
		Body   ApproveMilestoneRequest `json:"body"`
	}) (*body[MilestoneResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		funds, err := parseAmount("funds", input.Body.Funds)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.ApproveMilestone(ctx, engine.ApproveOptions{
			TenderID: input.TenderID,
			Number:   input.Number,
			Funds:    funds,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(milestoneResponse(m)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/tenders/{tender_id}/milestones",
		Summary:     "List approved milestones",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TenderPath) (*body[[]MilestoneResponse], error) {
		items, err := e.Milestones(ctx, input.TenderID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, milestoneResponse)), nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-balance",
		Method:      http.MethodGet,
		Path:        "/balances/me",
		Summary:     "Pending balance of the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[BalanceResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bal, err := e.Balance(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(balanceResponse(bal)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/balances/{principal}",
		Summary:     "Pending balance of a principal",
	}, func(ctx context.Context, input *struct {
		Principal string `path:"principal"`
	}) (*body[BalanceResponse], error) {
		bal, err := e.Balance(ctx, input.Principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(balanceResponse(bal)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "withdraw",
		Method:        http.MethodPost,
		Path:          "/withdrawals",
		Summary:       "Pay out the caller's pending balance",
		DefaultStatus: http.StatusCreated,
		Errors:        append(writeErrors, http.StatusBadGateway),
	}, func(ctx context.Context, _ *struct{}) (*body[TransferResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Withdraw(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(transferResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transfers",
		Method:      http.MethodGet,
		Path:        "/transfers",
		Summary:     "Outgoing transfers to the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[[]TransferResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Transfers(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, transferResponse)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	list := func(ctx context.Context, tenderID int64, q EventsQuery) (*body[paginatedEvents], error) {
		limit := normalizeLimit(q.Limit)
		cursor, cerr := parseCursor(q.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			TenderID: tenderID,
			Type:     q.Type,
			ActorID:  q.ActorID,
			Limit:    limit + 1,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *EventsQuery) (*body[paginatedEvents], error) {
		return list(ctx, 0, *input)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tender-events",
		Method:      http.MethodGet,
		Path:        "/tenders/{tender_id}/events",
		Summary:     "List recent events of a tender",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenderPath
		EventsQuery
	}) (*body[paginatedEvents], error) {
		if _, err := e.GetTender(ctx, input.TenderID); err != nil {
			return nil, handleError(err)
		}
		return list(ctx, input.TenderID, input.EventsQuery)
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*body[APIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		principal := input.Body.Principal
		if principal == "" {
			principal = actorID
		}
		raw, key, err := e.CreateAPIKey(ctx, principal, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = raw
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Principal string `query:"principal"`
	}) (*body[[]APIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		principal := input.Principal
		if principal == "" && (e.Config == nil || actorID != e.Config.Owner) {
			principal = actorID
		}
		keys, err := e.APIKeys(ctx, principal, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(keys, apiKeyResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[WhoAmIResponse], error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		now, err := e.Clock(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(WhoAmIResponse{
			ActorID: principal.ActorID,
			Source:  principal.Source,
			IsOwner: e.Config != nil && principal.ActorID == e.Config.Owner,
			Clock:   ClockResponse{Time: now.Time.Format(time.RFC3339), Seq: now.Seq},
		}), nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace summary",
		Description: "Logical clock, tender counts per stored state and known principals.",
	}, func(ctx context.Context, _ *struct{}) (*body[StatusResponse], error) {
		st, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{
			Clock:   ClockResponse{Time: st.Clock.Time.Format(time.RFC3339), Seq: st.Clock.Seq},
			Owner:   st.Owner,
			Tenders: st.Tenders,
			Actors:  st.Actors,
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*body[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
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

func parseCursor(cursor string) (int64, huma.StatusError) {
	if cursor == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return id, nil
}
