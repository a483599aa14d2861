package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ingestledger/internal/dispatch"
	"ingestledger/internal/engine"
	"ingestledger/internal/logging"
	"ingestledger/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Dispatcher dispatch.Dispatcher
	BasePath   string
	Auth       AuthConfig
	Logger     logging.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"granule MOD09GQ.A123: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ledger API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logging.OrNop(cfg.Logger)))
	hcfg := huma.DefaultConfig("Ingest Ledger API", "0.1.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMessages(group, cfg.Dispatcher)
	registerGranules(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	switch code := engine.ErrorCode(err); code {
	case engine.ErrCodeMalformedMessage, engine.ErrCodeSchemaInvalid:
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"code": code})
	case engine.ErrCodeUnmetRequirements:
		return newAPIError(http.StatusUnprocessableEntity, "unmet_requirements", err.Error(), nil)
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// SubmitResult reports how the dispatcher treated a submitted message.
type SubmitResult struct {
	MessageID string `json:"messageId"`
	Handled   bool   `json:"handled"`
	Error     string `json:"error,omitempty"`
}

func registerMessages(api huma.API, d dispatch.Dispatcher) {
	type submitInput struct {
		Body struct {
			// Body is the queue body: a JSON string or the message object itself.
			Body any `json:"body" doc:"Workflow message, SNS notification or Step Functions event"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "submit-message",
		Method:      http.MethodPost,
		Path:        "/messages",
		Summary:     "Dispatch one workflow message",
	}, func(ctx context.Context, input *submitInput) (*struct {
		Body SubmitResult `json:"body"`
	}, error) {
		body, err := queueBody(input.Body.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res := SubmitResult{MessageID: uuid.NewString(), Handled: true}
		if err := d.Handle(ctx, events.SQSMessage{MessageId: res.MessageID, Body: body, EventSource: "ingestledger:api"}); err != nil {
			res.Handled = false
			res.Error = err.Error()
		}
		return &struct {
			Body SubmitResult `json:"body"`
		}{Body: res}, nil
	})
}

func queueBody(v any) (string, error) {
	switch b := v.(type) {
	case nil:
		return "", errors.New("body is required")
	case string:
		if strings.TrimSpace(b) == "" {
			return "", errors.New("body is required")
		}
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func registerGranules(api huma.API, e engine.Engine) {
	type granuleInput struct {
		GranuleID  string `path:"granule_id"`
		Collection string `query:"collection" doc:"name___version"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-granule",
		Method:      http.MethodGet,
		Path:        "/granules/{granule_id}",
		Summary:     "Get granule with files",
	}, func(ctx context.Context, input *granuleInput) (*struct {
		Body engine.GranuleRecord `json:"body"`
	}, error) {
		rec, err := e.LookupGranule(ctx, input.GranuleID, input.Collection)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.GranuleRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	type executionInput struct {
		Arn string `path:"arn"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{arn}",
		Summary:     "Get execution",
	}, func(ctx context.Context, input *executionInput) (*struct {
		Body engine.ExecutionRecord `json:"body"`
	}, error) {
		rec, err := e.LookupExecution(ctx, input.Arn)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExecutionRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-execution-granules",
		Method:      http.MethodGet,
		Path:        "/executions/{arn}/granules",
		Summary:     "List granules associated with an execution",
	}, func(ctx context.Context, input *executionInput) (*struct {
		Body struct {
			Arn      string   `json:"arn"`
			Granules []string `json:"granules"`
		} `json:"body"`
	}, error) {
		ids, err := e.ExecutionGranules(ctx, input.Arn)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Arn      string   `json:"arn"`
				Granules []string `json:"granules"`
			} `json:"body"`
		}{}
		out.Body.Arn = input.Arn
		out.Body.Granules = ids
		return out, nil
	})
}
