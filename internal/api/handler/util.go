package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/ayo6706/p2p-settlement/internal/api/middleware"
	"github.com/ayo6706/p2p-settlement/internal/api/problem"
	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// decodeBody decodes a JSON body into dst and runs struct validation. It
// writes the problem response itself and reports whether the caller may
// continue. An empty body is accepted for requests whose fields are all
// optional.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-body", err.Error())
			return false
		}
		details := problem.Details{
			Type:   problem.Type("request/validation"),
			Status: http.StatusBadRequest,
			Detail: "request validation failed",
		}
		for _, fe := range fieldErrs {
			details.Errors = append(details.Errors, problem.FieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
		problem.WriteDetails(w, r, details)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-id", "Invalid id in path")
		return uuid.Nil, false
	}
	return id, true
}

func requestPrincipal(w http.ResponseWriter, r *http.Request) (middleware.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return middleware.Principal{}, false
	}
	return p, true
}

// Decimal and uuid fields arrive as validated strings; these parse them after
// validation has passed.
func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func optionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id := uuid.MustParse(s)
	return &id
}

// writeServiceError maps engine errors to problem responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		RespondError(w, r, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidRate):
		RespondError(w, r, http.StatusBadRequest, "request/invalid-amount", err.Error())
	case errors.Is(err, domain.ErrNoEligibleRequisite), errors.Is(err, domain.ErrNoEligibleTrader):
		RespondError(w, r, http.StatusUnprocessableEntity, "settlement/no-eligible-requisite", err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance):
		RespondError(w, r, http.StatusUnprocessableEntity, "settlement/insufficient-balance", err.Error())
	case errors.Is(err, domain.ErrRelationDisabled):
		RespondError(w, r, http.StatusUnprocessableEntity, "settlement/relation-disabled", err.Error())
	case errors.Is(err, domain.ErrNotAssigned):
		RespondError(w, r, http.StatusForbidden, "payout/not-assigned", err.Error())
	case errors.Is(err, domain.ErrAlreadyTerminal), errors.Is(err, domain.ErrInvalidTransition):
		RespondError(w, r, http.StatusConflict, "settlement/invalid-state", err.Error())
	case errors.Is(err, domain.ErrConcurrentModification), errors.Is(err, domain.ErrConflict):
		RespondError(w, r, http.StatusConflict, "settlement/conflict", err.Error())
	case errors.Is(err, service.ErrPassInFlight):
		RespondError(w, r, http.StatusConflict, "redistribution/in-flight", err.Error())
	default:
		if status, problemType, message, ok := mapDBError(err); ok {
			RespondError(w, r, status, problemType, message)
			return
		}
		zap.L().Error(op+" failed", zap.Error(err), zap.String("trace_id", middleware.TraceIDFromContext(r.Context())))
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", op+" failed")
	}
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23503": // foreign_key_violation
		return http.StatusBadRequest, "db/foreign-key-violation", "invalid reference", true
	case "23514": // check_violation
		return http.StatusBadRequest, "db/check-violation", "request violates data constraints", true
	default:
		return 0, "", "", false
	}
}
