package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dramaplan/billing"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind billing.ErrorKind) int {
	switch kind {
	case billing.KindLimitReached, billing.KindSubscriptionInactive, billing.KindOverageNotAllowed:
		return http.StatusForbidden
	case billing.KindNoSubscription, billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindInvalidRequest:
		return http.StatusBadRequest
	case billing.KindConflict:
		return http.StatusConflict
	case billing.KindExternalBillingFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := billing.Kind(err)
	status := statusFor(kind)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: string(kind)})
}

func writeForbidden(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusForbidden, errorBody{Error: msg, Kind: "Forbidden"})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError reports the first failed field as a billing.ValidationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return billing.ValidationError{Field: fe.Field(), Message: describeTag(fe)}
	}
	return fmt.Errorf("%w: %w", billing.ErrInvalidRequest, err)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "email":
		return "must be an email address"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body: %w", billing.ErrInvalidRequest, err)
	}
	return nil
}
