package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"taskboard/domain"
)

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func statusForKind(k domain.Kind) int {
	switch k {
	case domain.KindValidation, domain.KindInvalidDependency:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindTransitionDenied, domain.KindOrderConflict, domain.KindConcurrentUpdate:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errorResponse converts an engine error into a status and body. Store
// errors are not echoed back to the client.
func errorResponse(err error) (int, errorBody) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)
	body := errorBody{Error: err.Error(), Kind: string(kind), Reason: string(domain.ReasonOf(err))}
	if kind == domain.KindOrderConflict {
		body.Retryable = true
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	return status, body
}

func validationBody(err error) errorBody {
	msg := "invalid body"
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		msg = "invalid field " + verrs[0].Namespace() + ": " + verrs[0].Tag()
	}
	return errorBody{Error: msg, Kind: string(domain.KindValidation)}
}
