package server

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/catalog"
	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/identity"
)

const maxBody = 1 << 20

var errBadRequest = stdErrors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
	Owner string `json:"owner,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	var le *catalog.LockedError
	switch {
	case stdErrors.As(err, &le),
		stdErrors.Is(err, catalog.ErrContention),
		stdErrors.Is(err, catalog.ErrEditInProgress),
		stdErrors.Is(err, catalog.ErrNoEdit):
		return http.StatusConflict
	case stdErrors.Is(err, lsperrors.ErrNotAuthenticated),
		stdErrors.Is(err, identity.ErrInvalidCredentials),
		stdErrors.Is(err, identity.ErrUnknownSession):
		return http.StatusUnauthorized
	case stdErrors.Is(err, lsperrors.ErrForbidden):
		return http.StatusForbidden
	case stdErrors.Is(err, lsperrors.ErrNotFound):
		return http.StatusNotFound
	case stdErrors.Is(err, errBadRequest),
		stdErrors.Is(err, catalog.ErrInvalid),
		stdErrors.Is(err, catalog.ErrEmptyTicket):
		return http.StatusBadRequest
	case stdErrors.Is(err, identity.ErrEmailTaken):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	body := errorBody{Error: err.Error()}
	var le *catalog.LockedError
	if stdErrors.As(err, &le) {
		body.Owner = le.Owner
	}
	if status == http.StatusBadGateway {
		s.logger.Error().Err(err).Msg("backend failure")
	}
	writeJSON(w, status, body)
}
