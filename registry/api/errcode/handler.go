package errcode

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ServeJSON writes err as an error envelope. The status is taken from the
// code of the first error; errors without a code are served as UNKNOWN with
// status 500.
func ServeJSON(w http.ResponseWriter, err error) error {
	errs, ok := err.(Errors)
	if !ok {
		errs = Errors{err}
	}

	status := http.StatusInternalServerError
	var coder ErrorCoder
	if len(errs) > 0 && errors.As(errs[0], &coder) {
		status = coder.ErrorCode().Descriptor().HTTPStatusCode
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(errs)
}
