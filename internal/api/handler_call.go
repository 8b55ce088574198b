package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/value"
)

// callTimeout is the request deadline for one function call.
const callTimeout = 30 * time.Second

// CallRequest is the body of POST /api/query|mutation|action.
type CallRequest struct {
	Path   string          `json:"path"`
	Args   json.RawMessage `json:"args,omitempty"`
	Format string          `json:"format,omitempty"`
}

// callFn executes one function of a fixed kind.
type callFn func(ctx context.Context, principal, path string, args *value.Object) (value.Value, error)

// HandleCall builds the handler shared by the three function endpoints.
func HandleCall(run callFn) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFault(w, fault.Wrap(fault.InvalidValue, err, "malformed request body"))
			return
		}
		if req.Path == "" {
			writeFault(w, fault.New(fault.InvalidValue, "path is required"))
			return
		}
		if req.Format != "" && req.Format != "json" {
			writeFault(w, fault.New(fault.InvalidValue, "unsupported format %q", req.Format))
			return
		}
		args := value.NewObject()
		if len(req.Args) > 0 {
			var err error
			args, err = value.DecodeObject(req.Args)
			if err != nil {
				writeFault(w, err)
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
		defer cancel()

		result, err := run(ctx, PrincipalFrom(r.Context()), req.Path, args)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				writeFault(w, fault.New(fault.Timeout, "function call exceeded %s", callTimeout))
				return
			}
			writeFault(w, err)
			return
		}
		data, err := value.Encode(result)
		if err != nil {
			writeFault(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, CallResponse{Value: data})
	})
}
