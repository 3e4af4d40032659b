package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"goa.design/maas/apitypes"
	"goa.design/maas/runtime/invoke"
	"goa.design/maas/runtime/service"
)

// Mount registers the protocol endpoints on the muxer:
//
//	POST /v1/chat/completions
//	GET  /v1/models
func (s *Server) Mount(mux goahttp.Muxer) {
	mux.Handle("POST", "/v1/chat/completions", s.handleCompletions)
	mux.Handle("GET", "/v1/models", s.handleModels)
}

// Handler returns a standalone http.Handler serving the protocol endpoints.
func (s *Server) Handler() http.Handler {
	mux := goahttp.NewMuxer()
	s.Mount(mux)
	return mux
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, &apitypes.MalformedRequestError{Reason: "read request body", Cause: err})
		return
	}
	var req apitypes.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := apitypes.ValidateRequest(&req); err != nil {
		writeError(w, err)
		return
	}

	if !req.Stream {
		resp, err := s.Complete(ctx, &req)
		if err != nil {
			s.log.Error(ctx, err, "completion failed", "model", req.Model)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}
	headers := false
	send := func(chunk any) error {
		if !headers {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headers = true
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := s.Stream(ctx, &req, send); err != nil {
		if !headers {
			s.log.Error(ctx, err, "stream failed before first chunk", "model", req.Model)
			writeError(w, err)
			return
		}
		if invoke.IsCancelled(err) {
			s.log.Debug(ctx, "client cancelled stream", "model", req.Model)
		} else {
			s.log.Error(ctx, err, "stream aborted", "model", req.Model)
		}
		return
	}
	if headers {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	created := s.registry.Created().Unix()
	descs := s.registry.Descriptors()
	list := &apitypes.ModelList{Object: apitypes.ObjectList, Data: make([]*apitypes.Model, len(descs))}
	for i, d := range descs {
		list.Data[i] = &apitypes.Model{
			ID:      d.Name(),
			Object:  apitypes.ObjectModel,
			Created: created,
			OwnedBy: "maas",
		}
	}
	writeJSON(w, http.StatusOK, list)
}

// writeError maps engine errors onto protocol error bodies: malformed
// envelope to 400, unknown model to 404, handler failure and everything else
// to 500.
func writeError(w http.ResponseWriter, err error) {
	var (
		status = http.StatusInternalServerError
		detail = apitypes.ErrorDetail{Message: err.Error(), Type: "server_error"}
	)
	var malformed *apitypes.MalformedRequestError
	var notFound *service.ServiceNotFoundError
	var handlerErr *invoke.HandlerError
	switch {
	case errors.As(err, &malformed):
		status = http.StatusBadRequest
		detail.Type = "invalid_request_error"
	case errors.As(err, &notFound):
		status = http.StatusNotFound
		detail.Type = "invalid_request_error"
		detail.Code = "model_not_found"
	case errors.As(err, &handlerErr):
		detail.Type = "server_error"
	}
	writeJSON(w, status, &apitypes.ErrorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
