package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/storage"
)

// statusFor maps a service error to an HTTP status
func statusFor(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, plugins.ErrPackageUnreadable) {
		return http.StatusUnprocessableEntity
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}

	switch plugins.KindOf(err) {
	case plugins.KindValidation:
		return http.StatusUnprocessableEntity
	case plugins.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	httputil.WriteError(w, status, err)
}

// writeUploadError reports a failure to read the uploaded archive
func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	httputil.WriteBadRequest(w, err.Error())
}

// packageBody returns the uploaded archive: the multipart field "file" or the raw body
func (s *Server) packageBody(w http.ResponseWriter, r *http.Request) (io.Reader, string, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, "upload.zip", func() {}, nil
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", nil, fmt.Errorf("missing multipart field %q: %w", "file", err)
	}
	return file, header.Filename, func() {
		file.Close()
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}, nil
}

// installPlugin handles POST /api/v1/plugins
func (s *Server) installPlugin(w http.ResponseWriter, r *http.Request) {
	force, ok := httputil.ParseQueryBoolOrError(w, r, "force", false)
	if !ok {
		return
	}

	body, name, cleanup, err := s.packageBody(w, r)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	defer cleanup()

	result, err := s.service.Install(r.Context(), name, body, force)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if !result.Installed() {
		httputil.WriteJSON(w, http.StatusConflict, InstallResponse{
			Code:    result.Confirmation.Code,
			Message: result.Confirmation.Message,
			Reason:  result.Confirmation.Reason,
			Data:    result.Manifest,
		})
		return
	}

	httputil.WriteCreated(w, InstallResponse{Code: CodeOK, Data: result.Manifest})
}

// listPlugins handles GET /api/v1/plugins
func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	recs, err := s.service.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	out := make([]Plugin, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Plugin{Record: rec, Live: s.service.Live(rec.Key)})
	}
	httputil.WriteSuccess(w, out)
}

// getPlugin handles GET /api/v1/plugins/{key}
func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}

	rec, err := s.service.Get(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, Plugin{Record: rec, Live: s.service.Live(key)})
}

// uninstallPlugin handles DELETE /api/v1/plugins/{key}
func (s *Server) uninstallPlugin(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}

	if err := s.service.Uninstall(r.Context(), key); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// invokePlugin handles POST /api/v1/plugins/{key}/invoke
func (s *Server) invokePlugin(w http.ResponseWriter, r *http.Request) {
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}

	var req InvokeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Method == "" {
		httputil.WriteBadRequest(w, "method is required")
		return
	}

	results, err := s.service.Invoke(r.Context(), key, req.Method, req.Args...)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if results == nil {
		results = []interface{}{}
	}
	httputil.WriteSuccess(w, InvokeResponse{Results: results})
}

// inspectPackage handles POST /api/v1/packages/inspect
func (s *Server) inspectPackage(w http.ResponseWriter, r *http.Request) {
	body, _, cleanup, err := s.packageBody(w, r)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	defer cleanup()

	manifest, err := s.service.Inspect(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, manifest)
}
