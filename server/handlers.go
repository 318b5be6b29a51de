package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/preprocess"
)

// maxUploadSize bounds multipart request memory
const maxUploadSize = 32 << 20

// ErrorResponse is the JSON body returned for failed requests
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// batchResponse wraps the per image results of a batch request
type batchResponse struct {
	Results []detserve.DetectionSet `json:"results"`
}

// handleDetect runs detection over a single uploaded image
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {

	data, err := readImageBody(r)

	if err != nil {
		s.sendError(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	img, err := preprocess.DecodeImage(data, requestSource(r))

	if err != nil {
		s.sendError(w, "invalid_image", err.Error(), http.StatusBadRequest)
		return
	}

	defer img.Close()

	ds, err := s.detector.Detect(r.Context(), img)

	if err != nil {
		s.sendDetectionError(w, err)
		return
	}

	s.sendJSON(w, ds)
}

// handleDetectBatch runs detection over several images in one request,
// either a JSON array of base64 images or a multipart form with repeated
// "file" fields
func (s *Server) handleDetectBatch(w http.ResponseWriter, r *http.Request) {

	payloads, err := readBatchBody(r)

	if err != nil {
		s.sendError(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	if len(payloads) == 0 {
		s.sendError(w, "invalid_request", "no images in request", http.StatusBadRequest)
		return
	}

	base := requestSource(r)
	imgs := make([]*preprocess.Image, 0, len(payloads))

	defer func() {
		for _, img := range imgs {
			img.Close()
		}
	}()

	for i, data := range payloads {
		img, err := preprocess.DecodeImage(data, fmt.Sprintf("%s/%d", base, i))

		if err != nil {
			s.sendError(w, "invalid_image",
				fmt.Sprintf("image %d: %v", i, err), http.StatusBadRequest)
			return
		}

		imgs = append(imgs, img)
	}

	sets, err := s.detector.DetectBatch(r.Context(), imgs)

	if err != nil {
		s.sendDetectionError(w, err)
		return
	}

	s.sendJSON(w, batchResponse{Results: sets})
}

// readImageBody extracts the image bytes based on the request content type
func readImageBody(r *http.Request) ([]byte, error) {

	contentType := r.Header.Get("Content-Type")

	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var req struct {
			Image string `json:"image"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}

		return base64.StdEncoding.DecodeString(req.Image)

	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			return nil, err
		}

		file, _, err := r.FormFile("file")

		if err != nil {
			return nil, err
		}

		defer file.Close()

		return io.ReadAll(file)

	default:
		return io.ReadAll(r.Body)
	}
}

// readBatchBody extracts all image payloads of a batch request
func readBatchBody(r *http.Request) ([][]byte, error) {

	contentType := r.Header.Get("Content-Type")

	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var req struct {
			Images []string `json:"images"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}

		payloads := make([][]byte, 0, len(req.Images))

		for i, b64 := range req.Images {
			data, err := base64.StdEncoding.DecodeString(b64)

			if err != nil {
				return nil, errors.Wrapf(err, "image %d", i)
			}

			payloads = append(payloads, data)
		}

		return payloads, nil

	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			return nil, err
		}

		if r.MultipartForm == nil {
			return nil, errors.New("no multipart form data")
		}

		var payloads [][]byte

		for _, header := range r.MultipartForm.File["file"] {
			file, err := header.Open()

			if err != nil {
				return nil, err
			}

			data, err := io.ReadAll(file)
			file.Close()

			if err != nil {
				return nil, err
			}

			payloads = append(payloads, data)
		}

		return payloads, nil

	default:
		return nil, errors.New("batch requests require JSON or multipart bodies")
	}
}

// requestSource returns an identifier for the uploaded content
func requestSource(_ *http.Request) string {
	return "upload/" + uuid.NewString()
}

// sendDetectionError maps pipeline failures to HTTP status codes
func (s *Server) sendDetectionError(w http.ResponseWriter, err error) {

	var invalidErr *detserve.InvalidImageError
	var overloadedErr *detserve.OverloadedError
	var timeoutErr *detserve.TimeoutError
	var modelErr *detserve.ModelError

	switch {
	case errors.As(err, &invalidErr):
		s.sendError(w, "invalid_image", err.Error(), http.StatusBadRequest)

	case errors.As(err, &overloadedErr):
		w.Header().Set("Retry-After", strconv.Itoa(1))
		s.sendError(w, "overloaded", err.Error(), http.StatusServiceUnavailable)

	case errors.As(err, &timeoutErr):
		s.sendError(w, "timeout", err.Error(), http.StatusGatewayTimeout)

	case errors.As(err, &modelErr):
		s.logger.Error("inference failed", zap.Error(err))
		s.sendError(w, "inference_error", "inference failed", http.StatusInternalServerError)

	default:
		s.logger.Error("request failed", zap.Error(err))
		s.sendError(w, "internal_error", "request failed", http.StatusInternalServerError)
	}
}

// sendError writes a JSON error response
func (s *Server) sendError(w http.ResponseWriter, code, message string, status int) {

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// sendJSON writes a successful JSON response
func (s *Server) sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
