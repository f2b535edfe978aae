package main

import (
	"errors"
	"net/http"

	"github.com/example/dermaid/internal/inference"
)

// HandleAnalyze classifies the multipart "image" upload.
func (a *App) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	file, _, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeInvalidRequest, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, codeNoImage, "No image uploaded")
		return
	}
	defer file.Close()

	img, err := inference.Decode(file)
	if errors.Is(err, inference.ErrImageTooLarge) {
		writeError(w, http.StatusBadRequest, codeInvalidImage, "Image dimensions are too large")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidImage, "Uploaded file is not a supported image")
		return
	}

	pred, err := a.Classifier.Classify(r.Context(), img)
	if err != nil {
		a.log.ErrorContext(r.Context(), "classification failed", "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Prediction failed")
		return
	}
	a.metrics.Prediction(pred.Label)
	writeJSON(w, http.StatusOK, pred)
}
