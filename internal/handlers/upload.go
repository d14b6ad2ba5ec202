package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/elvachat/relay/internal/attachments"
	"github.com/elvachat/relay/internal/delivery"
	"github.com/elvachat/relay/internal/models"
)

// UploadResponse represents the upload-file response.
type UploadResponse struct {
	Success bool            `json:"success"`
	FileURL string          `json:"fileUrl"`
	Message *models.Message `json:"message"`
}

// UploadFile stores a multipart "file" with the provider and delivers it as
// a file message from senderId to receiverId.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		h.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	sender := sanitizeName(r.FormValue("senderId"))
	recipient := sanitizeName(r.FormValue("receiverId"))
	if sender == "" || recipient == "" {
		h.Error(w, http.StatusBadRequest, "senderId and receiverId are required")
		return
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		h.Error(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "failed to read file")
		return
	}
	mediaType := hdr.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}
	if err := attachments.Validate(mediaType, int64(len(data)), h.maxUpload); err != nil {
		h.fail(w, r, err)
		return
	}

	uploaded, err := h.uploader.Upload(r.Context(), hdr.Filename, mediaType, data)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	msg, err := h.delivery.Deliver(r.Context(), delivery.Intent{
		From: sender,
		To:   recipient,
		Body: uploaded.URL,
		Kind: models.KindFile,
		Attachment: &models.Attachment{
			FileName:   hdr.Filename,
			FileSize:   int64(len(data)),
			MimeType:   mediaType,
			StorageRef: uploaded.FileID,
		},
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, UploadResponse{Success: true, FileURL: uploaded.URL, Message: msg})
}
