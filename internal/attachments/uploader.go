// Package attachments validates and uploads chat file attachments to
// external object storage.
package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/imagekit-developer/imagekit-go"
	"github.com/imagekit-developer/imagekit-go/api/uploader"
	"github.com/rs/zerolog"

	"github.com/elvachat/relay/internal/metrics"
)

var (
	ErrUploadFailure        = errors.New("attachment upload failed")
	ErrUnsupportedMediaType = errors.New("only image and video files are allowed")
	ErrTooLarge             = errors.New("file too large")
	ErrEmpty                = errors.New("file is empty")
)

// Uploaded describes an object stored by the provider.
type Uploaded struct {
	URL    string `json:"url"`
	FileID string `json:"fileId"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

// Uploader stores an attachment and returns where it can be fetched.
type Uploader interface {
	Upload(ctx context.Context, name, mediaType string, data []byte) (*Uploaded, error)
}

// Validate rejects payloads that are not images or videos, or exceed max bytes.
func Validate(mediaType string, size, max int64) error {
	if size <= 0 {
		return ErrEmpty
	}
	if max > 0 && size > max {
		return fmt.Errorf("%w (max %d bytes)", ErrTooLarge, max)
	}
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if !strings.HasPrefix(mt, "image/") && !strings.HasPrefix(mt, "video/") {
		return fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
	}
	return nil
}

// ImageKitConfig holds the upload API credentials. UploadPrefix overrides
// the SDK's upload base URL when set.
type ImageKitConfig struct {
	PublicKey    string
	PrivateKey   string
	URLEndpoint  string
	UploadPrefix string
	Folder       string
}

// ImageKitUploader uploads files through the ImageKit SDK.
type ImageKitUploader struct {
	cfg    ImageKitConfig
	ik     *imagekit.ImageKit
	logger zerolog.Logger
	now    func() time.Time
}

func NewImageKitUploader(cfg ImageKitConfig, logger zerolog.Logger) *ImageKitUploader {
	if cfg.Folder == "" {
		cfg.Folder = "/chat-files"
	}
	ik := imagekit.NewFromParams(imagekit.NewParams{
		PrivateKey:  cfg.PrivateKey,
		PublicKey:   cfg.PublicKey,
		UrlEndpoint: cfg.URLEndpoint,
	})
	if cfg.UploadPrefix != "" {
		if !strings.HasSuffix(cfg.UploadPrefix, "/") {
			cfg.UploadPrefix += "/"
		}
		ik.Uploader.Config.API.UploadPrefix = cfg.UploadPrefix
	}
	return &ImageKitUploader{
		cfg:    cfg,
		ik:     ik,
		logger: logger.With().Str("component", "attachments").Logger(),
		now:    time.Now,
	}
}

// Configured reports whether credentials are present.
func (u *ImageKitUploader) Configured() bool {
	return u.cfg.PrivateKey != ""
}

// Upload stores data under the configured folder. The stored name is
// prefixed with the upload time; the provider adds its own unique suffix.
func (u *ImageKitUploader) Upload(ctx context.Context, name, mediaType string, data []byte) (*Uploaded, error) {
	if !u.Configured() {
		metrics.AttachmentUploads.WithLabelValues("unconfigured").Inc()
		return nil, fmt.Errorf("%w: storage provider not configured", ErrUploadFailure)
	}

	unique := true
	resp, err := u.ik.Uploader.Upload(ctx, dataURI(mediaType, data), uploader.UploadParam{
		FileName:          strconv.FormatInt(u.now().UnixMilli(), 10) + "_" + name,
		Folder:            u.cfg.Folder,
		UseUniqueFileName: &unique,
	})
	if err != nil {
		metrics.AttachmentUploads.WithLabelValues("rejected").Inc()
		u.logger.Warn().Err(err).Str("file", name).Msg("storage provider rejected upload")
		return nil, fmt.Errorf("%w: %w", ErrUploadFailure, err)
	}
	if resp == nil || resp.Data.Url == "" {
		metrics.AttachmentUploads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: provider returned no url", ErrUploadFailure)
	}

	out := &Uploaded{
		URL:    resp.Data.Url,
		FileID: resp.Data.FileId,
		Name:   resp.Data.Name,
		Size:   int64(resp.Data.Size),
	}
	if out.Size == 0 {
		out.Size = int64(len(data))
	}

	metrics.AttachmentUploads.WithLabelValues("ok").Inc()
	u.logger.Debug().Str("file_id", out.FileID).Str("url", out.URL).Msg("attachment uploaded")
	return out, nil
}

// dataURI encodes data the way the upload API accepts inline file content.
func dataURI(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
