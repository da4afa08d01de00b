package scan

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

const (
	// ImageField is the multipart field the client posts the card photo under.
	ImageField = "image"

	DefaultMaxUploadBytes = 10 << 20 // 10 MB
	multipartMemory       = 4 << 20
	sniffLen              = 512
)

var defaultAllowedTypes = []string{"image/png", "image/jpeg"}

// Receiver extracts the uploaded image from an inbound request and stages it.
type Receiver struct {
	stager   *Stager
	maxBytes int64
	allowed  []string
}

func NewReceiver(stager *Stager, maxBytes int64, allowedTypes []string) *Receiver {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if len(allowedTypes) == 0 {
		allowedTypes = defaultAllowedTypes
	}
	allowed := make([]string, 0, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed = append(allowed, strings.ToLower(strings.TrimSpace(t)))
	}
	return &Receiver{stager: stager, maxBytes: maxBytes, allowed: allowed}
}

// Receive parses the multipart body of req and stages the first part posted
// under ImageField. The caller must Release the returned image.
func (r *Receiver) Receive(req *http.Request) (*StagedImage, *Failure) {
	req.Body = http.MaxBytesReader(nil, req.Body, r.maxBytes)
	if err := req.ParseMultipartForm(multipartMemory); err != nil {
		return nil, r.parseFailure(err)
	}
	defer req.MultipartForm.RemoveAll()

	files := req.MultipartForm.File[ImageField]
	if len(files) == 0 {
		return nil, newFailure(KindNoFileProvided, "no image part in request", nil)
	}
	// Only the first image is used; extra parts are ignored.
	fh := files[0]
	if fh.Size == 0 {
		return nil, newFailure(KindNoFileProvided, "image part is empty", nil)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, newFailure(KindTransportError, "open image part", err)
	}
	defer src.Close()

	mimeType, err := r.resolveType(fh, src)
	if err != nil {
		return nil, newFailure(KindTransportError, "sniff image part", err)
	}
	if !r.isAllowed(mimeType) {
		return nil, newFailure(KindInvalidImage, fmt.Sprintf("content type %q not accepted", mimeType), nil)
	}

	img, err := r.stager.Stage(src, fh.Filename, mimeType)
	if err != nil {
		return nil, newFailure(KindTransportError, "stage image", err)
	}
	return img, nil
}

func (r *Receiver) parseFailure(err error) *Failure {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return newFailure(KindPayloadTooLarge, fmt.Sprintf("body exceeds %d bytes", r.maxBytes), err)
	case errors.Is(err, http.ErrNotMultipart):
		return newFailure(KindNoFileProvided, "request is not multipart", err)
	default:
		return newFailure(KindTransportError, "decode multipart body", err)
	}
}

// resolveType prefers the declared part type and falls back to sniffing the
// leading bytes when the client sent none or a generic one.
func (r *Receiver) resolveType(fh *multipart.FileHeader, src multipart.File) (string, error) {
	declared := fh.Header.Get("Content-Type")
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			declared = strings.ToLower(mt)
		}
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared, nil
	}

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(src, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(buf[:n]))
	return mt, nil
}

func (r *Receiver) isAllowed(mimeType string) bool {
	for _, allowed := range r.allowed {
		if strings.HasSuffix(allowed, "/") || strings.HasSuffix(allowed, "/*") {
			if strings.HasPrefix(mimeType, strings.TrimSuffix(allowed, "*")) {
				return true
			}
			continue
		}
		if mimeType == allowed {
			return true
		}
	}
	return false
}
