package job

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
)

// Admission error codes. Validation failures are synchronous and never
// create a Job.
const (
	CodeMissingField      = "missing_field"
	CodeInvalidImageURL   = "invalid_image_url"
	CodeImageTooLarge     = "image_too_large"
	CodeUnsupportedFormat = "unsupported_format"
)

// MaxImageBytes is the largest accepted decoded image payload.
const MaxImageBytes = 20 << 20 // 20 MiB

// supportedImageTypes are the content types the analyzer accepts.
var supportedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// ValidationError is a synchronous admission failure.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Input is the image reference supplied at creation. Exactly one of the
// three fields is set.
type Input struct {
	// URL is a publicly reachable image URL.
	URL string `json:"image_url,omitempty"`
	// Base64 is an inline base64-encoded image payload.
	Base64 string `json:"image_base64,omitempty"`
	// BlobRef points at an uploaded multipart file held by the API layer.
	BlobRef string `json:"blob_ref,omitempty"`
}

// Kind returns which reference the input carries: "url", "base64" or "blob".
func (in Input) Kind() string {
	switch {
	case in.URL != "":
		return "url"
	case in.Base64 != "":
		return "base64"
	case in.BlobRef != "":
		return "blob"
	default:
		return ""
	}
}

// Validate checks the exactly-one invariant and the per-kind constraints.
// A non-nil return is always a *ValidationError.
func (in Input) Validate() error {
	set := 0
	for _, v := range []string{in.URL, in.Base64, in.BlobRef} {
		if v != "" {
			set++
		}
	}
	if set == 0 {
		return &ValidationError{
			Code:    CodeMissingField,
			Message: "exactly one of image_url, image_base64 or an uploaded file is required",
		}
	}
	if set > 1 {
		return &ValidationError{
			Code:    CodeMissingField,
			Message: "image_url, image_base64 and file upload are mutually exclusive",
		}
	}

	switch {
	case in.URL != "":
		return validateImageURL(in.URL)
	case in.Base64 != "":
		return validateInlineImage(in.Base64)
	}
	// Blob references were already validated by the upload handler.
	return nil
}

func validateImageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ValidationError{
			Code:    CodeInvalidImageURL,
			Message: fmt.Sprintf("image_url %q is not a valid http(s) URL", raw),
		}
	}
	return nil
}

func validateInlineImage(encoded string) error {
	if enc := base64.StdEncoding.DecodedLen(len(encoded)); enc > MaxImageBytes {
		return &ValidationError{
			Code:    CodeImageTooLarge,
			Message: fmt.Sprintf("inline payload exceeds %d bytes", MaxImageBytes),
		}
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return &ValidationError{
			Code:    CodeUnsupportedFormat,
			Message: "image_base64 is not valid base64",
		}
	}
	if len(decoded) > MaxImageBytes {
		return &ValidationError{
			Code:    CodeImageTooLarge,
			Message: fmt.Sprintf("inline payload exceeds %d bytes", MaxImageBytes),
		}
	}

	contentType := http.DetectContentType(decoded)
	if _, ok := supportedImageTypes[contentType]; !ok {
		return &ValidationError{
			Code:    CodeUnsupportedFormat,
			Message: fmt.Sprintf("content type %q is not a supported image format", contentType),
		}
	}
	return nil
}
