package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"classattend/internal/apperr"
	"classattend/internal/faceclient"
)

// multipartOverhead is the allowance for form boundaries and headers on top
// of the image itself.
const multipartOverhead = 1 << 20

// readImage extracts an image upload from the multipart field. Oversized
// and non-image files are rejected here, before anything is sent upstream.
func readImage(c *gin.Context, field string, maxBytes int64) (faceclient.Image, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartOverhead)

	file, header, err := c.Request.FormFile(field)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return faceclient.Image{}, apperr.Validation("image exceeds the %s upload limit", humanBytes(maxBytes))
		}
		return faceclient.Image{}, apperr.Validation("%s file is required", field)
	}
	defer file.Close()

	if header.Size > maxBytes {
		return faceclient.Image{}, apperr.Validation("image exceeds the %s upload limit", humanBytes(maxBytes))
	}
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return faceclient.Image{}, apperr.Validation("failed to read upload: %v", err)
	}
	if int64(len(data)) > maxBytes {
		return faceclient.Image{}, apperr.Validation("image exceeds the %s upload limit", humanBytes(maxBytes))
	}
	if len(data) == 0 {
		return faceclient.Image{}, apperr.Validation("%s file is empty", field)
	}

	contentType := imageType(header.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = imageType(http.DetectContentType(data))
	}
	if contentType == "" {
		return faceclient.Image{}, apperr.Validation("only png and jpeg images are allowed")
	}

	return faceclient.Image{Data: data, Filename: header.Filename, ContentType: contentType}, nil
}

// imageType normalizes a content type, returning "" unless it is one the
// recognition service can read.
func imageType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/png":
		return ct
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return "image/jpeg"
	}
	return ""
}

func humanBytes(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}
