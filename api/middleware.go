package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"boardsync/domain"
	"boardsync/persistence"
)

// maxBodySize bounds request bodies after decompression.
const maxBodySize = 1 << 20

// gzipRequest inflates gzip-encoded request bodies so handlers always decode
// plain JSON. Invalid gzip payloads are rejected with a validation error.
func gzipRequest() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}
			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return writeError(c, invalid("invalid gzip body"))
			}
			req.Body = &gzipReadCloser{Reader: io.LimitReader(gr, maxBodySize), gz: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	io.Reader
	gz   *gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.gz.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// limitBody caps uncompressed request bodies.
func limitBody() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.ContentLength > maxBodySize {
				return c.JSON(http.StatusRequestEntityTooLarge, persistence.ErrorBody{Kind: domain.KindValidation, Message: "request body too large"})
			}
			if req.Body != nil && !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodySize)
			}
			return next(c)
		}
	}
}
