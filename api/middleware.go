package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

// GzipRequestMiddleware inflates request bodies sent with
// Content-Encoding: gzip. Bodies in a coding other than gzip or identity are
// refused with 415, and gzip that does not decode with 400, both in the
// usual error shape.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			header := req.Header.Get(echo.HeaderContentEncoding)
			if enc := unsupportedEncoding(header); enc != "" {
				return c.JSON(http.StatusUnsupportedMediaType, errorBody{
					Error: "unsupported content encoding " + enc,
					Kind:  string(domain.KindValidation),
				})
			}
			if !hasGzipEncoding(header) {
				return next(c)
			}
			zr, err := gzip.NewReader(req.Body)
			if err != nil {
				return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid gzip body", Kind: string(domain.KindValidation)})
			}
			req.Body = inflatedBody{Reader: zr, raw: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func contentCodings(header string) []string {
	var out []string
	for _, enc := range strings.Split(header, ",") {
		if enc = strings.ToLower(strings.TrimSpace(enc)); enc != "" {
			out = append(out, enc)
		}
	}
	return out
}

// hasGzipEncoding reports whether a Content-Encoding header lists gzip.
func hasGzipEncoding(header string) bool {
	for _, enc := range contentCodings(header) {
		if enc == "gzip" || enc == "x-gzip" {
			return true
		}
	}
	return false
}

// unsupportedEncoding returns the first coding the API cannot decode, or "".
func unsupportedEncoding(header string) string {
	for _, enc := range contentCodings(header) {
		switch enc {
		case "gzip", "x-gzip", "identity":
		default:
			return enc
		}
	}
	return ""
}

type inflatedBody struct {
	*gzip.Reader
	raw io.Closer
}

func (b inflatedBody) Close() error {
	err := b.Reader.Close()
	if cerr := b.raw.Close(); err == nil {
		err = cerr
	}
	return err
}
