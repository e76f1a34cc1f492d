package server

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase normalizes a base path to "/x/y", or "" for the root.
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

var safeNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// isSafeName validates job names taken from the URL; they also name
// transcript files.
func isSafeName(s string) bool {
	return safeNameRe.MatchString(s) && !strings.Contains(s, "..")
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
