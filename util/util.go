package util

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
)

//go:embed version.txt
var embeddedVersion string

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// UserAgent is sent on every outbound federation request.
func UserAgent(domain string) string {
	return fmt.Sprintf("%s/%s (+https://%s/)", Name, GetVersion(), domain)
}

func NormalizeInput(text string) string {
	normalized := strings.Replace(text, "\n", " ", -1)
	normalized = html.EscapeString(normalized)
	return normalized
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// HttpDate formats t the way the Date header expects it.
func HttpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
