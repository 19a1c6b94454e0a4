package cache

import (
	"fmt"
	"strings"
	"time"

	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"
	"github.com/always-cache/crawlcache/rfc9111"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/net/html/charset"
)

// humanData is a readable copy of a stored response for people browsing the
// collection. It is never read back.
type humanData struct {
	Status  int                 `bson:"status"`
	URL     string              `bson:"url"`
	Headers map[string][]string `bson:"headers"`
	Body    string              `bson:"body"`
	Cookies []bson.M            `bson:"cookies,omitempty"`
	Date    *time.Time          `bson:"date,omitempty"`
	Expires *time.Time          `bson:"expires,omitempty"`
}

const cookieDateLayout = "Mon, 02-Jan-2006 15:04:05 MST"

func humanize(res *httpmsg.Response) (*humanData, error) {
	body, err := decodeText(res.Body, res.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	h := &humanData{
		Status:  res.Status,
		URL:     res.URL,
		Headers: res.Header,
		Body:    body,
	}
	for _, line := range res.Header.Values("Set-Cookie") {
		if cookie := parseCookie(line); len(cookie) > 0 {
			h.Cookies = append(h.Cookies, cookie)
		}
	}
	if date, ok := parseDate(res.Header.Get("Date")); ok {
		h.Date = &date
	}
	if expires, ok := parseDate(res.Header.Get("Expires")); ok {
		h.Expires = &expires
	}
	return h, nil
}

// decodeText converts the body to UTF-8 using the declared or sniffed charset.
func decodeText(body []byte, contentType string) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	text, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode body as %s: %w", name, err)
	}
	return string(text), nil
}

// parseCookie splits a Set-Cookie line on ";" into trimmed key=value pairs.
// Attributes without a value map to "". Expires becomes a time when it parses.
func parseCookie(line string) bson.M {
	cookie := bson.M{}
	for _, part := range strings.Split(line, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" {
			continue
		}
		k = bsonFieldName(k)
		if strings.EqualFold(k, "expires") {
			if t, ok := parseDate(v); ok {
				cookie[k] = t
				continue
			}
		}
		cookie[k] = v
	}
	return cookie
}

// bsonFieldName escapes the characters the server rejects in field names,
// a leading "$" and ".", with their full-width forms.
func bsonFieldName(name string) string {
	if strings.HasPrefix(name, "$") {
		name = "\uff04" + name[1:]
	}
	return strings.ReplaceAll(name, ".", "\uff0e")
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := rfc9111.HttpDate(s); err == nil {
		return t, true
	}
	if t, err := time.Parse(cookieDateLayout, s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
