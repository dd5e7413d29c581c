// Package attachment reconciles binary-bearing record fields against an
// object store: pending payloads are uploaded, stored metadata is attached
// and objects no longer referenced are removed.
package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"docstore/api/internal/value"
)

// File is the stored form of one attachment entry.
type File struct {
	Name       string
	Src        string
	Type       string
	MD5Hash    string
	Path       string
	UploadedAt int64
	Width      int
	Height     int
}

// Map renders f as a document entry. Zero dimensions are omitted.
func (f File) Map() map[string]any {
	m := map[string]any{
		"name":       f.Name,
		"src":        f.Src,
		"type":       f.Type,
		"md5Hash":    f.MD5Hash,
		"path":       f.Path,
		"uploadedAt": f.UploadedAt,
	}
	if f.Width > 0 && f.Height > 0 {
		m["width"] = f.Width
		m["height"] = f.Height
	}
	return m
}

// FileOf reads the known attachment keys off a document entry.
func FileOf(entry any) (File, bool) {
	m, ok := value.Map(entry)
	if !ok {
		return File{}, false
	}
	f := File{
		Name:    text(m, "name"),
		Src:     text(m, "src"),
		Type:    text(m, "type"),
		MD5Hash: text(m, "md5Hash"),
		Path:    text(m, "path"),
	}
	if n, ok := value.Number(m["uploadedAt"]); ok {
		f.UploadedAt = int64(n)
	}
	if n, ok := value.Number(m["width"]); ok {
		f.Width = int(n)
	}
	if n, ok := value.Number(m["height"]); ok {
		f.Height = int(n)
	}
	return f, true
}

func text(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// payload is raw content waiting to be uploaded.
type payload struct {
	name        string
	contentType string
	data        []byte
}

// PayloadError reports an entry whose inline content cannot be decoded.
type PayloadError struct {
	Field string
	Index int
	Err   error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("attachment %s[%d]: %v", e.Field, e.Index, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// pendingPayload extracts raw content from an entry. ok is false for
// entries that reference already stored objects.
func pendingPayload(entry map[string]any) (payload, bool, error) {
	var (
		data     []byte
		declared string
		found    bool
	)
	src, _ := entry["src"].(string)
	kind, _ := entry["type"].(string)

	switch raw := entry["rawFile"].(type) {
	case []byte:
		data, found = raw, true
	case string:
		decoded, err := decodeBase64(raw)
		if err != nil {
			return payload{}, true, fmt.Errorf("decode rawFile: %w", err)
		}
		data, found = decoded, true
	}

	if !found && kind == "base64" && src != "" {
		decoded, err := decodeBase64(src)
		if err != nil {
			return payload{}, true, fmt.Errorf("decode base64 src: %w", err)
		}
		data, found = decoded, true
	}

	if !found && strings.HasPrefix(src, "data:") {
		mediaType, decoded, err := parseDataURI(src)
		if err != nil {
			return payload{}, true, err
		}
		data, declared, found = decoded, mediaType, true
	}
	if !found {
		return payload{}, false, nil
	}

	name := path.Base(strings.ReplaceAll(text(entry, "name"), "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return payload{}, true, errors.New("inline attachment needs a file name")
	}

	if declared == "" && strings.Contains(kind, "/") {
		declared = kind
	}
	if declared == "" {
		declared = mime.TypeByExtension(path.Ext(name))
	}
	if declared == "" {
		declared = http.DetectContentType(data)
	}
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
		declared = mediaType
	}
	return payload{name: name, contentType: declared, data: data}, true, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// parseDataURI decodes data:[<mediatype>][;base64],<data>.
func parseDataURI(uri string) (string, []byte, error) {
	header, body, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return "", nil, errors.New("data uri has no payload")
	}
	encoded := strings.HasSuffix(header, ";base64")
	mediaType := strings.TrimSuffix(header, ";base64")
	if encoded {
		data, err := decodeBase64(body)
		if err != nil {
			return "", nil, fmt.Errorf("decode data uri: %w", err)
		}
		return mediaType, data, nil
	}
	data, err := url.PathUnescape(body)
	if err != nil {
		return "", nil, fmt.Errorf("decode data uri: %w", err)
	}
	return mediaType, []byte(data), nil
}

// PublicURL strips access-token query parameters from an object URL so the
// stored src resolves without credentials.
func PublicURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	for key := range q {
		if isTokenParam(key) {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func isTokenParam(key string) bool {
	k := strings.ToLower(key)
	switch k {
	case "token", "access_token", "sig", "signature", "expires":
		return true
	}
	return strings.HasPrefix(k, "x-amz-") || strings.HasPrefix(k, "x-goog-")
}
