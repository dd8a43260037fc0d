package filesystem

import (
	"mime"
	"path"
	"strings"
)

const defaultContentType = "application/octet-stream"

// fallbackTypes take precedence over the system mime table.
var fallbackTypes = map[string]string{
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown",
	".log":  "text/plain",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".flac": "audio/flac",
	".heic": "image/heic",
	".7z":   "application/x-7z-compressed",
}

// TypeByName returns the mime type of a leaf by its file name.
func TypeByName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if t, ok := fallbackTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return defaultContentType
}
