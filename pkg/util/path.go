package util

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	DataFolder = "data"
)

var UseWorkingDir = false

// FillSlash 给路径补全`/`
func FillSlash(path string) string {
	if path == "/" {
		return path
	}
	return path + "/"
}

// RemoveSlash 移除路径最后的`/`
func RemoveSlash(path string) string {
	if len(path) > 1 {
		return strings.TrimSuffix(path, "/")
	}
	return path
}

// SlashClean is equivalent to but slightly more efficient than
// path.Clean("/" + name).
func SlashClean(name string) string {
	if name == "" || name[0] != '/' {
		name = "/" + name
	}
	return path.Clean(name)
}

// IsDescendant reports whether child lies strictly below parent. Both paths
// must be slash-cleaned.
func IsDescendant(parent, child string) bool {
	if parent == child {
		return false
	}
	return parent == "/" || strings.HasPrefix(child, parent+"/")
}

// RelativePath 获取相对可执行文件的路径
func RelativePath(name string) string {
	if UseWorkingDir {
		return name
	}

	if filepath.IsAbs(name) {
		return name
	}
	e, _ := os.Executable()
	return filepath.Join(filepath.Dir(e), name)
}

// DataPath relative path for store persist data file
func DataPath(child string) string {
	dataPath := RelativePath(DataFolder)
	if !Exists(dataPath) {
		os.MkdirAll(dataPath, 0700)
	}

	if filepath.IsAbs(child) {
		return child
	}

	return filepath.Join(dataPath, child)
}
