package webdav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/cloudreve/davcore/pkg/filesystem"
	"github.com/cloudreve/davcore/pkg/util"
)

// maxPropfindDepth bounds a depth infinity PROPFIND to protect the store from
// pathological trees.
const maxPropfindDepth = 3

// Propstat is a property group sharing one HTTP status.
// http://www.webdav.org/specs/rfc4918.html#ELEMENT_propstat
type Propstat struct {
	// Props contains the properties for which Status applies.
	Props []Property

	// Status defines the HTTP status code of the properties in Prop.
	// Allowed values include, but are not limited to the WebDAV status
	// code extensions for HTTP/1.1.
	Status int
}

// makePropstats returns a slice containing those of x and y whose Props slice
// is non-empty. If both are empty, it returns a slice containing an otherwise
// zero Propstat whose HTTP status code is 200 OK.
func makePropstats(x, y Propstat) []Propstat {
	pstats := make([]Propstat, 0, 2)
	if len(x.Props) != 0 {
		pstats = append(pstats, x)
	}
	if len(y.Props) != 0 {
		pstats = append(pstats, y)
	}
	if len(pstats) == 0 {
		pstats = append(pstats, Propstat{
			Status: http.StatusOK,
		})
	}
	return pstats
}

// resource is one entry visited by a PROPFIND.
type resource struct {
	path    string
	item    filesystem.Item
	session filesystem.Session
	h       *Handler
}

type liveProp struct {
	// findFn implements the propfind function of this property. If nil,
	// it indicates a hidden property.
	findFn func(context.Context, *resource) (string, error)
	// dir is true if the property applies to collections.
	dir bool
}

func davName(local string) xml.Name {
	return xml.Name{Space: "DAV:", Local: local}
}

// liveProps contains all supported, protected DAV: properties.
var liveProps = map[xml.Name]liveProp{
	davName("creationdate"): {
		findFn: findCreationDate,
		dir:    true,
	},
	davName("displayname"): {
		findFn: findDisplayName,
		dir:    true,
	},
	davName("getcontentlanguage"): {},
	davName("getcontentlength"): {
		findFn: findContentLength,
	},
	davName("getcontenttype"): {
		findFn: findContentType,
	},
	davName("getetag"): {
		findFn: findETag,
	},
	davName("getlastmodified"): {
		findFn: findLastModified,
	},
	davName("lockdiscovery"): {
		findFn: findLockDiscovery,
		dir:    true,
	},
	davName("resourcetype"): {
		findFn: findResourceType,
		dir:    true,
	},
	davName("supportedlock"): {
		findFn: findSupportedLock,
		dir:    true,
	},
}

// livePropOrder fixes the order properties are emitted in allprop and
// propname responses.
var livePropOrder = []xml.Name{
	davName("creationdate"),
	davName("displayname"),
	davName("getcontentlanguage"),
	davName("getcontentlength"),
	davName("getcontenttype"),
	davName("getetag"),
	davName("getlastmodified"),
	davName("lockdiscovery"),
	davName("resourcetype"),
	davName("supportedlock"),
}

// props returns the status of the properties named pnames for r.
//
// Each Propstat has a unique status and each property name will only be part
// of one Propstat element.
func props(ctx context.Context, r *resource, pnames []xml.Name) ([]Propstat, error) {
	isDir := r.item.IsCollection()
	pstatOK := Propstat{Status: http.StatusOK}
	pstatNotFound := Propstat{Status: http.StatusNotFound}
	for _, pn := range pnames {
		prop := liveProps[pn]
		if prop.findFn == nil || (isDir && !prop.dir) {
			pstatNotFound.Props = append(pstatNotFound.Props, Property{XMLName: pn})
			continue
		}

		innerXML, err := prop.findFn(ctx, r)
		if err != nil {
			if errors.Is(err, ErrNotImplemented) {
				pstatNotFound.Props = append(pstatNotFound.Props, Property{XMLName: pn})
				continue
			}
			return nil, err
		}
		pstatOK.Props = append(pstatOK.Props, Property{
			XMLName:  pn,
			InnerXML: []byte(innerXML),
		})
	}
	return makePropstats(pstatOK, pstatNotFound), nil
}

// propnames returns the property names defined for r.
func propnames(r *resource) []xml.Name {
	isDir := r.item.IsCollection()
	pnames := make([]xml.Name, 0, len(liveProps))
	for _, pn := range livePropOrder {
		if prop := liveProps[pn]; prop.findFn != nil && (prop.dir || !isDir) {
			pnames = append(pnames, pn)
		}
	}
	return pnames
}

// allprop returns the properties defined for r and the properties named in
// include.
//
// See http://www.webdav.org/specs/rfc4918.html#METHOD_PROPFIND
func allprop(ctx context.Context, r *resource, include []xml.Name) ([]Propstat, error) {
	pnames := propnames(r)
	nameset := make(map[xml.Name]bool, len(pnames))
	for _, pn := range pnames {
		nameset[pn] = true
	}
	for _, pn := range include {
		if !nameset[pn] {
			pnames = append(pnames, pn)
		}
	}
	return props(ctx, r, pnames)
}

// ErrNotImplemented is returned by a property finder that has no value for
// the resource.
var ErrNotImplemented = errors.New("not implemented")

func findResourceType(ctx context.Context, r *resource) (string, error) {
	if r.item.IsCollection() {
		return `<D:collection/>`, nil
	}
	return "", nil
}

func findDisplayName(ctx context.Context, r *resource) (string, error) {
	if r.path == "/" {
		return "", nil
	}
	return escape(path.Base(r.path)), nil
}

func findContentLength(ctx context.Context, r *resource) (string, error) {
	return strconv.FormatInt(r.item.Size(), 10), nil
}

func findLastModified(ctx context.Context, r *resource) (string, error) {
	return r.item.ModifiedAt().UTC().Format(http.TimeFormat), nil
}

func findCreationDate(ctx context.Context, r *resource) (string, error) {
	return r.item.CreatedAt().UTC().Format(creationDateFormat), nil
}

func findContentType(ctx context.Context, r *resource) (string, error) {
	return escape(contentType(r.path, r.item)), nil
}

func findETag(ctx context.Context, r *resource) (string, error) {
	return escape(etag(r.item)), nil
}

func findLockDiscovery(ctx context.Context, r *resource) (string, error) {
	info, err := r.session.GetLock(ctx, r.path)
	if err != nil {
		return "", err
	}
	now := r.h.locks.now()
	if info == nil || info.Expired(now) {
		return "", nil
	}

	var b strings.Builder
	for _, token := range info.Tokens {
		b.WriteString(activeLock(info, token, now))
	}
	return b.String(), nil
}

func findSupportedLock(ctx context.Context, r *resource) (string, error) {
	return `` +
		`<D:lockentry>` +
		`<D:lockscope><D:exclusive/></D:lockscope>` +
		`<D:locktype><D:write/></D:locktype>` +
		`</D:lockentry>` +
		`<D:lockentry>` +
		`<D:lockscope><D:shared/></D:lockscope>` +
		`<D:locktype><D:write/></D:locktype>` +
		`</D:lockentry>`, nil
}

const creationDateFormat = "2006-01-02T15:04:05Z"

// etag is the weak validator of an item, built from its length and
// modification time in milliseconds.
func etag(item filesystem.Item) string {
	return fmt.Sprintf(`W/"%d-%d"`, item.Size(), item.ModifiedAt().UnixMilli())
}

func contentType(p string, item filesystem.Item) string {
	if t := item.ContentType(); t != "" {
		return t
	}
	return filesystem.TypeByName(path.Base(p))
}

// walk visits root and its descendants breadth first, every item at depth n
// before any item at depth n+1. Infinite depth is capped at maxPropfindDepth.
func walk(ctx context.Context, s filesystem.Session, root string, depth int, fn func(p string, item filesystem.Item) error) error {
	if depth == infiniteDepth || depth > maxPropfindDepth {
		depth = maxPropfindDepth
	}

	item, err := s.Item(ctx, root)
	if err != nil {
		return err
	}

	type entry struct {
		path string
		item filesystem.Item
	}
	current := []entry{{path: root, item: item}}
	for level := 0; len(current) > 0; level++ {
		var nextLevel []entry
		for _, e := range current {
			if err := ctx.Err(); err != nil {
				return filesystem.ErrClientCanceled
			}
			if err := fn(e.path, e.item); err != nil {
				return err
			}
			if !e.item.IsCollection() || level >= depth {
				continue
			}

			children, err := s.List(ctx, e.path)
			if err != nil {
				return err
			}
			for _, name := range children {
				p := path.Join(e.path, name)
				child, err := s.Item(ctx, p)
				if err != nil {
					if filesystem.IsNotExist(err) {
						continue
					}
					return err
				}
				nextLevel = append(nextLevel, entry{path: p, item: child})
			}
		}
		current = nextLevel
	}
	return nil
}

// propfindHref is the href of p below the servlet prefix. Collections end with
// a slash.
func propfindHref(prefix, p string, collection bool) string {
	href := path.Join("/", prefix, p)
	if collection {
		href = util.FillSlash(href)
	}
	return href
}
