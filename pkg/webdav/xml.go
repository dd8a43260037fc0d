package webdav

// The XML encoding is covered by Section 14.
// http://www.webdav.org/specs/rfc4918.html#xml.element.definitions

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cloudreve/davcore/pkg/filesystem"
)

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_lockinfo
type lockInfo struct {
	XMLName   xml.Name  `xml:"lockinfo"`
	Exclusive *struct{} `xml:"lockscope>exclusive"`
	Shared    *struct{} `xml:"lockscope>shared"`
	Write     *struct{} `xml:"locktype>write"`
	Owner     owner     `xml:"owner"`
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_owner
type owner struct {
	Href string `xml:"href"`
	Text string `xml:",chardata"`
}

// String returns the owner href, or the bare text when no href is given.
func (o owner) String() string {
	if href := strings.TrimSpace(o.Href); href != "" {
		return href
	}
	return strings.TrimSpace(o.Text)
}

func (li lockInfo) scope() string {
	if li.Shared != nil {
		return filesystem.ScopeShared
	}
	return filesystem.ScopeExclusive
}

func readLockInfo(r io.Reader) (li lockInfo, refresh bool, status int, err error) {
	if r == nil {
		r = http.NoBody
	}
	c := &countingReader{r: r}
	if err = xml.NewDecoder(c).Decode(&li); err != nil {
		if err == io.EOF {
			if c.n == 0 {
				// An empty body means to refresh the lock.
				// http://www.webdav.org/specs/rfc4918.html#refreshing-locks
				return lockInfo{}, true, 0, nil
			}
			err = errInvalidLockInfo
		}
		return lockInfo{}, false, http.StatusBadRequest, err
	}
	if li.Write == nil || (li.Exclusive == nil) == (li.Shared == nil) {
		return lockInfo{}, false, http.StatusBadRequest, errUnsupportedLockInfo
	}
	return li, false, 0, nil
}

type countingReader struct {
	n int
	r io.Reader
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func depthText(depth int) string {
	if depth == filesystem.DepthZero {
		return "0"
	}
	return "Infinity"
}

// activeLock renders one activelock element for token of info.
func activeLock(info *filesystem.LockInfo, token string, now time.Time) string {
	return fmt.Sprintf("<D:activelock>"+
		"<D:locktype><D:write/></D:locktype>"+
		"<D:lockscope><D:%s/></D:lockscope>"+
		"<D:depth>%s</D:depth>"+
		"<D:owner><D:href>%s</D:href></D:owner>"+
		"<D:timeout>Second-%d</D:timeout>"+
		"<D:locktoken><D:href>%s%s</D:href></D:locktoken>"+
		"</D:activelock>",
		info.Scope, depthText(info.Depth), escape(info.Owner),
		info.Remaining(now), lockTokenScheme, escape(token),
	)
}

func writeLockInfo(w io.Writer, token string, info *filesystem.LockInfo, now time.Time) (int, error) {
	return fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n"+
		"<D:prop xmlns:D=\"DAV:\"><D:lockdiscovery>%s</D:lockdiscovery></D:prop>",
		activeLock(info, token, now),
	)
}

func escape(s string) string {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '&', '\'', '<', '>':
			b := bytes.NewBuffer(nil)
			xml.EscapeText(b, []byte(s))
			return b.String()
		}
	}
	return s
}

// Next returns the next token, if any, in the XML stream of d.
// RFC 4918 requires to ignore comments, processing instructions
// and directives.
// http://www.webdav.org/specs/rfc4918.html#property_values
// http://www.webdav.org/specs/rfc4918.html#xml-extensibility
func next(d *xml.Decoder) (xml.Token, error) {
	for {
		t, err := d.Token()
		if err != nil {
			return t, err
		}
		switch t.(type) {
		case xml.Comment, xml.Directive, xml.ProcInst:
			continue
		default:
			return t, nil
		}
	}
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_prop (for propfind)
type propfindProps []xml.Name

// UnmarshalXML appends the property names enclosed within start to pn.
//
// It returns an error if start does not contain any properties or if
// properties contain values. Character data between properties is ignored.
func (pn *propfindProps) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		t, err := next(d)
		if err != nil {
			return err
		}
		switch elem := t.(type) {
		case xml.EndElement:
			if len(*pn) == 0 {
				return fmt.Errorf("%s must not be empty", start.Name.Local)
			}
			return nil
		case xml.StartElement:
			t, err = next(d)
			if err != nil {
				return err
			}
			if _, ok := t.(xml.EndElement); !ok {
				return fmt.Errorf("unexpected token %T", t)
			}
			*pn = append(*pn, elem.Name)
		}
	}
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_propfind
type propfind struct {
	XMLName  xml.Name      `xml:"DAV: propfind"`
	Allprop  *struct{}     `xml:"DAV: allprop"`
	Propname *struct{}     `xml:"DAV: propname"`
	Prop     propfindProps `xml:"DAV: prop"`
	Include  propfindProps `xml:"DAV: include"`
}

func readPropfind(r io.Reader) (pf propfind, status int, err error) {
	if r == nil {
		r = http.NoBody
	}
	c := countingReader{r: r}
	if err = xml.NewDecoder(&c).Decode(&pf); err != nil {
		if err == io.EOF {
			if c.n == 0 {
				// An empty body means to propfind allprop.
				// http://www.webdav.org/specs/rfc4918.html#METHOD_PROPFIND
				return propfind{Allprop: new(struct{})}, 0, nil
			}
			err = errInvalidPropfind
		}
		return propfind{}, http.StatusBadRequest, err
	}

	if pf.Allprop == nil && pf.Include != nil {
		return propfind{}, http.StatusBadRequest, errInvalidPropfind
	}
	if pf.Allprop != nil && (pf.Prop != nil || pf.Propname != nil) {
		return propfind{}, http.StatusBadRequest, errInvalidPropfind
	}
	if pf.Prop != nil && pf.Propname != nil {
		return propfind{}, http.StatusBadRequest, errInvalidPropfind
	}
	if pf.Propname == nil && pf.Allprop == nil && pf.Prop == nil {
		return propfind{}, http.StatusBadRequest, errInvalidPropfind
	}
	return pf, 0, nil
}

// Property represents a single DAV resource property as defined in RFC 4918.
// See http://www.webdav.org/specs/rfc4918.html#data.model.for.resource.properties
type Property struct {
	// XMLName is the fully qualified name that identifies this property.
	XMLName xml.Name

	// InnerXML contains the XML representation of the property value.
	// Values must be self-contained, they may use the "D:" prefix which is
	// declared on the multistatus element.
	InnerXML []byte `xml:",innerxml"`
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_propstat
// See multistatusWriter for the "D:" namespace prefix.
type propstat struct {
	Prop   []Property `xml:"D:prop>_ignored_"`
	Status string     `xml:"D:status"`
}

// MarshalXML prepends the "D:" namespace prefix on properties in the DAV: namespace
// before encoding. See multistatusWriter.
func (ps propstat) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	props := make([]Property, len(ps.Prop))
	for k, prop := range ps.Prop {
		if prop.XMLName.Space == "DAV:" {
			prop.XMLName = xml.Name{Space: "", Local: "D:" + prop.XMLName.Local}
		}
		props[k] = prop
	}
	ps.Prop = props
	// Distinct type to avoid infinite recursion of MarshalXML.
	type newpropstat propstat
	return e.EncodeElement(newpropstat(ps), start)
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_response
// See multistatusWriter for the "D:" namespace prefix.
type response struct {
	XMLName  xml.Name   `xml:"D:response"`
	Href     []string   `xml:"D:href"`
	Propstat []propstat `xml:"D:propstat"`
	Status   string     `xml:"D:status,omitempty"`
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, StatusText(code))
}

func hrefOf(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

// multistatusWriter marshals one or more responses into a XML multistatus
// response. Every element carries the "D:" prefix declared on the root
// element, some versions of Mini-Redirector ignore elements in a default
// namespace.
// See http://www.webdav.org/specs/rfc4918.html#ELEMENT_multistatus
type multistatusWriter struct {
	w   http.ResponseWriter
	enc *xml.Encoder
}

var multistatusName = xml.Name{Local: "D:multistatus"}

// write validates and emits a DAV response as part of a multistatus response
// element. The first call sets the 207 status on the underlying writer.
func (w *multistatusWriter) write(r *response) error {
	switch len(r.Href) {
	case 0:
		return errInvalidResponse
	case 1:
		if len(r.Propstat) > 0 != (r.Status == "") {
			return errInvalidResponse
		}
	default:
		if len(r.Propstat) > 0 || r.Status == "" {
			return errInvalidResponse
		}
	}
	if err := w.writeHeader(); err != nil {
		return err
	}
	return w.enc.Encode(r)
}

func (w *multistatusWriter) writeHeader() error {
	if w.enc != nil {
		return nil
	}
	w.w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.w.WriteHeader(StatusMulti)
	if _, err := fmt.Fprintf(w.w, `<?xml version="1.0" encoding="UTF-8"?>`); err != nil {
		return err
	}
	w.enc = xml.NewEncoder(w.w)
	return w.enc.EncodeToken(xml.StartElement{
		Name: multistatusName,
		Attr: []xml.Attr{{
			Name:  xml.Name{Local: "xmlns:D"},
			Value: "DAV:",
		}},
	})
}

// close completes the multistatus document. It is a no-op when nothing was
// written.
func (w *multistatusWriter) close() error {
	if w.enc == nil {
		return nil
	}
	if err := w.enc.EncodeToken(xml.EndElement{Name: multistatusName}); err != nil {
		return err
	}
	return w.enc.Flush()
}

func makePropstatResponse(href string, pstats []Propstat) *response {
	resp := response{
		Href:     []string{hrefOf(href)},
		Propstat: make([]propstat, 0, len(pstats)),
	}
	for _, p := range pstats {
		resp.Propstat = append(resp.Propstat, propstat{
			Status: statusLine(p.Status),
			Prop:   p.Props,
		})
	}
	return &resp
}

// requestURL returns the absolute URL the client addressed.
func requestURL(r *http.Request) *url.URL {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return &url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path}
}

// writeErrorReport renders failures, a map of store path to status, as a
// multistatus body. Each href is the absolute request URL with the path below
// root appended.
func writeErrorReport(w http.ResponseWriter, r *http.Request, root string, failures map[string]int) error {
	base := requestURL(r)
	paths := make([]string, 0, len(failures))
	for p := range failures {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	mw := multistatusWriter{w: w}
	for _, p := range paths {
		sub := strings.TrimPrefix(p, root)
		if root == "/" {
			sub = p
		}
		if err := mw.write(&response{
			Href:   []string{(&url.URL{Scheme: base.Scheme, Host: base.Host, Path: path.Join(base.Path, sub)}).String()},
			Status: statusLine(failures[p]),
		}); err != nil {
			return err
		}
	}
	return mw.close()
}
