package webdav

import (
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/cloudreve/davcore/pkg/serializer"
)

var (
	ErrRangeNotSatisfiable = serializer.NewError(serializer.CodeRangeNotSatisfiable, "Requested range not satisfiable", nil)
	ErrInvalidContentRange = serializer.NewError(serializer.CodeParamErr, "Invalid Content-Range header", nil)
)

// Range is one inclusive byte range of a resource with the given total length.
type Range struct {
	Start  int64
	End    int64
	Length int64
}

// Size returns the number of bytes covered by r.
func (r Range) Size() int64 {
	return r.End - r.Start + 1
}

// Valid reports whether r describes bytes that exist.
func (r Range) Valid() bool {
	return r.Length > 0 && r.Start >= 0 && r.Start <= r.End && r.End < r.Length
}

func (r Range) contentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Length)
}

func (r Range) mimeHeader(contentType string) textproto.MIMEHeader {
	return textproto.MIMEHeader{
		"Content-Range": {r.contentRange()},
		"Content-Type":  {contentType},
	}
}

// ParseRange parses a Range header against a resource of the given length.
// A nil result without error means the full entity should be sent.
func ParseRange(s string, length int64) ([]Range, error) {
	if s == "" {
		return nil, nil // header not present
	}

	const b = "bytes="
	if !strings.HasPrefix(s, b) || length <= 0 {
		return nil, ErrRangeNotSatisfiable
	}

	var ranges []Range
	for _, ra := range strings.Split(s[len(b):], ",") {
		ra = textproto.TrimString(ra)
		if ra == "" {
			continue
		}
		start, end, ok := strings.Cut(ra, "-")
		if !ok {
			return nil, ErrRangeNotSatisfiable
		}
		start, end = textproto.TrimString(start), textproto.TrimString(end)

		r := Range{Length: length, End: length - 1}
		if start == "" {
			// Suffix range, the last N bytes.
			if end == "" || end[0] == '-' {
				return nil, ErrRangeNotSatisfiable
			}
			n, err := strconv.ParseInt(end, 10, 64)
			if err != nil || n <= 0 {
				return nil, ErrRangeNotSatisfiable
			}
			r.Start = length - n
			if r.Start < 0 {
				r.Start = 0
			}
		} else {
			i, err := strconv.ParseInt(start, 10, 64)
			if err != nil || i < 0 {
				return nil, ErrRangeNotSatisfiable
			}
			r.Start = i
			if end != "" {
				i, err := strconv.ParseInt(end, 10, 64)
				if err != nil {
					return nil, ErrRangeNotSatisfiable
				}
				if i >= length {
					i = length - 1
				}
				r.End = i
			}
		}

		if !r.Valid() {
			return nil, ErrRangeNotSatisfiable
		}
		ranges = append(ranges, r)
	}

	if len(ranges) == 0 {
		return nil, ErrRangeNotSatisfiable
	}
	return ranges, nil
}

// CheckIfRange reports whether a range request may be honored given the
// If-Range header. A mismatching entity tag or a resource modified after the
// given date downgrades the request to the full entity.
func CheckIfRange(ifRange, etag string, modified time.Time) bool {
	if ifRange == "" {
		return true
	}

	if t, err := http.ParseTime(ifRange); err == nil {
		// Header dates only have second precision.
		return !modified.After(t.Add(time.Second))
	}

	return ifRange == etag
}

// ParseContentRange parses a "bytes S-E/L" Content-Range request header.
func ParseContentRange(s string) (Range, error) {
	const b = "bytes "
	s = textproto.TrimString(s)
	if !strings.HasPrefix(s, b) {
		return Range{}, ErrInvalidContentRange
	}

	bounds, total, ok := strings.Cut(s[len(b):], "/")
	if !ok {
		return Range{}, ErrInvalidContentRange
	}
	start, end, ok := strings.Cut(bounds, "-")
	if !ok {
		return Range{}, ErrInvalidContentRange
	}

	var (
		r   Range
		err error
	)
	if r.Start, err = strconv.ParseInt(textproto.TrimString(start), 10, 64); err != nil {
		return Range{}, ErrInvalidContentRange.WithError(err)
	}
	if r.End, err = strconv.ParseInt(textproto.TrimString(end), 10, 64); err != nil {
		return Range{}, ErrInvalidContentRange.WithError(err)
	}
	if r.Length, err = strconv.ParseInt(textproto.TrimString(total), 10, 64); err != nil {
		return Range{}, ErrInvalidContentRange.WithError(err)
	}

	if !r.Valid() {
		return Range{}, ErrInvalidContentRange
	}
	return r, nil
}
