package filesystem

import "time"

type object struct {
	name       string
	collection bool
	size       int64
	mimeType   string
	created    time.Time
	modified   time.Time
}

func (o *object) Name() string          { return o.name }
func (o *object) IsCollection() bool    { return o.collection }
func (o *object) Size() int64           { return o.size }
func (o *object) ContentType() string   { return o.mimeType }
func (o *object) CreatedAt() time.Time  { return o.created }
func (o *object) ModifiedAt() time.Time { return o.modified }
