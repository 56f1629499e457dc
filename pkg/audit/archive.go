package audit

import (
	"bytes"
	"context"
	"io"
)

// Archiver stores a copy of rows about to be bulk deleted and returns where
// they went.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) (string, error)
}

// ObjectPutter is the subset of an object store client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
	Bucket() string
}

// ObjectArchiver writes archives as CSV objects
type ObjectArchiver struct {
	objects ObjectPutter
	prefix  string
}

// NewObjectArchiver creates an archiver writing under prefix
func NewObjectArchiver(objects ObjectPutter, prefix string) *ObjectArchiver {
	return &ObjectArchiver{objects: objects, prefix: prefix}
}

// Archive uploads body and returns its s3:// location
func (a *ObjectArchiver) Archive(ctx context.Context, key string, body []byte) (string, error) {
	key = a.prefix + key
	if err := a.objects.PutObject(ctx, key, bytes.NewReader(body), "text/csv"); err != nil {
		return "", err
	}
	return "s3://" + a.objects.Bucket() + "/" + key, nil
}
