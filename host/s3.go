package host

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dpml/transit/artifact"
)

// S3Host serves artifacts from an S3 bucket. The model URL has the form
// s3://bucket/prefix/. Credentials come from the usual AWS environment.
type S3Host struct {
	info
	svc    s3iface.S3API
	bucket string
	prefix string
	sizes  *sizecache
	log    *zap.Logger
}

var _ Host = &S3Host{}

// NewS3 creates an S3 host using a new AWS session.
func NewS3(m Model, opts Options) (*S3Host, error) {
	config := &aws.Config{}
	if m.Region != "" {
		config.Region = aws.String(m.Region)
	}
	if m.Endpoint != "" {
		config.Endpoint = aws.String(m.Endpoint)
		config.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrapf(err, "host %s", m.ID)
	}
	return NewS3WithClient(m, s3.New(sess), opts)
}

// NewS3WithClient creates an S3 host using the given client.
func NewS3WithClient(m Model, svc s3iface.S3API, opts Options) (*S3Host, error) {
	in, err := newInfo(m, opts.Layouts)
	if err != nil {
		return nil, err
	}
	u, err := m.BaseURL()
	if err != nil {
		return nil, err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return nil, errors.Wrapf(ErrBadModel, "host %s: expected s3://bucket/prefix, got %q", m.ID, m.URL)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix == "/" {
		prefix = ""
	}
	return &S3Host{
		info:   in,
		svc:    svc,
		bucket: u.Host,
		prefix: prefix,
		sizes:  newSizeCache(nil),
		log:    opts.logger().With(zap.String("host", m.ID)),
	}, nil
}

func (h *S3Host) key(a artifact.Artifact) string {
	return h.prefix + h.layout.Path(a)
}

// Has with knownOnly answers from the HEAD results seen before. Otherwise
// it always makes a HEAD request.
func (h *S3Host) Has(ctx context.Context, a artifact.Artifact, knownOnly bool) (bool, error) {
	key := h.key(a)
	if knownOnly {
		size, ok := h.sizes.Get(key)
		return ok && size >= 0, nil
	}
	info, err := h.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		h.sizes.Set(key, sizeMissing)
		return false, nil
	} else if err != nil {
		return false, err
	}
	h.sizes.Set(key, aws.Int64Value(info.ContentLength))
	return true, nil
}

// Download copies the object to w and returns its LastModified time.
func (h *S3Host) Download(ctx context.Context, a artifact.Artifact, w io.Writer) (time.Time, error) {
	key := h.key(a)
	out, err := h.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		h.sizes.Set(key, sizeMissing)
		return time.Time{}, errors.Wrapf(ErrNotFound, "s3://%s/%s", h.bucket, key)
	} else if err != nil {
		h.log.Warn("S3 Get", zap.String("key", key), zap.Error(err))
		raven.CaptureError(err, map[string]string{"Bucket": h.bucket, "Key": key})
		return time.Time{}, err
	}
	defer out.Body.Close()
	n, err := io.Copy(w, out.Body)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "downloading s3://%s/%s", h.bucket, key)
	}
	h.sizes.Set(key, n)
	return aws.TimeValue(out.LastModified), nil
}

// Upload stores r as the artifact's object, unless it already exists.
func (h *S3Host) Upload(ctx context.Context, a artifact.Artifact, r io.Reader) error {
	ok, err := h.Has(ctx, a, false)
	if err != nil {
		return err
	}
	if ok {
		return errors.Wrapf(ErrExists, "%s on %s", a, h.id)
	}
	// PutObject needs a ReadSeeker, so buffer the content
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	key := h.key(a)
	_, err = h.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		h.log.Error("S3 Put", zap.String("key", key), zap.Error(err))
		raven.CaptureError(err, map[string]string{"Bucket": h.bucket, "Key": key})
		return err
	}
	h.sizes.Set(key, int64(buf.Len()))
	return nil
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.RequestFailure); ok && aerr.StatusCode() == 404 {
		return true
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
