package audit

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// Uploader is the part of the S3 client the archive needs.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive moves oversize transcripts to S3 before handing the entry on.
// The stored entry keeps the first MaxInline bytes and the object key.
type Archive struct {
	Next      Recorder
	Client    Uploader
	Bucket    string
	Prefix    string
	MaxInline int
	Log       *logrus.Entry
}

func (a *Archive) Record(ctx context.Context, e Entry) error {
	if a.Client != nil && a.Bucket != "" && len(e.Output) > a.MaxInline {
		key := a.Prefix + e.JobID + ".log"
		_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.Bucket),
			Key:         aws.String(key),
			Body:        strings.NewReader(e.Output),
			ContentType: aws.String("text/plain; charset=utf-8"),
		})
		if err != nil {
			// keep the full transcript inline
			if a.Log != nil {
				a.Log.WithError(err).WithField("job_id", e.JobID).Warn("archive transcript")
			}
		} else {
			e.TranscriptKey = key
			e.Output = truncate(e.Output, a.MaxInline)
		}
	}
	return a.Next.Record(ctx, e)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// NewS3Client builds an S3 client for region. A non-empty endpoint selects
// path-style addressing against that URL (MinIO, localstack).
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
