package minio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"ppe-monitor/internal/models"

	"github.com/disintegration/imaging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

const (
	evidenceFolder  = "evidence"
	thumbnailFolder = "thumbnails"
	thumbnailWidth  = 320
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// PublicURL is the base of the returned references; defaults to the endpoint.
	PublicURL string
	// PublicRead grants anonymous GET on evidence and thumbnails so the
	// returned references resolve in a browser. Without it PublicURL must
	// point at something that serves the bucket with credentials.
	PublicRead bool
	Logger     logrus.FieldLogger
}

type Client struct {
	client    *minio.Client
	bucket    string
	publicURL string
	logger    logrus.FieldLogger
}

// NewClient creates a Minio client and prepares the evidence bucket.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	minioClient, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	publicURL := opts.PublicURL
	if publicURL == "" {
		publicURL = minioClient.EndpointURL().String()
	}

	client := &Client{
		client:    minioClient,
		bucket:    opts.Bucket,
		publicURL: publicURL,
		logger:    opts.Logger.WithField("bucket", opts.Bucket),
	}

	if err := client.prepareBucket(ctx, opts.PublicRead); err != nil {
		return nil, fmt.Errorf("failed to prepare bucket %s: %w", opts.Bucket, err)
	}

	client.logger.WithField("public_url", publicURL).Info("Minio client initialized")
	return client, nil
}

// prepareBucket creates the evidence bucket if needed and, with publicRead,
// opens its evidence and thumbnail prefixes to anonymous reads.
func (c *Client) prepareBucket(ctx context.Context, publicRead bool) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		c.logger.Info("Created bucket")
	}

	if !publicRead {
		return nil
	}

	policy, err := ReadPolicy(c.bucket, evidenceFolder, thumbnailFolder)
	if err != nil {
		return err
	}
	if err := c.client.SetBucketPolicy(ctx, c.bucket, policy); err != nil {
		return fmt.Errorf("failed to set bucket policy: %w", err)
	}
	return nil
}

type policyStatement struct {
	Effect    string              `json:"Effect"`
	Principal map[string][]string `json:"Principal"`
	Action    []string            `json:"Action"`
	Resource  []string            `json:"Resource"`
}

type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// ReadPolicy builds an S3 bucket policy allowing anonymous GetObject on the
// given key prefixes.
func ReadPolicy(bucket string, prefixes ...string) (string, error) {
	resources := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		resources = append(resources, fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, strings.Trim(prefix, "/")))
	}

	doc, err := json.Marshal(bucketPolicy{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string][]string{"AWS": {"*"}},
			Action:    []string{"s3:GetObject"},
			Resource:  resources,
		}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode bucket policy: %w", err)
	}
	return string(doc), nil
}

// putObject stores data under key in the evidence bucket.
func (c *Client) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	info, err := c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	c.logger.WithFields(logrus.Fields{
		"key":  key,
		"size": info.Size,
		"etag": info.ETag,
	}).Debug("Uploaded object")
	return nil
}

// UploadEvidence stores the annotated frame of a violating job and returns its
// durable URL. The object key only depends on the job, so a retried attempt
// overwrites the object of the previous one. A thumbnail is written next to it
// on a best-effort basis.
func (c *Client) UploadEvidence(ctx context.Context, job models.FrameJob, annotatedFrame string) (string, error) {
	data, err := DecodeFrame(annotatedFrame)
	if err != nil {
		return "", err
	}

	key := EvidenceKey(job)
	if err := c.putObject(ctx, key, data, "image/jpeg"); err != nil {
		return "", fmt.Errorf("failed to upload evidence for camera %s: %w", job.CameraID, err)
	}

	log := c.logger.WithFields(logrus.Fields{"job_id": job.ID, "camera_id": job.CameraID, "object": key})
	if thumb, err := Thumbnail(data, thumbnailWidth); err != nil {
		log.WithError(err).Warn("Skipping evidence thumbnail")
	} else if err := c.putObject(ctx, thumbnailFolder+"/"+strings.TrimPrefix(key, evidenceFolder+"/"), thumb, "image/jpeg"); err != nil {
		log.WithError(err).Warn("Failed to upload evidence thumbnail")
	}

	log.Debug("Uploaded evidence")
	return ObjectURL(c.publicURL, c.bucket, key)
}

// EvidenceKey builds the object key of a job's evidence image from the camera
// id and the enqueue time, plus the job id to keep same-millisecond frames apart.
func EvidenceKey(job models.FrameJob) string {
	return fmt.Sprintf("%s/violation-%s-%d-%s.jpg",
		evidenceFolder, sanitize(string(job.CameraID)), job.EnqueuedAt.UnixMilli(), job.ID)
}

// ObjectURL joins the public base, bucket and key into a reference.
func ObjectURL(base, bucket, key string) (string, error) {
	u, err := url.JoinPath(base, bucket, key)
	if err != nil {
		return "", fmt.Errorf("failed to build evidence url: %w", err)
	}
	return u, nil
}

// DecodeFrame accepts plain base64 or a data URI.
func DecodeFrame(frame string) ([]byte, error) {
	if i := strings.Index(frame, ";base64,"); i >= 0 && strings.HasPrefix(frame, "data:") {
		frame = frame[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("failed to decode frame: empty payload")
	}
	return data, nil
}

// Thumbnail resizes an encoded image to width, keeping its aspect ratio.
func Thumbnail(data []byte, width int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
