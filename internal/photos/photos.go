// Package photos stores catch photos in S3. Every photo is sealed with its
// own random key before upload; the key is kept in the FishCaught record's
// photoKey field, which field encryption protects like any other sensitive
// value.
package photos

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/fishkeeper/internal/cryptox"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/google/uuid"
)

const (
	FieldPhotoPath = "photoPath"
	FieldPhotoKey  = "photoKey"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

var ErrNoPhoto = errors.New("record has no photo")

// Config locates the bucket. Empty credentials fall back to the default
// AWS credential chain.
type Config struct {
	Region    string
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// ObjectAPI is the subset of *s3.Client the service uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Ref points at one uploaded photo and holds the key that opens it.
type Ref struct {
	Path string
	Key  []byte
}

type Service struct {
	client ObjectAPI
	bucket string
	log    logging.Logger
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config, log logging.Logger) (*Service, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3-compatible servers may reject the default checksum trailers
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewWithClient(client, cfg.Bucket, log), nil
}

func NewWithClient(client ObjectAPI, bucket string, log logging.Logger) *Service {
	return &Service{client: client, bucket: bucket, log: logging.OrDiscard(log).With("component", "photos")}
}

func objectPath(ownerID string) string {
	return fmt.Sprintf("photos/%s/%s", ownerID, uuid.New())
}

// Upload seals photo under a fresh key and stores it for ownerID.
func (s *Service) Upload(ctx context.Context, ownerID string, photo []byte) (Ref, error) {
	blob, err := cryptox.EncryptBlob(photo)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to seal photo: %w", err)
	}
	path := objectPath(ownerID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(blob.Ciphertext),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return Ref{}, fmt.Errorf("failed to upload photo: %w", err)
	}
	s.log.Debug(ctx, "photo uploaded", "path", path, "bytes", len(blob.Ciphertext))
	return Ref{Path: path, Key: blob.Key}, nil
}

// Download fetches and opens the photo ref points at.
func (s *Service) Download(ctx context.Context, ref Ref) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.Path),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download photo: %w", err)
	}
	defer out.Body.Close()

	blob, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	photo, err := cryptox.DecryptBlob(ref.Key, blob)
	if err != nil {
		return nil, fmt.Errorf("failed to open photo %s: %w", ref.Path, err)
	}
	return photo, nil
}

func (s *Service) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete photo: %w", err)
	}
	return nil
}

// Attach stores ref in rec.
func Attach(rec models.Record, ref Ref) {
	rec[FieldPhotoPath] = ref.Path
	rec[FieldPhotoKey] = base64.StdEncoding.EncodeToString(ref.Key)
}

// FromRecord reads the ref Attach stored. The record must already be
// decrypted.
func FromRecord(rec models.Record) (Ref, error) {
	path, _ := rec[FieldPhotoPath].(string)
	key, _ := rec[FieldPhotoKey].(string)
	if path == "" || key == "" {
		return Ref{}, ErrNoPhoto
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != cryptox.KeySize {
		return Ref{}, fmt.Errorf("photo key of %s is unreadable", path)
	}
	return Ref{Path: path, Key: raw}, nil
}
