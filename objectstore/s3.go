package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

// S3Config carries the connection settings of the S3-compatible backend
// (AWS or MinIO).
type S3Config struct {
	Region       string
	BaseEndpoint string
	Bucket       string
	AccessKey    string
	SecretKey    string
}

// S3Store is the production ObjectStore. Authenticated-mode objects live
// under a prefix that bucket policy keeps private; Get goes through a
// presigned URL like any external consumer would.
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	httpClient    *http.Client
	config        S3Config
	logger        zerolog.Logger
}

func NewS3Store(ctx context.Context, config S3Config, logger zerolog.Logger) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(config.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")),
	)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(config.BaseEndpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		httpClient:    &http.Client{},
		config:        config,
		logger:        logger.With().Str("component", "s3Store").Logger(),
	}, nil
}

func keyFor(access common_models.AccessMode) string {
	d := time.Now()
	prefix := "public"
	if access == common_models.AccessModeAuthenticated {
		prefix = "auth"
	}
	return fmt.Sprintf("%s/%d/%d/%d/%v", prefix, d.Year(), d.Month(), d.Day(), uuid.New())
}

func (s *S3Store) Put(ctx context.Context, data []byte, access common_models.AccessMode, contentType string) (string, error) {
	key := keyFor(access)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", tracerr.Wrap(ErrorPutFailed.AddDetails(err.Error()))
	}
	s.logger.Debug().Str("locator", key).Int("size", len(data)).Msg("Stored object")
	return key, nil
}

func (s *S3Store) Get(ctx context.Context, locator string) ([]byte, error) {
	presigned, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(locator),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return nil, tracerr.Wrap(ErrorGetFailed.AddDetails(err.Error()))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, presigned.URL, nil)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, tracerr.Wrap(ErrorGetFailed.AddDetails(err.Error()))
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return nil, tracerr.Wrap(ErrorObjectNotFound.AddDetails(locator))
	}
	if response.StatusCode != http.StatusOK {
		return nil, tracerr.Wrap(ErrorGetFailed.AddDetails(fmt.Sprintf("status %d", response.StatusCode)))
	}
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return data, nil
}

func (s *S3Store) Destroy(ctx context.Context, locator string, _ common_models.AccessMode) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(locator),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			s.logger.Debug().Str("locator", locator).Msg("Object already gone")
			return nil
		}
		return tracerr.Wrap(ErrorDestroyFailed.AddDetails(err.Error()))
	}
	return nil
}

func (s *S3Store) PublicURL(locator string) string {
	if s.config.BaseEndpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.config.BaseEndpoint, s.config.Bucket, locator)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.config.Bucket, s.config.Region, locator)
}
