// Package media generates presigned object-storage URLs for the
// out-of-band encrypted blobs a CryptoMessage.Metadata field can
// reference (SPEC_FULL.md §6). The engine never sees attachment
// plaintext: encryption happens client-side before upload, exactly as
// the application ciphertext does in the ratchet itself.
//
// Grounded on internal/media/presigned.go's MediaService, generalized
// to track each blob as a models.MediaJob persisted through
// store.Store rather than an untracked object-storage key.
package media

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/store"
)

// Service issues presigned upload/download URLs and records each blob
// as a MediaJob so the engine can track upload completion alongside
// the EncryptedMessage that references it.
type Service struct {
	client     *minio.Client
	store      store.Store
	bucket     string
	cdnBaseURL string // optional CDN URL for downloads
}

// UploadURLResult is returned to the caller requesting a new upload slot.
type UploadURLResult struct {
	MediaID   uuid.UUID `json:"media_id"`
	UploadURL string    `json:"upload_url"`
	ExpiresIn int       `json:"expires_in"`
	MaxSize   int64     `json:"max_size"`
}

// DownloadURLResult is returned to the caller requesting to fetch a blob.
type DownloadURLResult struct {
	MediaID     uuid.UUID `json:"media_id"`
	DownloadURL string    `json:"download_url"`
	ExpiresIn   int       `json:"expires_in"`
	CacheHit    bool      `json:"cache_hit"`
}

const (
	uploadURLValidity   = 15 * time.Minute
	downloadURLValidity = 1 * time.Hour
	maxAttachmentBytes  = 100 * 1024 * 1024
)

// NewService builds a Service against bucket, creating it if absent.
func NewService(ctx context.Context, st store.Store, endpoint, accessKey, secretKey, bucket string, useSSL bool, cdnBaseURL string) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media: connect to object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("media: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("media: create bucket: %w", err)
		}
	}

	return &Service{client: client, store: st, bucket: bucket, cdnBaseURL: cdnBaseURL}, nil
}

// BeginUpload allocates a MediaID, a MediaJob row (Uploaded=false), and
// a presigned PUT URL the client uploads the encrypted blob to
// directly. messageID links the job back to an EncryptedMessage once
// that message has been persisted; it may be uuid.Nil if the message
// doesn't exist yet (the caller backfills it before Send, per
// JobModel's usual ordering).
func (s *Service) BeginUpload(ctx context.Context, messageID uuid.UUID, maxSize int64) (*UploadURLResult, error) {
	mediaID := uuid.New()
	objectKey := objectKeyFor(mediaID)

	presignedURL, err := s.client.PresignedPutObject(ctx, s.bucket, objectKey, uploadURLValidity)
	if err != nil {
		return nil, fmt.Errorf("media: presign upload: %w", err)
	}

	if err := s.store.SaveMediaJob(ctx, models.MediaJob{
		ID:        mediaID,
		MessageID: messageID,
		ObjectKey: objectKey,
		Bucket:    s.bucket,
		SizeBytes: maxSize,
		Uploaded:  false,
	}); err != nil {
		return nil, fmt.Errorf("media: record job: %w", err)
	}

	return &UploadURLResult{
		MediaID:   mediaID,
		UploadURL: presignedURL.String(),
		ExpiresIn: int(uploadURLValidity.Seconds()),
		MaxSize:   maxSize,
	}, nil
}

// ConfirmUpload marks a MediaJob's blob as present, once the client
// reports (or the server observes via a bucket event, out of scope
// here) that the PUT completed.
func (s *Service) ConfirmUpload(ctx context.Context, mediaID uuid.UUID) error {
	job, err := s.store.LoadMediaJob(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("media: load job: %w", err)
	}
	info, err := s.client.StatObject(ctx, job.Bucket, job.ObjectKey, minio.StatObjectOptions{})
	if err != nil {
		return fmt.Errorf("media: confirm object exists: %w", err)
	}
	job.SizeBytes = info.Size
	job.Uploaded = true
	return s.store.SaveMediaJob(ctx, job)
}

// DownloadURL returns a presigned GET URL (or, when a CDN is
// configured, a CDN-signed URL) for an already-uploaded blob.
func (s *Service) DownloadURL(ctx context.Context, mediaID uuid.UUID) (*DownloadURLResult, error) {
	job, err := s.store.LoadMediaJob(ctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("media: load job: %w", err)
	}
	if !job.Uploaded {
		return nil, fmt.Errorf("media: blob %s has not finished uploading", mediaID)
	}

	if s.cdnBaseURL != "" {
		return &DownloadURLResult{
			MediaID:     mediaID,
			DownloadURL: s.cdnURL(mediaID),
			ExpiresIn:   int(downloadURLValidity.Seconds()),
			CacheHit:    true,
		}, nil
	}

	presignedURL, err := s.client.PresignedGetObject(ctx, job.Bucket, job.ObjectKey, downloadURLValidity, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("media: presign download: %w", err)
	}
	return &DownloadURLResult{
		MediaID:     mediaID,
		DownloadURL: presignedURL.String(),
		ExpiresIn:   int(downloadURLValidity.Seconds()),
	}, nil
}

func (s *Service) cdnURL(mediaID uuid.UUID) string {
	expiry := time.Now().Add(downloadURLValidity).Unix()
	return fmt.Sprintf("%s/media/%s?expires=%d", s.cdnBaseURL, mediaID, expiry)
}

// Delete removes a blob's object from storage. The MediaJob row is
// left for the caller to delete alongside the referencing message.
func (s *Service) Delete(ctx context.Context, mediaID uuid.UUID) error {
	job, err := s.store.LoadMediaJob(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("media: load job: %w", err)
	}
	return s.client.RemoveObject(ctx, job.Bucket, job.ObjectKey, minio.RemoveObjectOptions{})
}

func objectKeyFor(mediaID uuid.UUID) string {
	return fmt.Sprintf("media/%s", mediaID)
}
