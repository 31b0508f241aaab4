package storage

import (
	"bytes"
	"context"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"go.uber.org/zap"
)

const objectExtension = ".json"

// S3API is the subset of the AWS S3 client used by S3Store.
type S3API interface {
	s3.ListObjectsV2APIClient

	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps one JSON object per host entry and per bid in an AWS S3 bucket.
type S3Store struct {
	*baseStore

	s3Client S3API
	s3Bucket string
}

func NewS3Store(bucket string, keyPrefix string) *S3Store {
	return &S3Store{
		baseStore: newBaseStore(S3, keyPrefix),
		s3Bucket:  bucket,
	}
}

// NewS3StoreWithClient creates an S3Store that uses the given client and needs no call to Connect.
func NewS3StoreWithClient(client S3API, bucket string, keyPrefix string) *S3Store {
	store := NewS3Store(bucket, keyPrefix)
	store.s3Client = client
	return store
}

// Connect loads the AWS SDK configuration from the environment and creates the S3 client.
func (s *S3Store) Connect() error {
	s.logger.Debug("Connecting to AWS S3.", zap.String("bucket", s.s3Bucket))

	if s.s3Bucket == "" {
		return errors.New("no S3 bucket specified")
	}

	sdkConfig, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		s.logger.Error("Failed to load AWS SDK config", zap.Error(err))
		return err
	}

	s.s3Client = s3.NewFromConfig(sdkConfig)

	s.logger.Debug("Successfully connected to AWS S3.", zap.String("bucket", s.s3Bucket))

	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) hostObjectKey(poolId string, hostId string) string {
	return path.Join(s.hostsKey(), hostKey(poolId, hostId)) + objectExtension
}

func (s *S3Store) SaveHostEntry(ctx context.Context, entry *entity.HostEntry) error {
	data, err := encodeHostEntry(entry)
	if err != nil {
		return err
	}

	return s.putObject(ctx, s.hostObjectKey(entry.PoolID, entry.HostID), data)
}

func (s *S3Store) DeleteHostEntry(ctx context.Context, poolId string, hostId string) error {
	return s.deleteObject(ctx, s.hostObjectKey(poolId, hostId))
}

// SaveBid writes the bid under the active prefix or, if the bid is no longer active, moves it to the history prefix.
func (s *S3Store) SaveBid(ctx context.Context, bid *entity.Bid) error {
	data, err := encodeBid(bid)
	if err != nil {
		return err
	}

	activeKey := path.Join(s.activeBidsKey(), bid.ID) + objectExtension
	if bid.Status.Active() {
		return s.putObject(ctx, activeKey, data)
	}

	if err = s.putObject(ctx, path.Join(s.bidHistoryKey(), bid.ID)+objectExtension, data); err != nil {
		return err
	}

	return s.deleteObject(ctx, activeKey)
}

func (s *S3Store) LoadAllHostEntries(ctx context.Context) ([]*entity.HostEntry, error) {
	objects, err := s.readObjects(ctx, s.hostsKey()+"/")
	if err != nil {
		return nil, err
	}

	entries := make([]*entity.HostEntry, 0, len(objects))
	for _, object := range objects {
		entry, decodeErr := decodeHostEntry(object)
		if decodeErr != nil {
			return nil, errors.Wrap(decodeErr, "failed to decode host entry read from S3")
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *S3Store) LoadActiveBids(ctx context.Context) ([]*entity.Bid, error) {
	objects, err := s.readObjects(ctx, s.activeBidsKey()+"/")
	if err != nil {
		return nil, err
	}

	bids := make([]*entity.Bid, 0, len(objects))
	for _, object := range objects {
		bid, decodeErr := decodeBid(object)
		if decodeErr != nil {
			return nil, errors.Wrap(decodeErr, "failed to decode bid read from S3")
		}

		bids = append(bids, bid)
	}

	slices.SortFunc(bids, entity.AdmissionOrder)
	return bids, nil
}

func (s *S3Store) putObject(ctx context.Context, key string, data []byte) error {
	if s.s3Client == nil {
		return ErrNotConnected
	}

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.s3Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		s.logger.Error("Error while writing object to S3.",
			zap.String("key", key), zap.String("bucket", s.s3Bucket), zap.Error(err))
		return err
	}

	return nil
}

func (s *S3Store) deleteObject(ctx context.Context, key string) error {
	if s.s3Client == nil {
		return ErrNotConnected
	}

	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.s3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Error("Error while deleting object from S3.",
			zap.String("key", key), zap.String("bucket", s.s3Bucket), zap.Error(err))
		return err
	}

	return nil
}

// readObjects returns the contents of every object under the given prefix, ordered by key.
func (s *S3Store) readObjects(ctx context.Context, prefix string) ([][]byte, error) {
	if s.s3Client == nil {
		return nil, ErrNotConnected
	}

	keys := make([]string, 0)
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.s3Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("Failed to list objects in S3.",
				zap.String("prefix", prefix), zap.String("bucket", s.s3Bucket), zap.Error(err))
			return nil, err
		}

		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if strings.HasSuffix(key, objectExtension) {
				keys = append(keys, key)
			}
		}
	}

	slices.Sort(keys)

	objects := make([][]byte, 0, len(keys))
	for _, key := range keys {
		result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.s3Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			s.logger.Error("Failed to read object from S3.",
				zap.String("key", key), zap.String("bucket", s.s3Bucket), zap.Error(err))
			return nil, err
		}

		data, err := io.ReadAll(result.Body)
		_ = result.Body.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read body of object \"%s\"", key)
		}

		objects = append(objects, data)
	}

	s.logger.Debug("Read objects from S3.",
		zap.String("prefix", prefix), zap.String("bucket", s.s3Bucket), zap.Int("num_objects", len(objects)))

	return objects, nil
}
