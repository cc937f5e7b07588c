/*
Package dynamodb provides a token bucket Store backed by AWS DynamoDB.

Each bucket is one item keyed by name. Writes are conditional PutItem calls on the
item's version attribute, which gives the optimistic concurrency the backend
relies on without any lock table.
*/
package dynamodb

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/eapache/go-resiliency/retrier"

	"github.com/Clever/tokenbucket"
)

var _ tokenbucket.Store[string] = &Storage{}

// Storage is a dynamodb-based, thread-safe Store.
type Storage struct {
	db bucketDB
}

// New initializes a Store backed by dynamodb. We recommend the config is configured
// with minimal or no retries for a real time use case, since conflicting writes are
// already retried by the backend. itemTTL should be much larger than the time it
// takes any bucket to refill.
func New(tableName string, cfg aws.Config, itemTTL time.Duration, optFns ...func(*dynamodb.Options)) (*Storage, error) {
	ddb := dynamodb.NewFromConfig(cfg, optFns...)

	db := bucketDB{
		ddb:       ddb,
		tableName: tableName,
		ttl:       itemTTL,
	}

	// Fail early if the table doesn't exist or we have any other issues with the DynamoDB API
	// but guarantee we retry dial timeouts to be tolerant to a networking blip
	r := retrier.New(retrier.ExponentialBackoff(5, 1*time.Second), dialTimeoutRetrier{})
	ctx := context.Background()
	err := r.Run(func() error {
		_, err := ddb.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(tableName),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Storage{
		db: db,
	}, nil
}

// NewBackend returns a backend over s.
func NewBackend(s *Storage, opts ...tokenbucket.Option) *tokenbucket.OptimisticBackend[string] {
	return tokenbucket.NewOptimisticBackend[string](s, opts...)
}

func (s *Storage) Load(ctx context.Context, name string) (tokenbucket.RemoteState, uint64, bool, error) {
	b, err := s.db.bucket(ctx, name)
	if err == errBucketNotFound {
		return tokenbucket.RemoteState{}, 0, false, nil
	} else if err != nil {
		return tokenbucket.RemoteState{}, 0, false, err
	}
	return b.State, b.Version, true, nil
}

func (s *Storage) Insert(ctx context.Context, name string, state tokenbucket.RemoteState) (bool, error) {
	return s.db.createBucket(ctx, name, state)
}

func (s *Storage) CompareAndSwap(ctx context.Context, name string, version uint64, state tokenbucket.RemoteState) (bool, error) {
	return s.db.replaceBucket(ctx, name, version, state)
}

// Remove deletes the item of name.
func (s *Storage) Remove(ctx context.Context, name string) error {
	return s.db.deleteBucket(ctx, name)
}

// dialTimeoutRetrier classifies errors from DynamoDB API in the form of
//
//	Post https://dynamodb.{region}.amazonaws.com: dial tcp x.x.x.x: i/o timeout
//
// as retryable errors. This classifier is only used in `New` as we don't want to override the
// consumer's configuration during normal operation
type dialTimeoutRetrier struct{}

var _ retrier.Classifier = dialTimeoutRetrier{}

func (dialTimeoutRetrier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	} else if strings.Contains(err.Error(), "dial tcp") && strings.Contains(err.Error(), "i/o timeout") {
		return retrier.Retry
	}
	return retrier.Fail
}
