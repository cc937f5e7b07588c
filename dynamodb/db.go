package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Clever/tokenbucket"
)

var errBucketNotFound = errors.New("bucket not found")

type bucketDB struct {
	ddb       *dynamodb.Client
	tableName string
	ttl       time.Duration
}

type ddbBucketStatePrimaryKey struct {
	Name string `dynamodbav:"name"`
}

func (d ddbBucketStatePrimaryKey) AttributeDefinitions() []types.AttributeDefinition {
	return []types.AttributeDefinition{
		{
			AttributeName: aws.String("name"),
			AttributeType: types.ScalarAttributeTypeS,
		},
	}
}

func (d ddbBucketStatePrimaryKey) KeySchema() []types.KeySchemaElement {
	return []types.KeySchemaElement{
		{
			AttributeName: aws.String("name"),
			KeyType:       types.KeyTypeHash,
		},
	}
}

// ddbBucket is the item persisted for one bucket.
type ddbBucket struct {
	ddbBucketStatePrimaryKey
	// Version is bumped on every write; updates are conditioned on it.
	Version uint64 `dynamodbav:"version"`
	// State holds the configuration and the band states.
	State tokenbucket.RemoteState `dynamodbav:"state"`
	// TTL lets DynamoDB delete buckets nobody has touched for a while. Deletion is
	// lazy, so it is only hygiene, never part of the rate limiting.
	TTL time.Time `dynamodbav:"_ttl,unixtime"`
}

func (db bucketDB) newItem(name string, version uint64, state tokenbucket.RemoteState) ddbBucket {
	return ddbBucket{
		ddbBucketStatePrimaryKey: ddbBucketStatePrimaryKey{
			Name: name,
		},
		Version: version,
		State:   state,
		TTL:     time.Now().Add(db.ttl),
	}
}

func decodeBucket(b map[string]types.AttributeValue) (*ddbBucket, error) {
	var bs ddbBucket
	if err := attributevalue.UnmarshalMap(b, &bs); err != nil {
		return nil, err
	}
	return &bs, nil
}

func encodeBucket(b ddbBucket) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(b)
}

func (db bucketDB) key(name string) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(ddbBucketStatePrimaryKey{
		Name: name,
	})
}

func (db bucketDB) bucket(ctx context.Context, name string) (*ddbBucket, error) {
	key, err := db.key(name)
	if err != nil {
		return nil, err
	}
	res, err := db.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key,
		TableName:      aws.String(db.tableName),
		ConsistentRead: aws.Bool(true),
	})
	if isResourceNotFoundError(err) {
		// a missing table is a store failure, not a missing bucket
		return nil, fmt.Errorf("table %s: %w", db.tableName, err)
	} else if err != nil {
		return nil, err
	} else if len(res.Item) == 0 {
		return nil, errBucketNotFound
	}

	return decodeBucket(res.Item)
}

// createBucket writes the first version of a bucket. It reports false when another
// consumer created it first.
func (db bucketDB) createBucket(ctx context.Context, name string, state tokenbucket.RemoteState) (bool, error) {
	data, err := encodeBucket(db.newItem(name, tokenbucket.InitialVersion(), state))
	if err != nil {
		return false, err
	}
	_, err = db.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(db.tableName),
		Item:      data,
		ExpressionAttributeNames: map[string]string{
			"#N": "name",
		},
		ConditionExpression: aws.String("attribute_not_exists(#N)"),
	})
	if isConditionalCheckFailedError(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// replaceBucket overwrites the bucket iff its version is still version.
func (db bucketDB) replaceBucket(ctx context.Context, name string, version uint64, state tokenbucket.RemoteState) (bool, error) {
	data, err := encodeBucket(db.newItem(name, version+1, state))
	if err != nil {
		return false, err
	}
	cond := expression.Name("version").Equal(expression.Value(version))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return false, err
	}
	_, err = db.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(db.tableName),
		Item:                      data,
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConditionExpression:       expr.Condition(),
	})
	if isConditionalCheckFailedError(err) {
		// another consumer won the race; the backend re-reads and retries
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (db bucketDB) deleteBucket(ctx context.Context, name string) error {
	key, err := db.key(name)
	if err != nil {
		return err
	}
	_, err = db.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		Key:       key,
		TableName: aws.String(db.tableName),
	})
	return err
}

func isResourceNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var rnfe *types.ResourceNotFoundException
	return errors.As(err, &rnfe)
}

func isConditionalCheckFailedError(err error) bool {
	if err == nil {
		return false
	}
	var ccfe *types.ConditionalCheckFailedException
	return errors.As(err, &ccfe)
}
