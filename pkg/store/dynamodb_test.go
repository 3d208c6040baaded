package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo keeps items in memory. Queries return a whole partition (the store re-checks filters) in pages of
// `pageSize` items so pagination is exercised.
type fakeDynamo struct {
	mux        sync.Mutex
	partitions map[string]map[string]map[string]types.AttributeValue
	pageSize   int
	queries    int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{partitions: make(map[string]map[string]map[string]types.AttributeValue), pageSize: 2}
}

func stringAttribute(item map[string]types.AttributeValue, name string) string {
	if value, isString := item[name].(*types.AttributeValueMemberS); isString {
		return value.Value
	}
	return ""
}

func (f *fakeDynamo) Query(_ context.Context, params *dynamodb.QueryInput,
	_ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.queries++

	// The key condition looks like `#0 = :0`.
	condition := aws.ToString(params.KeyConditionExpression)
	placeholder := condition[strings.Index(condition, ":"):]
	partition := stringAttribute(params.ExpressionAttributeValues, placeholder)

	keys := make([]string, 0)
	for key := range f.partitions[partition] {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	if start := stringAttribute(params.ExclusiveStartKey, "SK"); start != "" {
		position, _ := slices.BinarySearch(keys, start)
		keys = keys[min(position+1, len(keys)):]
	}
	output := &dynamodb.QueryOutput{}
	for _, key := range keys {
		if len(output.Items) == f.pageSize {
			output.LastEvaluatedKey = map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: partition},
				"SK": &types.AttributeValueMemberS{Value: stringAttribute(output.Items[len(output.Items)-1], "SK")},
			}
			break
		}
		output.Items = append(output.Items, f.partitions[partition][key])
	}
	return output, nil
}

func (f *fakeDynamo) exists(pk, sk string) bool {
	_, exists := f.partitions[pk][sk]
	return exists
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, params *dynamodb.TransactWriteItemsInput,
	_ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	cancelled := false
	for i, write := range params.TransactItems {
		reasons[i].Code = aws.String("None")
		if write.Put == nil {
			continue
		}
		pk, sk := stringAttribute(write.Put.Item, "PK"), stringAttribute(write.Put.Item, "SK")
		condition := aws.ToString(write.Put.ConditionExpression)
		if (condition == "attribute_not_exists(SK)" && f.exists(pk, sk)) ||
			(condition == "attribute_exists(SK)" && !f.exists(pk, sk)) {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			cancelled = true
		}
	}
	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message: aws.String("Transaction cancelled"), CancellationReasons: reasons,
		}
	}
	for _, write := range params.TransactItems {
		switch {
		case write.Put != nil:
			pk, sk := stringAttribute(write.Put.Item, "PK"), stringAttribute(write.Put.Item, "SK")
			if f.partitions[pk] == nil {
				f.partitions[pk] = make(map[string]map[string]types.AttributeValue)
			}
			f.partitions[pk][sk] = write.Put.Item
		case write.Delete != nil:
			delete(f.partitions[stringAttribute(write.Delete.Key, "PK")], stringAttribute(write.Delete.Key, "SK"))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func TestDynamoDB_PaginatesQueries(t *testing.T) {
	fake := newFakeDynamo()
	dynamo := NewDynamoDBWithClient(fake, "plaza")
	ctx := context.Background()
	for range 5 {
		_, err := dynamo.InsertOne(ctx, Follows, Document{"followerId": "u1", "followingId": uuid.NewString()})
		require.NoError(t, err)
	}
	count, err := dynamo.CountDocuments(ctx, Follows, Where(Eq("followerId", "u1")))
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Equal(t, 3, fake.queries, "Five items in pages of two take three queries")
}

func TestDynamoDB_GuardItemsFollowDocuments(t *testing.T) {
	fake := newFakeDynamo()
	dynamo := NewDynamoDBWithClient(fake, "plaza")
	ctx := context.Background()
	_, err := dynamo.InsertOne(ctx, Follows, Document{"followerId": "u1", "followingId": "u2"})
	require.NoError(t, err)
	assert.Len(t, fake.partitions[guardPartition(Follows, 0)], 1)

	_, err = dynamo.InsertOne(ctx, Follows, Document{"followerId": "u1", "followingId": "u2"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Len(t, fake.partitions[string(Follows)], 1, "A cancelled transaction writes nothing")

	deleted, err := dynamo.DeleteMany(ctx, Follows, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Empty(t, fake.partitions[guardPartition(Follows, 0)])
}

type failingDynamo struct{ fakeDynamo }

func (f *failingDynamo) Query(context.Context, *dynamodb.QueryInput,
	...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return nil, errors.New("throttled")
}

func TestDynamoDB_BackendErrorsAreNotSentinels(t *testing.T) {
	dynamo := NewDynamoDBWithClient(&failingDynamo{}, "plaza")
	_, err := dynamo.Find(context.Background(), Posts, nil, FindOptions{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.False(t, isCallerError(err))
}

// contendedDynamo cancels every transaction as if another transaction touched the same items.
type contendedDynamo struct {
	*fakeDynamo
	reason string
}

func (c *contendedDynamo) TransactWriteItems(_ context.Context, params *dynamodb.TransactWriteItemsInput,
	_ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	for i := range reasons {
		reasons[i].Code = aws.String("None")
	}
	reasons[0].Code = aws.String(c.reason)
	return nil, &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"), CancellationReasons: reasons,
	}
}

func TestDynamoDB_TransientCancellationsAreNotConflicts(t *testing.T) {
	for _, reason := range []string{"TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded"} {
		t.Run(reason, func(t *testing.T) {
			dynamo := NewDynamoDBWithClient(&contendedDynamo{fakeDynamo: newFakeDynamo(), reason: reason}, "plaza")
			_, err := dynamo.InsertOne(context.Background(), Likes,
				Document{"userId": "u1", "targetId": "p1", "type": "post"})
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrConflict)
			assert.False(t, isCallerError(err), "Transient failures must count against the circuit breaker")
			var cancelled *types.TransactionCanceledException
			assert.ErrorAs(t, err, &cancelled)
		})
	}
}

func TestIsConditionFailure(t *testing.T) {
	reasons := func(codes ...string) *types.TransactionCanceledException {
		cancelled := &types.TransactionCanceledException{}
		for _, code := range codes {
			cancelled.CancellationReasons = append(cancelled.CancellationReasons,
				types.CancellationReason{Code: aws.String(code)})
		}
		return cancelled
	}
	assert.True(t, isConditionFailure(reasons("None", "ConditionalCheckFailed")))
	assert.False(t, isConditionFailure(reasons("ConditionalCheckFailed", "TransactionConflict")))
	assert.False(t, isConditionFailure(reasons("None", "None")))
	assert.False(t, isConditionFailure(reasons()))
}
