package batchstore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/likebatch/internal/config"
	"github.com/rzpsarthak13/likebatch/internal/core"
)

// fakeDynamoDB is an in-memory table understanding the expressions the
// store issues.
type fakeDynamoDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	// beforeTransact runs without the lock held, ahead of each transaction.
	beforeTransact func()
	failWith       error
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(key map[string]types.AttributeValue) string {
	return key[attrPK].(*types.AttributeValueMemberS).Value
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func numOf(av types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(av.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeDynamoDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	item, ok := f.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

// UpdateItem implements "ADD #count :one SET #first = if_not_exists(...), ...".
func (f *fakeDynamoDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	pk := keyOf(in.Key)
	vals := in.ExpressionAttributeValues

	item, ok := f.items[pk]
	if !ok {
		item = map[string]types.AttributeValue{attrPK: in.Key[attrPK]}
	}
	var count int64
	if av, ok := item[attrCount]; ok {
		count = numOf(av)
	}
	count += numOf(vals[":one"])
	item[attrCount] = numAttr(count)
	if _, ok := item[attrFirstSeen]; !ok {
		item[attrFirstSeen] = vals[":now"]
	}
	item[attrTweetID] = vals[":tweet"]
	item[attrKind] = vals[":kind"]
	f.items[pk] = item

	return &dynamodb.UpdateItemOutput{
		Attributes: map[string]types.AttributeValue{
			attrCount:     item[attrCount],
			attrFirstSeen: item[attrFirstSeen],
			attrTweetID:   item[attrTweetID],
			attrKind:      item[attrKind],
		},
	}, nil
}

func (f *fakeDynamoDB) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

// TransactWriteItems implements a conditional Delete on "#count = :count"
// and unconditional Puts.
func (f *fakeDynamoDB) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if f.beforeTransact != nil {
		f.beforeTransact()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}

	for _, ti := range in.TransactItems {
		if ti.Delete == nil {
			continue
		}
		item, ok := f.items[keyOf(ti.Delete.Key)]
		want := numOf(ti.Delete.ExpressionAttributeValues[":count"])
		if !ok || numOf(item[attrCount]) != want {
			return nil, &types.TransactionCanceledException{Message: aws.String("condition check failed")}
		}
	}
	for _, ti := range in.TransactItems {
		switch {
		case ti.Delete != nil:
			delete(f.items, keyOf(ti.Delete.Key))
		case ti.Put != nil:
			f.items[keyOf(ti.Put.Item)] = copyItem(ti.Put.Item)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// Scan implements "#kind = :kind" and returns everything in one page.
func (f *fakeDynamoDB) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	kind := in.ExpressionAttributeValues[":kind"].(*types.AttributeValueMemberS).Value

	var items []map[string]types.AttributeValue
	for _, item := range f.items {
		if k, ok := item[attrKind].(*types.AttributeValueMemberS); ok && k.Value == kind {
			items = append(items, copyItem(item))
		}
	}
	return &dynamodb.ScanOutput{Items: items, Count: int32(len(items))}, nil
}

func newTestDynamoDBBatchStore(t *testing.T) (*DynamoDBBatchStore, *fakeDynamoDB) {
	t.Helper()
	fake := newFakeDynamoDB()
	logger, _ := test.NewNullLogger()
	return NewDynamoDBBatchStore(fake, "likebatch-batches", logger), fake
}

func TestDynamoDBBatchStore(t *testing.T) {
	testBatchStore(t, func(t *testing.T) core.BatchStore {
		store, _ := newTestDynamoDBBatchStore(t)
		return store
	})
}

func TestDynamoDBBatchStore_ItemLayout(t *testing.T) {
	store, fake := newTestDynamoDBBatchStore(t)
	ctx := context.Background()

	_, err := store.Increment(ctx, 42, t0)
	require.NoError(t, err)
	require.Contains(t, fake.items, "pending#42")

	_, err = store.Claim(ctx, 42, "tok-1", t0)
	require.NoError(t, err)
	assert.NotContains(t, fake.items, "pending#42")
	require.Contains(t, fake.items, "claim#tok-1")
	assert.Equal(t, "1", fake.items["claim#tok-1"][attrCount].(*types.AttributeValueMemberN).Value)
}

func TestDynamoDBBatchStore_ClaimRetriesOnRace(t *testing.T) {
	store, fake := newTestDynamoDBBatchStore(t)
	ctx := context.Background()

	_, err := store.Increment(ctx, 42, t0)
	require.NoError(t, err)

	raced := false
	fake.beforeTransact = func() {
		if !raced {
			raced = true
			_, err := store.Increment(ctx, 42, t0)
			require.NoError(t, err)
		}
	}

	claim, err := store.Claim(ctx, 42, "tok-1", t0)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, int64(2), claim.Count)
}

func TestDynamoDBBatchStore_ClaimGivesUp(t *testing.T) {
	store, fake := newTestDynamoDBBatchStore(t)
	ctx := context.Background()

	_, err := store.Increment(ctx, 42, t0)
	require.NoError(t, err)
	fake.beforeTransact = func() {
		_, err := store.Increment(ctx, 42, t0)
		require.NoError(t, err)
	}

	_, err = store.Claim(ctx, 42, "tok-1", t0)
	assert.ErrorIs(t, err, core.ErrClaimConflict)

	c, err := store.Get(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1+claimAttempts), c.PendingCount)
}

func TestDynamoDBBatchStore_Errors(t *testing.T) {
	store, fake := newTestDynamoDBBatchStore(t)
	fake.failWith = errors.New("throttled")

	_, err := store.Increment(context.Background(), 1, t0)
	assert.ErrorContains(t, err, "throttled")
	_, err = store.Due(context.Background(), t0, core.FlushPolicy{Size: 1})
	assert.ErrorContains(t, err, "throttled")
}

func TestDynamoDBFactory_Validate(t *testing.T) {
	f := &DynamoDBFactory{}

	cfg := config.BatchStoreConfig{Type: "dynamodb", DynamoDB: config.DynamoDBConfig{Region: "us-east-1", TableName: "t"}}
	assert.NoError(t, f.Validate(cfg))

	noTable := cfg
	noTable.DynamoDB.TableName = ""
	assert.Error(t, f.Validate(noTable))

	halfKeys := cfg
	halfKeys.DynamoDB.AccessKeyID = "AKIA"
	assert.Error(t, f.Validate(halfKeys))
}
