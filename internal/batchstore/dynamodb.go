package batchstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/config"
	"github.com/rzpsarthak13/likebatch/internal/core"
)

// Compile-time interface check.
var _ core.BatchStore = (*DynamoDBBatchStore)(nil)

const (
	attrPK        = "pk"
	attrKind      = "entry_kind"
	attrTweetID   = "tweet_id"
	attrCount     = "pending_count"
	attrFirstSeen = "first_seen_at"
	attrClaimedAt = "claimed_at"
	attrToken     = "claim_token"

	kindPending = "pending"
	kindClaim   = "claim"

	claimAttempts = 3
)

// DynamoDBAPI is the part of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBBatchStore keeps pending counters and claims in a single
// DynamoDB table keyed by pk = "pending#<tweet id>" or "claim#<token>".
type DynamoDBBatchStore struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Entry
}

// NewDynamoDBBatchStore wraps an existing client.
func NewDynamoDBBatchStore(client DynamoDBAPI, tableName string, logger *logrus.Logger) *DynamoDBBatchStore {
	return &DynamoDBBatchStore{
		client:    client,
		tableName: tableName,
		logger:    logger.WithField("component", "batch-store").WithField("backend", "dynamodb"),
	}
}

func pendingPK(tweetID int64) string {
	return "pending#" + strconv.FormatInt(tweetID, 10)
}

func claimPK(token string) string {
	return "claim#" + token
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func (d *DynamoDBBatchStore) Increment(ctx context.Context, tweetID int64, now time.Time) (int64, error) {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.tableName),
		Key:              map[string]types.AttributeValue{attrPK: strAttr(pendingPK(tweetID))},
		UpdateExpression: aws.String("ADD #count :one SET #first = if_not_exists(#first, :now), #tweet = :tweet, #kind = :kind"),
		ExpressionAttributeNames: map[string]string{
			"#count": attrCount,
			"#first": attrFirstSeen,
			"#tweet": attrTweetID,
			"#kind":  attrKind,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":   numAttr(1),
			":now":   numAttr(now.UnixNano()),
			":tweet": numAttr(tweetID),
			":kind":  strAttr(kindPending),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment batch counter %d: %w", tweetID, err)
	}
	return intAttr(out.Attributes, attrCount)
}

func (d *DynamoDBBatchStore) Get(ctx context.Context, tweetID int64) (*core.BatchCounter, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            map[string]types.AttributeValue{attrPK: strAttr(pendingPK(tweetID))},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get batch counter %d: %w", tweetID, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	c, err := counterFromItem(out.Item)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *DynamoDBBatchStore) scanKind(ctx context.Context, kind string) ([]map[string]types.AttributeValue, error) {
	paginator := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:                 aws.String(d.tableName),
		FilterExpression:          aws.String("#kind = :kind"),
		ExpressionAttributeNames:  map[string]string{"#kind": attrKind},
		ExpressionAttributeValues: map[string]types.AttributeValue{":kind": strAttr(kind)},
		ConsistentRead:            aws.Bool(true),
	})

	var items []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func (d *DynamoDBBatchStore) Due(ctx context.Context, now time.Time, policy core.FlushPolicy) ([]core.BatchCounter, error) {
	items, err := d.scanKind(ctx, kindPending)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending counters: %w", err)
	}

	var due []core.BatchCounter
	for _, item := range items {
		c, err := counterFromItem(item)
		if err != nil {
			return nil, err
		}
		if policy.Due(c, now) {
			due = append(due, c)
		}
	}
	sortCounters(due)
	return due, nil
}

// Claim deletes the pending item on the condition that its count has not
// moved since it was read, and writes the claim item in the same
// transaction. A concurrent increment cancels the transaction and the
// claim is retried.
func (d *DynamoDBBatchStore) Claim(ctx context.Context, tweetID int64, token string, now time.Time) (*core.FlushClaim, error) {
	for attempt := 1; attempt <= claimAttempts; attempt++ {
		counter, err := d.Get(ctx, tweetID)
		if err != nil {
			return nil, err
		}
		if counter == nil {
			return nil, nil
		}

		_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Delete: &types.Delete{
						TableName:                 aws.String(d.tableName),
						Key:                       map[string]types.AttributeValue{attrPK: strAttr(pendingPK(tweetID))},
						ConditionExpression:       aws.String("#count = :count"),
						ExpressionAttributeNames:  map[string]string{"#count": attrCount},
						ExpressionAttributeValues: map[string]types.AttributeValue{":count": numAttr(counter.PendingCount)},
					},
				},
				{
					Put: &types.Put{
						TableName: aws.String(d.tableName),
						Item: map[string]types.AttributeValue{
							attrPK:        strAttr(claimPK(token)),
							attrKind:      strAttr(kindClaim),
							attrToken:     strAttr(token),
							attrTweetID:   numAttr(tweetID),
							attrCount:     numAttr(counter.PendingCount),
							attrFirstSeen: numAttr(counter.FirstSeenAt.UnixNano()),
							attrClaimedAt: numAttr(now.UnixNano()),
						},
					},
				},
			},
		})
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			d.logger.WithFields(logrus.Fields{
				"tweet_id": tweetID,
				"attempt":  attempt,
			}).Debug("claim raced with an increment, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim batch counter %d: %w", tweetID, err)
		}

		return &core.FlushClaim{
			Token:       token,
			TweetID:     tweetID,
			Count:       counter.PendingCount,
			FirstSeenAt: counter.FirstSeenAt,
			ClaimedAt:   now,
		}, nil
	}
	return nil, fmt.Errorf("failed to claim batch counter %d: %w", tweetID, core.ErrClaimConflict)
}

func (d *DynamoDBBatchStore) Claims(ctx context.Context) ([]core.FlushClaim, error) {
	items, err := d.scanKind(ctx, kindClaim)
	if err != nil {
		return nil, fmt.Errorf("failed to scan claims: %w", err)
	}

	claims := make([]core.FlushClaim, 0, len(items))
	for _, item := range items {
		c, err := claimFromItem(item)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	sortClaims(claims)
	return claims, nil
}

func (d *DynamoDBBatchStore) Release(ctx context.Context, token string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       map[string]types.AttributeValue{attrPK: strAttr(claimPK(token))},
	})
	if err != nil {
		return fmt.Errorf("failed to release claim %s: %w", token, err)
	}
	return nil
}

// Close is a no-op; the AWS client holds no connections that need closing.
func (d *DynamoDBBatchStore) Close() error {
	return nil
}

func intAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	av, ok := item[name]
	if !ok {
		return 0, fmt.Errorf("attribute %s missing", name)
	}
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %s is not a number", name)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

func counterFromItem(item map[string]types.AttributeValue) (core.BatchCounter, error) {
	var nums [3]int64
	for i, name := range []string{attrTweetID, attrCount, attrFirstSeen} {
		n, err := intAttr(item, name)
		if err != nil {
			return core.BatchCounter{}, fmt.Errorf("invalid pending item: %w", err)
		}
		nums[i] = n
	}
	return core.BatchCounter{
		TweetID:      nums[0],
		PendingCount: nums[1],
		FirstSeenAt:  time.Unix(0, nums[2]).UTC(),
	}, nil
}

func claimFromItem(item map[string]types.AttributeValue) (core.FlushClaim, error) {
	token, ok := item[attrToken].(*types.AttributeValueMemberS)
	if !ok {
		return core.FlushClaim{}, fmt.Errorf("invalid claim item: %s missing", attrToken)
	}
	var nums [4]int64
	for i, name := range []string{attrTweetID, attrCount, attrFirstSeen, attrClaimedAt} {
		n, err := intAttr(item, name)
		if err != nil {
			return core.FlushClaim{}, fmt.Errorf("invalid claim item %s: %w", token.Value, err)
		}
		nums[i] = n
	}
	return core.FlushClaim{
		Token:       token.Value,
		TweetID:     nums[0],
		Count:       nums[1],
		FirstSeenAt: time.Unix(0, nums[2]).UTC(),
		ClaimedAt:   time.Unix(0, nums[3]).UTC(),
	}, nil
}

// DynamoDBFactory creates DynamoDBBatchStore instances.
type DynamoDBFactory struct{}

func (f *DynamoDBFactory) Type() string {
	return "dynamodb"
}

func (f *DynamoDBFactory) Validate(cfg config.BatchStoreConfig) error {
	dc := cfg.DynamoDB
	if dc.Region == "" {
		return fmt.Errorf("dynamodb.region is required")
	}
	if dc.TableName == "" {
		return fmt.Errorf("dynamodb.table_name is required")
	}
	if (dc.AccessKeyID == "") != (dc.SecretAccessKey == "") {
		return fmt.Errorf("dynamodb.access_key_id and dynamodb.secret_access_key must be set together")
	}
	return nil
}

func (f *DynamoDBFactory) Create(cfg config.BatchStoreConfig, logger *logrus.Logger) (core.BatchStore, error) {
	dc := cfg.DynamoDB

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(dc.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if dc.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(dc.AccessKeyID, dc.SecretAccessKey, "")
	}

	var opts []func(*dynamodb.Options)
	if dc.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(dc.Endpoint)
		})
	}
	client := dynamodb.NewFromConfig(awsCfg, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(dc.TableName),
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB table %s: %w", dc.TableName, err)
	}

	return NewDynamoDBBatchStore(client, dc.TableName, logger), nil
}

func init() {
	RegisterFactory(&DynamoDBFactory{})
}
