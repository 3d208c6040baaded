package store

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

var dynamoTable = flag.String("dynamodb_table", "plaza", "DynamoDB table holding every plaza collection.")

// DynamoAPI is the subset of the DynamoDB client the store relies on.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput,
		optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput,
		optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// dynamoItem is the layout of a document row: the collection is the partition and the id is the sort key.
type dynamoItem struct {
	PK  string         `dynamodbav:"PK"`
	SK  string         `dynamodbav:"SK"`
	Seq int64          `dynamodbav:"seq"`
	Doc map[string]any `dynamodbav:"doc"`
}

// guardItem reserves a unique identity. Its partition is `unique#<collection>#<index>`.
type guardItem struct {
	PK    string `dynamodbav:"PK"`
	SK    string `dynamodbav:"SK"`
	Owner string `dynamodbav:"owner"`
}

// DynamoDB stores every collection in a single table. Unique indexes are enforced with guard items written in the
// same transaction as the document.
type DynamoDB struct { // Implements Store.
	client DynamoAPI
	table  string
	newID  func() string

	seqMux  sync.Mutex
	lastSeq int64
}

var _ Store = (*DynamoDB)(nil)

// NewDynamoDB loads the default AWS configuration and connects to the `--dynamodb_table` table.
func NewDynamoDB(ctx context.Context) (*DynamoDB, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	slog.Info("Using DynamoDB store.", "table", *dynamoTable, "region", awsConfig.Region)
	return NewDynamoDBWithClient(dynamodb.NewFromConfig(awsConfig), *dynamoTable), nil
}

// NewDynamoDBWithClient is the constructor for DynamoDB over an existing client.
func NewDynamoDBWithClient(client DynamoAPI, table string) *DynamoDB {
	return &DynamoDB{client: client, table: table, newID: uuid.NewString}
}

// nextSeq returns a strictly increasing insertion sequence.
func (d *DynamoDB) nextSeq() int64 {
	d.seqMux.Lock()
	defer d.seqMux.Unlock()
	d.lastSeq = max(d.lastSeq+1, time.Now().UnixNano())
	return d.lastSeq
}

func guardPartition(collection Collection, index int) string {
	return fmt.Sprintf("unique#%s#%d", collection, index)
}

// pushdown translates the parts of `filter` DynamoDB can evaluate. Results are re-checked with Filter.Matches, so
// conditions without an exact DynamoDB equivalent are left out.
func pushdown(filter Filter) (expression.ConditionBuilder, bool, bool) {
	conditions := make([]expression.ConditionBuilder, 0, len(filter))
	for _, condition := range filter {
		name := expression.Name("doc." + condition.Field)
		switch condition.Op {
		case OpEq:
			if condition.Value != nil {
				conditions = append(conditions, name.Equal(expression.Value(normalizeValue(condition.Value))))
			}
		case OpNe:
			if condition.Value != nil {
				conditions = append(conditions, expression.Or(name.AttributeNotExists(),
					name.NotEqual(expression.Value(normalizeValue(condition.Value)))))
			}
		case OpIn:
			candidates, _ := condition.Value.([]any)
			if len(candidates) == 0 {
				return expression.ConditionBuilder{}, false, true
			}
			operands := make([]expression.OperandBuilder, len(candidates))
			for i, candidate := range candidates {
				operands[i] = expression.Value(normalizeValue(candidate))
			}
			conditions = append(conditions, name.In(operands[0], operands[1:]...))
		case OpContains:
			if value, isString := condition.Value.(string); isString {
				conditions = append(conditions, name.Contains(value))
			}
		}
	}
	switch len(conditions) {
	case 0:
		return expression.ConditionBuilder{}, false, false
	case 1:
		return conditions[0], true, false
	default:
		return expression.And(conditions[0], conditions[1], conditions[2:]...), true, false
	}
}

// scan returns every item of `collection` matching `filter`, unsorted.
func (d *DynamoDB) scan(ctx context.Context, collection Collection, filter Filter) ([]dynamoItem, error) {
	condition, hasCondition, matchesNothing := pushdown(filter)
	if matchesNothing {
		return nil, nil
	}
	builder := expression.NewBuilder().WithKeyCondition(expression.Key("PK").Equal(expression.Value(string(collection))))
	if hasCondition {
		builder = builder.WithFilter(condition)
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build expression: %v", ErrInvalid, err)
	}

	items := make([]dynamoItem, 0)
	var startKey map[string]types.AttributeValue
	for {
		output, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(d.table),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
			ConsistentRead:            aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("%s: query failed: %w", collection, err)
		}
		for _, raw := range output.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("%s: corrupted item: %w", collection, err)
			}
			if item.Doc == nil {
				item.Doc = make(map[string]any)
			}
			if filter.Matches(item.Doc) {
				items = append(items, item)
			}
		}
		if len(output.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

func (d *DynamoDB) find(ctx context.Context, collection Collection, filter Filter,
	opts FindOptions) ([]dynamoItem, error) {
	items, err := d.scan(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	sorted := make([]sortedDocument, len(items))
	bySeq := make(map[uint64]dynamoItem, len(items))
	for i, item := range items {
		sorted[i] = sortedDocument{doc: item.Doc, seq: uint64(item.Seq)}
		bySeq[uint64(item.Seq)] = item
	}
	window := sortWindow(sorted, opts)
	result := make([]dynamoItem, len(window))
	for i, entry := range window {
		result[i] = bySeq[entry.seq]
	}
	return result, nil
}

func (d *DynamoDB) Find(ctx context.Context, collection Collection, filter Filter,
	opts FindOptions) ([]Document, error) {
	if err := validateRequest(collection, filter); err != nil {
		return nil, err
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	items, err := d.find(ctx, collection, filter, opts)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(items))
	for i, item := range items {
		docs[i] = item.Doc
	}
	return docs, nil
}

func (d *DynamoDB) FindOne(ctx context.Context, collection Collection, filter Filter) (Document, error) {
	docs, err := d.Find(ctx, collection, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no %s document matches the filter", ErrNotFound, collection)
	}
	return docs[0], nil
}

// conditionFailureCode is the cancellation reason of a write whose condition expression didn't hold.
const conditionFailureCode = "ConditionalCheckFailed"

// isConditionFailure reports whether a cancelled transaction was cancelled only by failed conditions. Reasons like
// TransactionConflict or ThrottlingError are transient backend failures.
func isConditionFailure(cancelled *types.TransactionCanceledException) bool {
	failed := false
	for _, reason := range cancelled.CancellationReasons {
		switch code := aws.ToString(reason.Code); code {
		case "", "None":
		case conditionFailureCode:
			failed = true
		default:
			return false
		}
	}
	return failed
}

// transact runs the writes atomically, translating failed conditions into ErrConflict.
func (d *DynamoDB) transact(ctx context.Context, collection Collection, writes []types.TransactWriteItem) error {
	_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	var cancelled *types.TransactionCanceledException
	var conditionFailed *types.ConditionalCheckFailedException
	switch {
	case err == nil:
		return nil
	case errors.As(err, &cancelled) && isConditionFailure(cancelled), errors.As(err, &conditionFailed):
		return fmt.Errorf("%w: %s: %v", ErrConflict, collection, err)
	default:
		return fmt.Errorf("%s: write failed: %w", collection, err)
	}
}

func (d *DynamoDB) putItem(item any, condition string) (types.TransactWriteItem, error) {
	marshaled, err := attributevalue.MarshalMap(item)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("%w: failed to marshal item: %v", ErrInvalid, err)
	}
	return types.TransactWriteItem{Put: &types.Put{
		TableName:           aws.String(d.table),
		Item:                marshaled,
		ConditionExpression: aws.String(condition),
	}}, nil
}

func (d *DynamoDB) deleteItem(pk, sk string) types.TransactWriteItem {
	return types.TransactWriteItem{Delete: &types.Delete{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	}}
}

func (d *DynamoDB) InsertOne(ctx context.Context, collection Collection, doc Document) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	normalized := normalizeDocument(doc)
	id := normalized.ID()
	if id == "" {
		id = d.newID()
		normalized[IDField] = id
	}

	put, err := d.putItem(dynamoItem{PK: string(collection), SK: id, Seq: d.nextSeq(), Doc: normalized},
		"attribute_not_exists(SK)")
	if err != nil {
		return "", err
	}
	writes := []types.TransactWriteItem{put}
	for i, fields := range uniqueIndexes[collection] {
		identity, hasIdentity := identityOf(normalized, fields)
		if !hasIdentity {
			continue
		}
		guard, err := d.putItem(guardItem{PK: guardPartition(collection, i), SK: identity, Owner: id},
			"attribute_not_exists(SK)")
		if err != nil {
			return "", err
		}
		writes = append(writes, guard)
	}
	if err := d.transact(ctx, collection, writes); err != nil {
		return "", err
	}
	return id, nil
}

// replace writes the updated document and moves any guard whose identity changed.
func (d *DynamoDB) replace(ctx context.Context, collection Collection, item dynamoItem, set Document) error {
	updated := cloneDocument(item.Doc)
	maps.Copy(updated, normalizeDocument(set))
	put, err := d.putItem(dynamoItem{PK: item.PK, SK: item.SK, Seq: item.Seq, Doc: updated}, "attribute_exists(SK)")
	if err != nil {
		return err
	}
	writes := []types.TransactWriteItem{put}
	for i, fields := range uniqueIndexes[collection] {
		before, hadIdentity := identityOf(item.Doc, fields)
		after, hasIdentity := identityOf(updated, fields)
		if hadIdentity == hasIdentity && before == after {
			continue
		}
		if hadIdentity {
			writes = append(writes, d.deleteItem(guardPartition(collection, i), before))
		}
		if hasIdentity {
			guard, err := d.putItem(guardItem{PK: guardPartition(collection, i), SK: after, Owner: item.SK},
				"attribute_not_exists(SK)")
			if err != nil {
				return err
			}
			writes = append(writes, guard)
		}
	}
	return d.transact(ctx, collection, writes)
}

// remove deletes the document together with its guards.
func (d *DynamoDB) remove(ctx context.Context, collection Collection, item dynamoItem) error {
	writes := []types.TransactWriteItem{d.deleteItem(item.PK, item.SK)}
	for i, fields := range uniqueIndexes[collection] {
		if identity, hasIdentity := identityOf(item.Doc, fields); hasIdentity {
			writes = append(writes, d.deleteItem(guardPartition(collection, i), identity))
		}
	}
	return d.transact(ctx, collection, writes)
}

func (d *DynamoDB) UpdateOne(ctx context.Context, collection Collection, filter Filter, set Document) error {
	if err := validateRequest(collection, filter); err != nil {
		return err
	}
	if err := validateUpdate(set); err != nil {
		return err
	}
	items, err := d.find(ctx, collection, filter, FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: no %s document matches the filter", ErrNotFound, collection)
	}
	return d.replace(ctx, collection, items[0], set)
}

func (d *DynamoDB) UpdateMany(ctx context.Context, collection Collection, filter Filter, set Document) (int, error) {
	if err := validateRequest(collection, filter); err != nil {
		return 0, err
	}
	if err := validateUpdate(set); err != nil {
		return 0, err
	}
	items, err := d.find(ctx, collection, filter, FindOptions{})
	if err != nil {
		return 0, err
	}
	for updated, item := range items {
		if err := d.replace(ctx, collection, item, set); err != nil {
			return updated, err
		}
	}
	return len(items), nil
}

func (d *DynamoDB) DeleteOne(ctx context.Context, collection Collection, filter Filter) error {
	if err := validateRequest(collection, filter); err != nil {
		return err
	}
	items, err := d.find(ctx, collection, filter, FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: no %s document matches the filter", ErrNotFound, collection)
	}
	return d.remove(ctx, collection, items[0])
}

func (d *DynamoDB) DeleteMany(ctx context.Context, collection Collection, filter Filter) (int, error) {
	if err := validateRequest(collection, filter); err != nil {
		return 0, err
	}
	items, err := d.find(ctx, collection, filter, FindOptions{})
	if err != nil {
		return 0, err
	}
	for deleted, item := range items {
		if err := d.remove(ctx, collection, item); err != nil {
			return deleted, err
		}
	}
	return len(items), nil
}

func (d *DynamoDB) CountDocuments(ctx context.Context, collection Collection, filter Filter) (int, error) {
	if err := validateRequest(collection, filter); err != nil {
		return 0, err
	}
	items, err := d.scan(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (d *DynamoDB) Close() error { return nil }
