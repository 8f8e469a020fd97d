package kvstore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"arcstore/internal/arc"
)

// maxTransactItems is the DynamoDB limit on one TransactWriteItems call.
const maxTransactItems = 100

// DynamoDBAPI is the subset of the DynamoDB client the engine uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// dynamoItem is the stored item. The table has partition key "ns" and sort
// key "k", both strings.
type dynamoItem struct {
	NS    string `dynamodbav:"ns"`
	Key   string `dynamodbav:"k"`
	Value []byte `dynamodbav:"v"`
}

// DynamoDBKV keeps every namespace in one table, one partition per namespace.
type DynamoDBKV struct {
	client DynamoDBAPI
	table  string
	closed atomic.Bool
}

// NewDynamoDBKV creates an engine over an existing table.
func NewDynamoDBKV(client DynamoDBAPI, table string) *DynamoDBKV {
	return &DynamoDBKV{client: client, table: table}
}

var _ arc.KV = (*DynamoDBKV)(nil)

func (d *DynamoDBKV) Namespace(ctx context.Context, name string) (arc.Namespace, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	return &dynamoNamespace{name: name, kv: d}, nil
}

func (d *DynamoDBKV) Close() error {
	d.closed.Store(true)
	return nil
}

type dynamoNamespace struct {
	name   string
	kv     *DynamoDBKV
	closed atomic.Bool
}

var _ arc.Namespace = (*dynamoNamespace)(nil)

func (n *dynamoNamespace) check() error {
	if n.closed.Load() || n.kv.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (n *dynamoNamespace) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ns": &types.AttributeValueMemberS{Value: n.name},
		"k":  &types.AttributeValueMemberS{Value: key},
	}
}

func (n *dynamoNamespace) item(key string, value []byte) (map[string]types.AttributeValue, error) {
	if value == nil {
		value = []byte{}
	}
	item, err := attributevalue.MarshalMap(dynamoItem{NS: n.name, Key: key, Value: value})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	return item, nil
}

func (n *dynamoNamespace) Name() string { return n.name }

func (n *dynamoNamespace) Get(ctx context.Context, key string) ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	out, err := n.kv.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(n.kv.table),
		Key:            n.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s %s: %w", n.name, key, err)
	}
	if out.Item == nil {
		return nil, notFound(n.name, key)
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return item.Value, nil
}

func (n *dynamoNamespace) Put(ctx context.Context, key string, value []byte) error {
	if err := n.check(); err != nil {
		return err
	}
	item, err := n.item(key, value)
	if err != nil {
		return err
	}
	if _, err := n.kv.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(n.kv.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("putting %s %s: %w", n.name, key, err)
	}
	return nil
}

func (n *dynamoNamespace) Delete(ctx context.Context, key string) error {
	if err := n.check(); err != nil {
		return err
	}
	if _, err := n.kv.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(n.kv.table),
		Key:       n.itemKey(key),
	}); err != nil {
		return fmt.Errorf("deleting %s %s: %w", n.name, key, err)
	}
	return nil
}

// Batch writes through TransactWriteItems. Batches larger than one
// transaction are split, so atomicity holds per chunk of 100 keys.
func (n *dynamoNamespace) Batch(ctx context.Context, ops []arc.BatchOp) error {
	if err := n.check(); err != nil {
		return err
	}
	// A transaction may touch each item only once.
	ops = dedupe(ops)
	for start := 0; start < len(ops); start += maxTransactItems {
		end := min(start+maxTransactItems, len(ops))
		items := make([]types.TransactWriteItem, 0, end-start)
		for _, op := range ops[start:end] {
			switch op.Type {
			case arc.BatchPut:
				item, err := n.item(op.Key, op.Value)
				if err != nil {
					return err
				}
				items = append(items, types.TransactWriteItem{Put: &types.Put{
					TableName: aws.String(n.kv.table),
					Item:      item,
				}})
			case arc.BatchDelete:
				items = append(items, types.TransactWriteItem{Delete: &types.Delete{
					TableName: aws.String(n.kv.table),
					Key:       n.itemKey(op.Key),
				}})
			default:
				return fmt.Errorf("unknown batch operation %d", op.Type)
			}
		}
		if _, err := n.kv.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		}); err != nil {
			return fmt.Errorf("batch writing %s: %w", n.name, err)
		}
	}
	return nil
}

func (n *dynamoNamespace) Iterate(ctx context.Context, r arc.Range) (arc.Iterator, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return newChunkIterator(r, n.fetch), nil
}

// keyCondition builds the key condition for r. BETWEEN is inclusive, so
// exclusive bounds are filtered after the query.
func (n *dynamoNamespace) keyCondition(r arc.Range) (string, map[string]types.AttributeValue, bool) {
	values := map[string]types.AttributeValue{
		":ns": &types.AttributeValueMemberS{Value: n.name},
	}
	expr := "#ns = :ns"
	lo, loExclusive := r.Lower()
	hi, hiExclusive := r.Upper()
	switch {
	case lo != "" && hi != "":
		if lo > hi {
			return "", nil, false
		}
		values[":lo"] = &types.AttributeValueMemberS{Value: lo}
		values[":hi"] = &types.AttributeValueMemberS{Value: hi}
		expr += " AND #k BETWEEN :lo AND :hi"
	case lo != "":
		values[":lo"] = &types.AttributeValueMemberS{Value: lo}
		if loExclusive {
			expr += " AND #k > :lo"
		} else {
			expr += " AND #k >= :lo"
		}
	case hi != "":
		values[":hi"] = &types.AttributeValueMemberS{Value: hi}
		if hiExclusive {
			expr += " AND #k < :hi"
		} else {
			expr += " AND #k <= :hi"
		}
	}
	return expr, values, true
}

func (n *dynamoNamespace) fetch(ctx context.Context, r arc.Range, limit int) ([]entry, string, bool, error) {
	if err := n.check(); err != nil {
		return nil, "", false, err
	}
	expr, values, ok := n.keyCondition(r)
	if !ok {
		return nil, "", false, nil
	}
	out, err := n.kv.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(n.kv.table),
		KeyConditionExpression:    aws.String(expr),
		ExpressionAttributeNames:  map[string]string{"#ns": "ns", "#k": "k"},
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(!r.Reverse),
		ConsistentRead:            aws.Bool(true),
		Limit:                     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, "", false, fmt.Errorf("querying %s: %w", n.name, err)
	}

	var items []dynamoItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, "", false, fmt.Errorf("failed to unmarshal items: %w", err)
	}
	entries := make([]entry, 0, len(items))
	last := ""
	for _, item := range items {
		last = item.Key
		if r.Contains(item.Key) {
			entries = append(entries, entry{key: item.Key, value: item.Value})
		}
	}
	if lek, ok := out.LastEvaluatedKey["k"].(*types.AttributeValueMemberS); ok {
		last = lek.Value
	}
	return entries, last, len(out.LastEvaluatedKey) > 0, nil
}

func (n *dynamoNamespace) Close() error {
	n.closed.Store(true)
	return nil
}
