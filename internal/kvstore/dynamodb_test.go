package kvstore

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
	"github.com/stretchr/testify/require"

	"arcstore/internal/arc"
)

// fakeDynamoDB keeps items per partition and understands the key conditions
// the engine generates.
type fakeDynamoDB struct {
	mu        sync.Mutex
	items     map[string]map[string]map[string]types.AttributeValue
	transacts [][]types.TransactWriteItem
	failWrite error
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: make(map[string]map[string]map[string]types.AttributeValue)}
}

func attrS(m map[string]types.AttributeValue, name string) string {
	if v, ok := m[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamoDB) put(item map[string]types.AttributeValue) {
	ns := attrS(item, "ns")
	if f.items[ns] == nil {
		f.items[ns] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[ns][attrS(item, "k")] = item
}

func (f *fakeDynamoDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[attrS(in.Key, "ns")][attrS(in.Key, "k")]}, nil
}

func (f *fakeDynamoDB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite != nil {
		return nil, f.failWrite
	}
	f.put(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items[attrS(in.Key, "ns")], attrS(in.Key, "k"))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite != nil {
		return nil, f.failWrite
	}
	if len(in.TransactItems) > maxTransactItems {
		return nil, errors.New("ValidationException: too many items")
	}
	seen := map[string]bool{}
	for _, it := range in.TransactItems {
		var k string
		if it.Put != nil {
			k = attrS(it.Put.Item, "ns") + "/" + attrS(it.Put.Item, "k")
		} else {
			k = attrS(it.Delete.Key, "ns") + "/" + attrS(it.Delete.Key, "k")
		}
		if seen[k] {
			return nil, errors.New("ValidationException: multiple operations on one item")
		}
		seen[k] = true
	}
	f.transacts = append(f.transacts, in.TransactItems)
	for _, it := range in.TransactItems {
		if it.Put != nil {
			f.put(it.Put.Item)
		} else {
			delete(f.items[attrS(it.Delete.Key, "ns")], attrS(it.Delete.Key, "k"))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamoDB) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	expr := aws.ToString(in.KeyConditionExpression)
	values := in.ExpressionAttributeValues
	lo, hi := attrS(values, ":lo"), attrS(values, ":hi")
	match := func(k string) bool {
		switch {
		case strings.Contains(expr, "BETWEEN"):
			return k >= lo && k <= hi
		case strings.Contains(expr, "#k >= :lo"):
			return k >= lo
		case strings.Contains(expr, "#k > :lo"):
			return k > lo
		case strings.Contains(expr, "#k <= :hi"):
			return k <= hi
		case strings.Contains(expr, "#k < :hi"):
			return k < hi
		}
		return true
	}

	part := f.items[attrS(values, ":ns")]
	keys := make([]string, 0, len(part))
	for k := range part {
		if match(k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	if !aws.ToBool(in.ScanIndexForward) {
		slices.Reverse(keys)
	}

	out := &dynamodb.QueryOutput{}
	limit := int(aws.ToInt32(in.Limit))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		last := part[keys[len(keys)-1]]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"ns": last["ns"], "k": last["k"]}
	}
	for _, k := range keys {
		out.Items = append(out.Items, part[k])
	}
	return out, nil
}

func TestDynamoDBKV_BatchSplitsTransactions(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	ns, err := NewDynamoDBKV(fake, "arcstore").Namespace(ctx, "revisions")
	require.NoError(t, err)

	ops := make([]arc.BatchOp, 0, 250)
	for i := 0; i < 250; i++ {
		ops = append(ops, arc.PutOp(strings.Repeat("a", i+1), []byte("x")))
	}
	require.NoError(t, ns.Batch(ctx, ops))
	require.Len(t, fake.transacts, 3)
	require.Len(t, fake.transacts[0], 100)
	require.Len(t, fake.transacts[2], 50)
}

func TestDynamoDBKV_KeyCondition(t *testing.T) {
	n := &dynamoNamespace{name: "files"}

	tests := []struct {
		name string
		r    arc.Range
		want string
		ok   bool
	}{
		{name: "open", r: arc.Range{}, want: "#ns = :ns", ok: true},
		{name: "both bounds", r: arc.Range{Gte: "~a~", Lte: "~a~~"}, want: "#ns = :ns AND #k BETWEEN :lo AND :hi", ok: true},
		{name: "exclusive lower", r: arc.Range{Gt: "~a~"}, want: "#ns = :ns AND #k > :lo", ok: true},
		{name: "inclusive upper", r: arc.Range{Lte: "~a~"}, want: "#ns = :ns AND #k <= :hi", ok: true},
		{name: "inverted", r: arc.Range{Gte: "~b~", Lte: "~a~"}, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, values, ok := n.keyCondition(tt.r)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			require.Equal(t, tt.want, got)
			require.Equal(t, "files", attrS(values, ":ns"))
		})
	}
}

func TestDynamoDBKV_WriteError(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamoDB()
	fake.failWrite = errors.New("throttled")
	ns, err := NewDynamoDBKV(fake, "arcstore").Namespace(ctx, "files")
	require.NoError(t, err)

	err = ns.Put(ctx, "~a~", []byte("x"))
	require.ErrorContains(t, err, "throttled")

	err = ns.Batch(ctx, []arc.BatchOp{arc.PutOp("~a~", nil)})
	require.ErrorContains(t, err, "throttled")
}
