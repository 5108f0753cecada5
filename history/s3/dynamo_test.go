package s3

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsql/driftsql/history"
	"github.com/driftsql/driftsql/model"
)

type fakeDDB struct {
	puts    []*dynamodb.PutItemInput
	queries []*dynamodb.QueryInput
	items   []map[string]ddbtypes.AttributeValue
}

func (f *fakeDDB) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, params)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, params)
	return &dynamodb.QueryOutput{Items: f.items}, nil
}

func stringAttr(item map[string]ddbtypes.AttributeValue, key string) string {
	if v, ok := item[key].(*ddbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func TestDynamoIndexAdd(t *testing.T) {
	ddb := &fakeDDB{}
	ix := NewDynamoIndex(ddb, "query-history", "prod-east")

	rec := history.Record{
		Seq: 7,
		Info: model.QueryInfo{
			BasicQueryInfo: model.BasicQueryInfo{
				QueryID: model.QueryID("20260830_000001_00007_abcde"),
				State:   model.StateFinished,
				User:    "alice",
			},
		},
	}
	require.NoError(t, ix.Add(context.Background(), rec, "00000007.bin"))

	require.Len(t, ddb.puts, 1)
	put := ddb.puts[0]
	assert.Equal(t, "query-history", aws.ToString(put.TableName))
	assert.Equal(t, "prod-east", stringAttr(put.Item, "cluster"))
	assert.Equal(t, "20260830_000001_00007_abcde", stringAttr(put.Item, "query_id"))
	assert.Equal(t, "alice", stringAttr(put.Item, "user"))
	assert.Equal(t, "FINISHED", stringAttr(put.Item, "state"))
	assert.Equal(t, "00000007.bin", stringAttr(put.Item, "name"))

	seq, ok := put.Item["seq"].(*ddbtypes.AttributeValueMemberN)
	require.True(t, ok)
	assert.Equal(t, "7", seq.Value)
}

func TestDynamoIndexFilter(t *testing.T) {
	ddb := &fakeDDB{
		items: []map[string]ddbtypes.AttributeValue{
			{
				"seq":      &ddbtypes.AttributeValueMemberN{Value: "9"},
				"query_id": &ddbtypes.AttributeValueMemberS{Value: "q-9"},
				"user":     &ddbtypes.AttributeValueMemberS{Value: "alice"},
				"state":    &ddbtypes.AttributeValueMemberS{Value: "FINISHED"},
				"name":     &ddbtypes.AttributeValueMemberS{Value: "00000009.bin"},
			},
			{
				"seq":      &ddbtypes.AttributeValueMemberN{Value: "4"},
				"query_id": &ddbtypes.AttributeValueMemberS{Value: "q-4"},
				"user":     &ddbtypes.AttributeValueMemberS{Value: "alice"},
				"state":    &ddbtypes.AttributeValueMemberS{Value: "FAILED"},
				"name":     &ddbtypes.AttributeValueMemberS{Value: "00000004.bin"},
			},
		},
	}
	ix := NewDynamoIndex(ddb, "query-history", "prod-east")

	entries, err := ix.Filter(context.Background(), "alice", 10)
	require.NoError(t, err)

	require.Len(t, ddb.queries, 1)
	q := ddb.queries[0]
	assert.Equal(t, "#c = :cluster", aws.ToString(q.KeyConditionExpression))
	assert.Equal(t, "#u = :user", aws.ToString(q.FilterExpression))
	assert.Equal(t, int32(10), aws.ToInt32(q.Limit))
	require.NotNil(t, q.ScanIndexForward)
	assert.False(t, *q.ScanIndexForward)

	require.Len(t, entries, 2)
	assert.Equal(t, uint32(9), entries[0].Seq)
	assert.Equal(t, model.QueryID("q-9"), entries[0].QueryID)
	assert.Equal(t, "FINISHED", entries[0].State)
	assert.Equal(t, uint32(4), entries[1].Seq)
	assert.Equal(t, "00000004.bin", entries[1].Name)
}

func TestDynamoIndexFilterNoUser(t *testing.T) {
	ddb := &fakeDDB{}
	ix := NewDynamoIndex(ddb, "query-history", "prod-east")

	_, err := ix.Filter(context.Background(), "", 0)
	require.NoError(t, err)

	require.Len(t, ddb.queries, 1)
	q := ddb.queries[0]
	assert.Nil(t, q.FilterExpression)
	assert.Nil(t, q.Limit)
}

func TestDynamoIndexFilterBadSeq(t *testing.T) {
	ddb := &fakeDDB{
		items: []map[string]ddbtypes.AttributeValue{
			{"seq": &ddbtypes.AttributeValueMemberN{Value: "not-a-number"}},
		},
	}
	ix := NewDynamoIndex(ddb, "query-history", "prod-east")

	_, err := ix.Filter(context.Background(), "", 0)
	assert.Error(t, err)
}
