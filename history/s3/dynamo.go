package s3

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/driftsql/driftsql/history"
	"github.com/driftsql/driftsql/model"
)

// DDBClient is the subset of the DynamoDB API the index uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoIndex is a persistent history index on DynamoDB. Unlike the
// in-memory history.Index it survives restarts and is shared by every
// coordinator writing to the same table.
//
// Table schema:
//   - Partition key: cluster (string)
//   - Sort key: seq (number)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name driftsql-query-history \
//	  --attribute-definitions AttributeName=cluster,AttributeType=S AttributeName=seq,AttributeType=N \
//	  --key-schema AttributeName=cluster,KeyType=HASH AttributeName=seq,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoIndex struct {
	client    DDBClient
	tableName string
	cluster   string
}

// NewDynamoIndex creates a DynamoDB-backed history index.
func NewDynamoIndex(client DDBClient, tableName, cluster string) *DynamoIndex {
	return &DynamoIndex{
		client:    client,
		tableName: tableName,
		cluster:   cluster,
	}
}

// Add writes one archived record's index entry.
func (ix *DynamoIndex) Add(ctx context.Context, rec history.Record, name string) error {
	_, err := ix.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(ix.tableName),
		Item: map[string]types.AttributeValue{
			"cluster":  &types.AttributeValueMemberS{Value: ix.cluster},
			"seq":      &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(rec.Seq), 10)},
			"query_id": &types.AttributeValueMemberS{Value: rec.Info.QueryID.String()},
			"user":     &types.AttributeValueMemberS{Value: rec.Info.User},
			"state":    &types.AttributeValueMemberS{Value: rec.Info.State.String()},
			"name":     &types.AttributeValueMemberS{Value: name},
		},
	})
	if err != nil {
		return fmt.Errorf("index record %d: %w", rec.Seq, err)
	}
	return nil
}

// Entry is one indexed record reference.
type Entry struct {
	Seq     uint32
	QueryID model.QueryID
	User    string
	State   string
	Name    string
}

// Filter returns index entries for this cluster, newest first, optionally
// narrowed to one user, up to limit entries (0 means no limit).
func (ix *DynamoIndex) Filter(ctx context.Context, user string, limit int32) ([]Entry, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(ix.tableName),
		KeyConditionExpression: aws.String("#c = :cluster"),
		ExpressionAttributeNames: map[string]string{
			"#c": "cluster",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cluster": &types.AttributeValueMemberS{Value: ix.cluster},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if user != "" {
		input.FilterExpression = aws.String("#u = :user")
		input.ExpressionAttributeNames["#u"] = "user"
		input.ExpressionAttributeValues[":user"] = &types.AttributeValueMemberS{Value: user}
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	out, err := ix.client.Query(ctx, input)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(out.Items))
	for _, item := range out.Items {
		var e Entry
		if v, ok := item["seq"].(*types.AttributeValueMemberN); ok {
			seq, err := strconv.ParseUint(v.Value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad seq %q: %w", v.Value, err)
			}
			e.Seq = uint32(seq)
		}
		if v, ok := item["query_id"].(*types.AttributeValueMemberS); ok {
			e.QueryID = model.QueryID(v.Value)
		}
		if v, ok := item["user"].(*types.AttributeValueMemberS); ok {
			e.User = v.Value
		}
		if v, ok := item["state"].(*types.AttributeValueMemberS); ok {
			e.State = v.Value
		}
		if v, ok := item["name"].(*types.AttributeValueMemberS); ok {
			e.Name = v.Value
		}
		entries = append(entries, e)
	}
	return entries, nil
}
