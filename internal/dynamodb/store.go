package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/timskillet/replicated-filestore/internal/types"
)

// maxTransactItems is DynamoDB's per-transaction item limit. Larger mutations (deleting a
// file with many chunks) are split and lose cross-batch atomicity, so file records are written
// in the last batch: a failed split write leaves the file in place for the caller to retry.
const maxTransactItems = 100

// Load scans all three tables. Client implements namespace.Store.
func (c *Client) Load(ctx context.Context) (*types.Snapshot, error) {
	snap := &types.Snapshot{}

	err := c.scanAll(ctx, c.tables.Directories, func(item map[string]ddbtypes.AttributeValue) error {
		var m DirectoryMetadata
		if err := attributevalue.UnmarshalMap(item, &m); err != nil {
			return err
		}
		snap.Directories = append(snap.Directories, m.toDirectory())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan directories: %w", err)
	}

	err = c.scanAll(ctx, c.tables.Files, func(item map[string]ddbtypes.AttributeValue) error {
		var m FileMetadata
		if err := attributevalue.UnmarshalMap(item, &m); err != nil {
			return err
		}
		snap.Files = append(snap.Files, m.toFile())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan files: %w", err)
	}

	err = c.scanAll(ctx, c.tables.Chunks, func(item map[string]ddbtypes.AttributeValue) error {
		var m ChunkMetadata
		if err := attributevalue.UnmarshalMap(item, &m); err != nil {
			return err
		}
		snap.Chunks = append(snap.Chunks, m.toChunk())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunks: %w", err)
	}

	return snap, nil
}

func (c *Client) scanAll(ctx context.Context, table string, fn func(map[string]ddbtypes.AttributeValue) error) error {
	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := c.svc.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return err
		}
		for _, item := range out.Items {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Apply writes the mutation with TransactWriteItems.
func (c *Client) Apply(ctx context.Context, m types.Mutation) error {
	var items []ddbtypes.TransactWriteItem

	for _, id := range m.DeleteChunks {
		items = append(items, deleteItem(c.tables.Chunks, "chunk_id", id))
	}
	for _, ch := range m.PutChunks {
		item, err := putItem(c.tables.Chunks, chunkToItem(ch))
		if err != nil {
			return fmt.Errorf("failed to marshal chunk %s: %w", ch.ChunkID, err)
		}
		items = append(items, item)
	}
	for _, d := range m.PutDirectories {
		item, err := putItem(c.tables.Directories, directoryToItem(d))
		if err != nil {
			return fmt.Errorf("failed to marshal directory %s: %w", d.Path, err)
		}
		items = append(items, item)
	}
	for _, f := range m.PutFiles {
		item, err := putItem(c.tables.Files, fileToItem(f))
		if err != nil {
			return fmt.Errorf("failed to marshal file %s: %w", f.Path, err)
		}
		items = append(items, item)
	}
	for _, p := range m.DeleteFiles {
		items = append(items, deleteItem(c.tables.Files, "path", p))
	}

	for start := 0; start < len(items); start += maxTransactItems {
		end := min(start+maxTransactItems, len(items))
		_, err := c.svc.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items[start:end],
		})
		if err != nil {
			return fmt.Errorf("failed to write metadata: %w", err)
		}
	}
	return nil
}

func putItem(table string, v any) (ddbtypes.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return ddbtypes.TransactWriteItem{}, err
	}
	return ddbtypes.TransactWriteItem{
		Put: &ddbtypes.Put{TableName: aws.String(table), Item: item},
	}, nil
}

func deleteItem(table, keyName, key string) ddbtypes.TransactWriteItem {
	return ddbtypes.TransactWriteItem{
		Delete: &ddbtypes.Delete{
			TableName: aws.String(table),
			Key: map[string]ddbtypes.AttributeValue{
				keyName: &ddbtypes.AttributeValueMemberS{Value: key},
			},
		},
	}
}
