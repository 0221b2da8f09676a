package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/namespace"
	"github.com/timskillet/replicated-filestore/internal/types"
)

// fakeDynamo keeps items per table keyed by their hash key value.
type fakeDynamo struct {
	mu       sync.Mutex
	tables   map[string]map[string]map[string]ddbtypes.AttributeValue
	pageSize int
	txCalls  int
	// failTx makes the transaction with this 1-based number fail.
	failTx   int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: make(map[string]map[string]map[string]ddbtypes.AttributeValue), pageSize: 2}
}

func hashKey(item map[string]ddbtypes.AttributeValue) string {
	for _, name := range []string{"chunk_id", "path"} {
		if v, ok := item[name].(*ddbtypes.AttributeValueMemberS); ok {
			return v.Value
		}
	}
	return ""
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := f.tables[aws.ToString(in.TableName)]
	var keys []string
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := hashKey(in.ExclusiveStartKey)
		for start < len(keys) && keys[start] <= after {
			start++
		}
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}
	out := &dynamodb.ScanOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, table[k])
	}
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]ddbtypes.AttributeValue{
			"path": &ddbtypes.AttributeValueMemberS{Value: keys[end-1]},
		}
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(in.TransactItems) > maxTransactItems {
		return nil, fmt.Errorf("too many items: %d", len(in.TransactItems))
	}
	f.txCalls++
	if f.txCalls == f.failTx {
		return nil, errors.New("transaction canceled")
	}
	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			name := aws.ToString(it.Put.TableName)
			if f.tables[name] == nil {
				f.tables[name] = make(map[string]map[string]ddbtypes.AttributeValue)
			}
			f.tables[name][hashKey(it.Put.Item)] = it.Put.Item
		case it.Delete != nil:
			delete(f.tables[aws.ToString(it.Delete.TableName)], hashKey(it.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

var testTables = Tables{Files: "files", Directories: "dirs", Chunks: "chunks"}

func TestNamespaceRoundTripThroughDynamo(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	client := NewWithAPI(fake, testTables)

	ns, err := namespace.New(ctx, client, zerolog.Nop())
	if err != nil {
		t.Fatalf("namespace.New: %v", err)
	}
	for _, d := range []string{"/a", "/b", "/c"} {
		if _, err := ns.CreateDirectory(ctx, d); err != nil {
			t.Fatalf("CreateDirectory(%s): %v", d, err)
		}
	}
	if _, err := ns.CreateFile(ctx, "/a/f", 2); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := ns.RegisterChunk(ctx, &types.Chunk{ChunkID: "c1", ReplicaLocations: []string{"n1", "n2"}, ReplicationFactor: 2}); err != nil {
		t.Fatalf("RegisterChunk: %v", err)
	}
	if _, err := ns.CompleteChunk(ctx, "c1", "/a/f", 11, "00ff"); err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}

	reloaded, err := namespace.New(ctx, NewWithAPI(fake, testTables), zerolog.Nop())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	f, chunks, err := reloaded.GetFileInfo("/a/f")
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if f.TotalSize != 11 || len(chunks) != 1 || chunks[0].ReplicaLocations[1] != "n2" {
		t.Fatalf("file = %+v chunks = %+v", f, chunks)
	}
	entries, err := reloaded.ListDirectory("/")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("paged scan lost directories: %+v", entries)
	}
}

func TestApplySplitsLargeMutations(t *testing.T) {
	fake := newFakeDynamo()
	client := NewWithAPI(fake, testTables)

	var m types.Mutation
	for i := 0; i < 150; i++ {
		m.DeleteChunks = append(m.DeleteChunks, fmt.Sprintf("c%03d", i))
	}
	if err := client.Apply(context.Background(), m); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fake.txCalls != 2 {
		t.Fatalf("transactions = %d, want 2", fake.txCalls)
	}
}

func TestSplitDeleteKeepsFileUntilLastBatch(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	client := NewWithAPI(fake, testTables)

	put := types.Mutation{PutFiles: []*types.File{{Path: "/big", ReplicationFactor: 1}}}
	del := types.Mutation{DeleteFiles: []string{"/big"}}
	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("c%03d", i)
		put.PutChunks = append(put.PutChunks, &types.Chunk{ChunkID: id, FilePath: "/big", ReplicationFactor: 1})
		del.DeleteChunks = append(del.DeleteChunks, id)
	}
	if err := client.Apply(ctx, put); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	fake.failTx = fake.txCalls + 2
	if err := client.Apply(ctx, del); err == nil {
		t.Fatal("Apply succeeded through a failed batch")
	}
	if _, ok := fake.tables["files"]["/big"]; !ok {
		t.Fatal("file record deleted before its chunks")
	}
	if n := len(fake.tables["chunks"]); n != 50 {
		t.Fatalf("chunks left = %d, want the second batch unapplied", n)
	}

	fake.failTx = 0
	if err := client.Apply(ctx, del); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(fake.tables["files"]) != 0 || len(fake.tables["chunks"]) != 0 {
		t.Fatalf("tables = %d files, %d chunks", len(fake.tables["files"]), len(fake.tables["chunks"]))
	}
}
