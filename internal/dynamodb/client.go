package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// API is the subset of the DynamoDB client the metadata store needs.
type API interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Tables names the three metadata tables. Each is keyed by a single string hash key:
// files and directories by "path", chunks by "chunk_id".
type Tables struct {
	Files       string
	Directories string
	Chunks      string
}

type Client struct {
	svc    API
	tables Tables
}

// NewClient connects to DynamoDB in region. endpoint overrides the service URL (DynamoDB Local).
func NewClient(ctx context.Context, region, endpoint string, tables Tables) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	svc := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return NewWithAPI(svc, tables), nil
}

func NewWithAPI(svc API, tables Tables) *Client {
	return &Client{
		svc:    svc,
		tables: tables,
	}
}

func (c *Client) Close() error {
	return nil
}
