// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package dynamodb stores the findex tables in one DynamoDB table.
//
// Table schema:
//   - Partition key: pk (string) - "<namespace>#entry", "<namespace>#chain"
//     or "<namespace>#checkpoint"
//   - Sort key: token (binary)
//   - Attribute: value (binary)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name findex \
//	  --attribute-definitions AttributeName=pk,AttributeType=S AttributeName=token,AttributeType=B \
//	  --key-schema AttributeName=pk,KeyType=HASH AttributeName=token,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
	"golang.org/x/sync/errgroup"
)

const (
	attrPK    = "pk"
	attrToken = "token"
	attrValue = "value"

	// DynamoDB request limits.
	maxBatchGet      = 100
	maxBatchWrite    = 25
	maxTransactItems = 100

	// DefaultNamespace prefixes partition keys when none is configured.
	DefaultNamespace = "findex"

	upsertConcurrency = 8
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Backend implements storage.Backend on DynamoDB conditional writes.
type Backend struct {
	client    DDBClient
	tableName string
	namespace string
	logger    *slog.Logger
}

var (
	_ storage.Backend              = (*Backend)(nil)
	_ storage.CheckpointRepository = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend) error

// WithNamespace sets the partition key prefix, letting several indexes share
// one table.
func WithNamespace(namespace string) Option {
	return func(b *Backend) error {
		if namespace == "" {
			return errors.New("namespace must not be empty")
		}
		b.namespace = namespace
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) error {
		if logger == nil {
			logger = slog.Default()
		}
		b.logger = logger
		return nil
	}
}

// New creates a backend over an existing client.
func New(client DDBClient, tableName string, opts ...Option) (*Backend, error) {
	if client == nil {
		return nil, errors.New("dynamodb client required")
	}
	if tableName == "" {
		return nil, errors.New("table name required")
	}
	b := &Backend{
		client:    client,
		tableName: tableName,
		namespace: DefaultNamespace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Connect creates a client from the default AWS configuration chain. A
// non-empty endpoint overrides the service endpoint, e.g. for DynamoDB Local.
func Connect(ctx context.Context, tableName, endpoint string, opts ...Option) (*Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, tableName, opts...)
}

// Close is a no-op; the AWS client holds no resources to release.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) partition(table storage.Table) (string, error) {
	if !table.Valid() {
		return "", fmt.Errorf("%w: %d", storage.ErrInvalidTable, table)
	}
	return b.namespace + "#" + table.String(), nil
}

func itemKey(pk string, token []byte) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK:    &types.AttributeValueMemberS{Value: pk},
		attrToken: &types.AttributeValueMemberB{Value: token},
	}
}

func item(pk string, token, value []byte) map[string]types.AttributeValue {
	it := itemKey(pk, token)
	it[attrValue] = &types.AttributeValueMemberB{Value: value}
	return it
}

func binaryAttr(it map[string]types.AttributeValue, name string) ([]byte, error) {
	v, ok := it[name].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("invalid %s attribute in DynamoDB", name)
	}
	return v.Value, nil
}

// FetchEntries reads entry records with strongly consistent batch gets.
func (b *Backend) FetchEntries(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error) {
	return b.fetch(ctx, storage.EntryTable, tokens)
}

// FetchChains reads chain records with strongly consistent batch gets.
func (b *Backend) FetchChains(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error) {
	return b.fetch(ctx, storage.ChainTable, tokens)
}

func (b *Backend) fetch(ctx context.Context, table storage.Table, tokens core.Tokens) (map[core.Token][]byte, error) {
	pk, err := b.partition(table)
	if err != nil {
		return nil, err
	}
	out := make(map[core.Token][]byte, len(tokens))
	sorted := tokens.Sorted()
	for start := 0; start < len(sorted); start += maxBatchGet {
		batch := sorted[start:min(start+maxBatchGet, len(sorted))]
		keys := make([]map[string]types.AttributeValue, len(batch))
		for i, tok := range batch {
			keys[i] = itemKey(pk, tok[:])
		}

		request := map[string]types.KeysAndAttributes{
			b.tableName: {Keys: keys, ConsistentRead: aws.Bool(true)},
		}
		for len(request) > 0 {
			resp, err := b.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, fmt.Errorf("failed to batch get from DynamoDB: %w", err)
			}
			for _, it := range resp.Responses[b.tableName] {
				if err := collect(it, out); err != nil {
					return nil, err
				}
			}
			request = resp.UnprocessedKeys
		}
	}
	return out, nil
}

func collect(it map[string]types.AttributeValue, into map[core.Token][]byte) error {
	raw, err := binaryAttr(it, attrToken)
	if err != nil {
		return err
	}
	tok, err := core.TokenFromBytes(raw)
	if err != nil {
		return err
	}
	value, err := binaryAttr(it, attrValue)
	if err != nil {
		return err
	}
	into[tok] = value
	return nil
}

// UpsertEntries writes each entry with a conditional PutItem: the stored
// value must equal the expected one, or be absent when nothing is expected.
func (b *Backend) UpsertEntries(ctx context.Context, expected, updated map[core.Token][]byte) (core.Tokens, error) {
	pk, err := b.partition(storage.EntryTable)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	failed := core.NewTokens()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(upsertConcurrency)
	for tok, value := range updated {
		input := &dynamodb.PutItemInput{
			TableName: aws.String(b.tableName),
			Item:      item(pk, tok[:], value),
		}
		if old, ok := expected[tok]; ok {
			input.ConditionExpression = aws.String("#v = :expected")
			input.ExpressionAttributeNames = map[string]string{"#v": attrValue}
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberB{Value: old},
			}
		} else {
			input.ConditionExpression = aws.String("attribute_not_exists(pk)")
		}

		g.Go(func() error {
			_, err := b.client.PutItem(gctx, input)
			if err == nil {
				return nil
			}
			var condErr *types.ConditionalCheckFailedException
			if errors.As(err, &condErr) {
				mu.Lock()
				failed.Add(tok)
				mu.Unlock()
				return nil
			}
			return fmt.Errorf("failed to put entry: %w", err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failed, nil
}

// InsertChains writes links in transactions conditioned on absence. Calls
// larger than one transaction are rolled back when a later transaction fails.
func (b *Backend) InsertChains(ctx context.Context, links map[core.Token][]byte) error {
	pk, err := b.partition(storage.ChainTable)
	if err != nil {
		return err
	}

	written := core.NewTokens()
	sorted := core.NewTokensFromMap(links).Sorted()
	for start := 0; start < len(sorted); start += maxTransactItems {
		batch := sorted[start:min(start+maxTransactItems, len(sorted))]
		items := make([]types.TransactWriteItem, len(batch))
		for i, tok := range batch {
			items[i] = types.TransactWriteItem{Put: &types.Put{
				TableName:           aws.String(b.tableName),
				Item:                item(pk, tok[:], links[tok]),
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}}
		}

		_, err := b.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err != nil {
			if len(written) > 0 {
				if rbErr := b.Delete(ctx, storage.ChainTable, written); rbErr != nil {
					b.logger.Error("failed to roll back chain insert", "links", len(written), "err", rbErr)
				}
			}
			var canceled *types.TransactionCanceledException
			if errors.As(err, &canceled) && conditionFailed(canceled) {
				return storage.ErrChainTokenExists
			}
			return fmt.Errorf("failed to insert links: %w", err)
		}
		for _, tok := range batch {
			written.Add(tok)
		}
	}
	return nil
}

func conditionFailed(e *types.TransactionCanceledException) bool {
	for _, r := range e.CancellationReasons {
		if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// Delete removes tokens with batch writes.
func (b *Backend) Delete(ctx context.Context, table storage.Table, tokens core.Tokens) error {
	pk, err := b.partition(table)
	if err != nil {
		return err
	}
	sorted := tokens.Sorted()
	for start := 0; start < len(sorted); start += maxBatchWrite {
		batch := sorted[start:min(start+maxBatchWrite, len(sorted))]
		requests := make([]types.WriteRequest, len(batch))
		for i, tok := range batch {
			requests[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: itemKey(pk, tok[:])}}
		}

		pending := map[string][]types.WriteRequest{b.tableName: requests}
		for len(pending) > 0 {
			resp, err := b.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("failed to batch delete from DynamoDB: %w", err)
			}
			pending = resp.UnprocessedItems
		}
	}
	return nil
}

// DumpTokens pages through the partition of table.
func (b *Backend) DumpTokens(ctx context.Context, table storage.Table) (core.Tokens, error) {
	pk, err := b.partition(table)
	if err != nil {
		return nil, err
	}

	tokens := core.NewTokens()
	var startKey map[string]types.AttributeValue
	for {
		resp, err := b.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                aws.String(b.tableName),
			KeyConditionExpression:   aws.String("pk = :pk"),
			ProjectionExpression:     aws.String("#t"),
			ExpressionAttributeNames: map[string]string{"#t": attrToken},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query DynamoDB: %w", err)
		}
		for _, it := range resp.Items {
			raw, err := binaryAttr(it, attrToken)
			if err != nil {
				return nil, err
			}
			tok, err := core.TokenFromBytes(raw)
			if err != nil {
				return nil, err
			}
			tokens.Add(tok)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return tokens, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

// SaveCheckpoint stores a compaction checkpoint in the checkpoint partition.
func (b *Backend) SaveCheckpoint(ctx context.Context, checkpoint *storage.Checkpoint) error {
	checkpoint.UpdatedAt = time.Now().UTC()
	_, err := b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName),
		Item:      item(b.namespace+"#checkpoint", []byte(checkpoint.EpochID), storage.MarshalCheckpoint(checkpoint)),
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a compaction checkpoint. Returns nil, nil if none exists.
func (b *Backend) LoadCheckpoint(ctx context.Context, epochID string) (*storage.Checkpoint, error) {
	resp, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.tableName),
		Key:            itemKey(b.namespace+"#checkpoint", []byte(epochID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(resp.Item) == 0 {
		return nil, nil
	}
	value, err := binaryAttr(resp.Item, attrValue)
	if err != nil {
		return nil, err
	}
	return storage.UnmarshalCheckpoint(value)
}
