package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/agenttrail-systems/agenttrail/common/logging"
	"github.com/agenttrail-systems/agenttrail/telemetry/event"
)

// OpenSearchConfig holds connection and index settings for the primary
// analytical store.
type OpenSearchConfig struct {
	Addresses     []string      `mapstructure:"addresses"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"`
	IndexPrefix   string        `mapstructure:"index_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ShardCount    int           `mapstructure:"shard_count"`
	ReplicaCount  int           `mapstructure:"replica_count"`
}

// DefaultOpenSearchConfig returns sensible defaults for a local
// single-node deployment.
func DefaultOpenSearchConfig() OpenSearchConfig {
	return OpenSearchConfig{
		Addresses:    []string{"http://localhost:9200"},
		IndexPrefix:  "agenttrail",
		Timeout:      10 * time.Second,
		ShardCount:   1,
		ReplicaCount: 0,
	}
}

// OpenSearch appends records to an index behind a write alias. Bulk
// requests run on a single indexer worker so the append order within a
// batch stays deterministic.
type OpenSearch struct {
	client *opensearch.Client
	cfg    OpenSearchConfig
	log    *logging.Logger
}

// NewOpenSearch builds the client without touching the network;
// connectivity is verified by EnsureSchema.
func NewOpenSearch(cfg OpenSearchConfig, log *logging.Logger) (*OpenSearch, error) {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "agenttrail"
	}

	transport := &http.Transport{
		ResponseHeaderTimeout: cfg.Timeout,
	}
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	osCfg := opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}

	return &OpenSearch{
		client: client,
		cfg:    cfg,
		log:    log.With(logging.Store("opensearch")),
	}, nil
}

func (s *OpenSearch) Name() string { return "opensearch" }

// EnsureSchema verifies connectivity, installs the index template, and
// creates the initial index behind the write alias. Safe to call
// repeatedly; an index that already exists (including one created by a
// concurrent process) is a no-op.
func (s *OpenSearch) EnsureSchema(ctx context.Context) error {
	info, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect to opensearch: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	if err := s.putIndexTemplate(ctx); err != nil {
		return fmt.Errorf("create index template: %w", err)
	}

	if err := s.createInitialIndex(ctx); err != nil {
		return fmt.Errorf("create initial index: %w", err)
	}

	s.log.Debug("schema ensured", "index", s.indexName(), "alias", s.writeAlias())
	return nil
}

// Append bulk-indexes the batch, one document per record, keyed by the
// record ID so a retried append overwrites instead of duplicating.
func (s *OpenSearch) Append(ctx context.Context, records []event.Record) (*AppendResult, error) {
	result := &AppendResult{}
	schemaMissing := false

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     s.client,
		Index:      s.writeAlias(),
		NumWorkers: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create bulk indexer: %w", err)
	}

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRecord{
				Record: rec,
				Err:    fmt.Sprintf("marshal record: %v", err),
			})
			continue
		}

		item := opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: rec.ID,
			Body:       bytes.NewReader(data),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				result.Appended++
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				switch {
				case err != nil:
					// Transport-level failure; the record never
					// reached the store.
					result.Retry = append(result.Retry, rec)
				case res.Error.Type == "index_not_found_exception":
					schemaMissing = true
				case retryableStatus(res.Status):
					result.Retry = append(result.Retry, rec)
				default:
					result.Rejected = append(result.Rejected, RejectedRecord{
						Record: rec,
						Err:    fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason),
					})
				}
			},
		}

		if err := bi.Add(ctx, item); err != nil {
			return nil, fmt.Errorf("add to bulk indexer: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, fmt.Errorf("flush bulk indexer: %w", err)
	}

	if schemaMissing {
		return nil, fmt.Errorf("append: %w", ErrSchemaMissing)
	}
	return result, nil
}

// Close is a no-op; the underlying HTTP client holds no resources that
// outlive its idle connections.
func (s *OpenSearch) Close(ctx context.Context) error {
	return nil
}

func (s *OpenSearch) indexName() string {
	return s.cfg.IndexPrefix + "-events"
}

func (s *OpenSearch) writeAlias() string {
	return s.cfg.IndexPrefix + "-write"
}

func (s *OpenSearch) putIndexTemplate(ctx context.Context) error {
	template := map[string]interface{}{
		"index_patterns": []string{s.cfg.IndexPrefix + "-*"},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   s.cfg.ShardCount,
				"number_of_replicas": s.cfg.ReplicaCount,
				"codec":              "best_compression",
			},
			"mappings": recordMappings(),
		},
		"priority": 100,
	}

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := s.client.Indices.PutIndexTemplate(
		s.cfg.IndexPrefix+"-template",
		bytes.NewReader(body),
		s.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("put index template: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

func (s *OpenSearch) createInitialIndex(ctx context.Context) error {
	exists, err := s.client.Indices.Exists(
		[]string{s.indexName()},
		s.client.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	exists.Body.Close()

	if exists.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"aliases": map[string]interface{}{
			s.writeAlias(): map[string]interface{}{
				"is_write_index": true,
			},
		},
	})
	if err != nil {
		return err
	}

	res, err := s.client.Indices.Create(
		s.indexName(),
		s.client.Indices.Create.WithBody(bytes.NewReader(body)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		// A concurrent process winning the creation race is success.
		if strings.Contains(string(bodyBytes), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

func recordMappings() map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type": "keyword",
			},
			"timestamp": map[string]interface{}{
				"type": "date",
			},
			"event_type": map[string]interface{}{
				"type": "keyword",
			},
			"agent": map[string]interface{}{
				"type": "keyword",
			},
			"session_id": map[string]interface{}{
				"type": "keyword",
			},
			"invocation_id": map[string]interface{}{
				"type": "keyword",
			},
			"user_id": map[string]interface{}{
				"type": "keyword",
			},
			"content": map[string]interface{}{
				"type": "text",
			},
			"error_message": map[string]interface{}{
				"type": "text",
			},
			"is_truncated": map[string]interface{}{
				"type": "boolean",
			},
		},
	}
}

// retryableStatus reports whether a per-item HTTP status indicates a
// condition worth re-sending the record for.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
