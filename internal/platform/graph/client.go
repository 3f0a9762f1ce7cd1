// Package graph provides the Neo4j (Bolt) client behind the graph concept
// store.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"github.com/ehr/termserver/internal/platform/telemetry"
)

// Client wraps the Neo4j driver.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
	logger   zerolog.Logger
}

// Config holds graph database configuration.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// NewClient creates a new graph database client. It does not dial; call
// VerifyConnectivity to check the server.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("graph: uri is required")
	}

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("create graph driver: %w", err)
	}

	return &Client{
		driver:   driver,
		database: cfg.Database,
		logger:   logger.With().Str("component", "graph").Logger(),
	}, nil
}

// Close closes the driver connection.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// VerifyConnectivity checks if the database is reachable.
func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// Session creates a new session with the given access mode.
func (c *Client) Session(ctx context.Context, accessMode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   accessMode,
		DatabaseName: c.database,
	})
}

// ExecuteWrite runs a write transaction.
func (c *Client) ExecuteWrite(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	ctx, span := telemetry.StartSpan(ctx, "graph.Client.ExecuteWrite")
	defer span.End()

	session := c.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	return session.ExecuteWrite(ctx, work)
}

// ExecuteRead runs a read transaction.
func (c *Client) ExecuteRead(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	ctx, span := telemetry.StartSpan(ctx, "graph.Client.ExecuteRead")
	defer span.End()

	session := c.Session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	return session.ExecuteRead(ctx, work)
}

// Rows is a materialised query result: one map per record keyed by the
// RETURN aliases.
type Rows []map[string]any

// Query runs a read-only Cypher query and collects every record.
func (c *Client) Query(ctx context.Context, cypher string, params map[string]any) (Rows, error) {
	out, err := c.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var rows Rows
		for result.Next(ctx) {
			rows = append(rows, result.Record().AsMap())
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
		return rows, nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Int("query_len", len(cypher)).Msg("graph query failed")
		return nil, fmt.Errorf("graph query: %w", err)
	}
	rows, _ := out.(Rows)
	return rows, nil
}

// Exec runs write statements in one transaction, in order.
func (c *Client) Exec(ctx context.Context, statements ...string) error {
	_, err := c.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, stmt := range statements {
			result, err := tx.Run(ctx, stmt, nil)
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph exec: %w", err)
	}
	return nil
}

// Write runs one parameterised write statement.
func (c *Client) Write(ctx context.Context, cypher string, params map[string]any) error {
	_, err := c.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("graph write: %w", err)
	}
	return nil
}

// String reads a string column, returning "" for missing or non-string
// values.
func (r Rows) String(i int, key string) string {
	s, _ := r[i][key].(string)
	return s
}

// Bool reads a boolean column.
func (r Rows) Bool(i int, key string) bool {
	b, _ := r[i][key].(bool)
	return b
}

// Float reads a numeric column; Bolt integers arrive as int64.
func (r Rows) Float(i int, key string) float64 {
	switch v := r[i][key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}
