package neo4j

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/entity"
	"github.com/finrag/backend/pkg/circuitbreaker"
	"github.com/finrag/backend/pkg/logger"
	"github.com/finrag/backend/pkg/retry"
)

const defaultRefresh = 10 * time.Minute

// Client serves the company registry from the graph:
//
//	(:Company {id, ticker, name})-[:KNOWN_AS]->(:Alias {name})
//
// The company set is small, so it is loaded whole and matched in memory;
// it is reloaded after the refresh interval.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
	logger      *zap.Logger
	refresh     time.Duration
	now         func() time.Time
	load        func(ctx context.Context) ([]entity.Company, error)

	mu       sync.Mutex
	cached   *entity.StaticRegistry
	loadedAt time.Time
}

func NewClient(uri, username, password, database string, log *zap.Logger) (*Client, error) {
	log = logger.OrDefault(log).Named("neo4j")

	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	c := newClient(driver, database, log)
	c.load = c.fetchCompanies

	log.Info("Neo4j registry initialized", zap.String("uri", uri), zap.String("database", database))
	return c, nil
}

func newClient(driver neo4j.DriverWithContext, database string, log *zap.Logger) *Client {
	if database == "" {
		database = "neo4j"
	}
	return &Client{
		driver:   driver,
		database: database,
		cb: circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
			MaxTrials:        3,
			OpenFor:          20 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           log,
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         log,
			Name:           "neo4j",
		},
		logger:  log,
		refresh: defaultRefresh,
		now:     time.Now,
	}
}

func (c *Client) Close(ctx context.Context) error {
	if c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// SetRefresh changes how long a loaded company set is served.
func (c *Client) SetRefresh(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh = d
}

func (c *Client) Candidates(ctx context.Context, mention string, limit int) ([]entity.Candidate, error) {
	reg, err := c.registry(ctx)
	if err != nil {
		return nil, err
	}
	return reg.Candidates(ctx, mention, limit)
}

func (c *Client) Company(ctx context.Context, id string) (entity.Company, bool, error) {
	reg, err := c.registry(ctx)
	if err != nil {
		return entity.Company{}, false, err
	}
	return reg.Company(ctx, id)
}

// registry returns the cached company set, reloading it when stale. A
// failed reload keeps serving the previous set.
func (c *Client) registry(ctx context.Context) (*entity.StaticRegistry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Sub(c.loadedAt) < c.refresh {
		return c.cached, nil
	}

	companies, err := c.load(ctx)
	if err != nil {
		if c.cached != nil {
			c.logger.Warn("Registry reload failed, serving previous company set", zap.Error(err))
			c.loadedAt = c.now()
			return c.cached, nil
		}
		return nil, fmt.Errorf("failed to load company registry: %w", err)
	}

	c.cached = entity.NewStaticRegistry(companies)
	c.loadedAt = c.now()
	c.logger.Debug("Company registry loaded", zap.Int("companies", c.cached.Len()))
	return c.cached, nil
}

// Invalidate forces the next lookup to reload.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
}

func (c *Client) executeWithRetry(ctx context.Context, mode neo4j.AccessMode, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database, AccessMode: mode})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

func (c *Client) fetchCompanies(ctx context.Context) ([]entity.Company, error) {
	var companies []entity.Company

	err := c.executeWithRetry(ctx, neo4j.AccessModeRead, func(session neo4j.SessionWithContext) error {
		companies = companies[:0]

		query := `
			MATCH (c:Company)
			OPTIONAL MATCH (c)-[:KNOWN_AS]->(a:Alias)
			RETURN c.id AS id, c.ticker AS ticker, c.name AS name, collect(a.name) AS aliases
			ORDER BY id
		`

		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return fmt.Errorf("failed to query companies: %w", err)
		}

		for result.Next(ctx) {
			co, ok := companyFromValues(result.Record().AsMap())
			if !ok {
				continue
			}
			companies = append(companies, co)
		}

		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(companies) == 0 {
		return nil, errors.New("no companies in graph")
	}
	return companies, nil
}

// UpsertCompanies merges companies and their aliases into the graph and
// invalidates the cached set.
func (c *Client) UpsertCompanies(ctx context.Context, companies []entity.Company) error {
	rows := make([]map[string]interface{}, 0, len(companies))
	for _, co := range companies {
		if co.ID == "" {
			continue
		}
		aliases := make([]interface{}, 0, len(co.Aliases))
		for _, a := range co.Aliases {
			aliases = append(aliases, a)
		}
		rows = append(rows, map[string]interface{}{
			"id":      co.ID,
			"ticker":  co.Ticker,
			"name":    co.Name,
			"aliases": aliases,
		})
	}

	err := c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		query := `
			UNWIND $companies AS row
			MERGE (c:Company {id: row.id})
			SET c.ticker = row.ticker,
			    c.name = row.name,
			    c.updated_at = timestamp()
			WITH c, row
			UNWIND row.aliases AS alias
			MERGE (a:Alias {name: alias})
			MERGE (c)-[:KNOWN_AS]->(a)
		`
		result, err := session.Run(ctx, query, map[string]interface{}{"companies": rows})
		if err != nil {
			return fmt.Errorf("failed to upsert companies: %w", err)
		}
		_, err = result.Consume(ctx)
		return err
	})
	if err != nil {
		return err
	}

	c.Invalidate()
	c.logger.Info("Companies upserted", zap.Int("count", len(rows)))
	return nil
}

func companyFromValues(values map[string]interface{}) (entity.Company, bool) {
	id, _ := values["id"].(string)
	if id == "" {
		return entity.Company{}, false
	}
	co := entity.Company{ID: id}
	co.Ticker, _ = values["ticker"].(string)
	co.Name, _ = values["name"].(string)
	if aliases, ok := values["aliases"].([]interface{}); ok {
		for _, a := range aliases {
			if s, ok := a.(string); ok && s != "" {
				co.Aliases = append(co.Aliases, s)
			}
		}
	}
	return co, true
}
