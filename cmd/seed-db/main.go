// Command seed-db loads the demo catalog with opening stock and provisions
// API keys for a customer, a fulfillment operator and a pharmacist.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-core/internal/domain/auth"
	"github.com/xenking/marketplace-core/internal/domain/product"
	"github.com/xenking/marketplace-core/internal/storage/postgres"
)

type productJSON struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Price                decimal.Decimal `json:"price"`
	Category             string          `json:"category"`
	Stock                int             `json:"stock"`
	RequiresPrescription bool            `json:"requiresPrescription"`
}

type seedKey struct {
	key  string
	info auth.APIKeyInfo
}

func main() {
	var (
		databaseURL    string
		productsFile   string
		apiKey         string
		customerID     string
		fulfillmentKey string
		pharmacistKey  string
		apiKeyPepper   string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&apiKey, "api-key", "", "customer API key to seed (or MARKET_SEED_API_KEY env)")
	flag.StringVar(&customerID, "customer-id", "cust-demo", "customer bound to the seeded customer key")
	flag.StringVar(&fulfillmentKey, "fulfillment-key", "", "fulfillment API key to seed (or MARKET_SEED_FULFILLMENT_KEY env)")
	flag.StringVar(&pharmacistKey, "pharmacist-key", "", "pharmacist API key to seed (or MARKET_SEED_PHARMACIST_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or MARKET_API_KEY_PEPPER env)")
	flag.Parse()

	databaseURL = orEnv(databaseURL, "DATABASE_URL")
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	apiKey = orEnv(apiKey, "MARKET_SEED_API_KEY")
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or MARKET_SEED_API_KEY")
		os.Exit(1)
	}
	apiKeyPepper = orEnv(apiKeyPepper, "MARKET_API_KEY_PEPPER")
	if apiKeyPepper == "" {
		slog.Error("API key pepper is required: set --api-key-pepper or MARKET_API_KEY_PEPPER")
		os.Exit(1)
	}

	keys := []seedKey{{
		key: apiKey,
		info: auth.APIKeyInfo{
			ID:         "default",
			Name:       "Demo customer",
			CustomerID: customerID,
			Scopes:     []string{auth.ScopeOrders},
		},
	}}
	if k := orEnv(fulfillmentKey, "MARKET_SEED_FULFILLMENT_KEY"); k != "" {
		keys = append(keys, seedKey{key: k, info: auth.APIKeyInfo{
			ID:     "fulfillment",
			Name:   "Warehouse",
			Scopes: []string{auth.ScopeFulfillment},
		}})
	}
	if k := orEnv(pharmacistKey, "MARKET_SEED_PHARMACIST_KEY"); k != "" {
		keys = append(keys, seedKey{key: k, info: auth.APIKeyInfo{
			ID:     "pharmacist",
			Name:   "Duty pharmacist",
			Scopes: []string{auth.ScopePharmacist},
		}})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, []byte(apiKeyPepper), keys); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func orEnv(v, env string) string {
	if v != "" {
		return v
	}
	return os.Getenv(env)
}

func run(ctx context.Context, databaseURL, productsFile string, pepper []byte, keys []seedKey) error {
	slog.Info("running migrations")

	if err := postgres.Migrate(databaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := seedProducts(ctx, postgres.NewProductRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedAPIKeys(ctx, postgres.NewAPIKeyRepository(pool), pepper, keys); err != nil {
		return errors.Wrap(err, "seed api keys")
	}

	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if p.Stock < 0 {
			return errors.Errorf("product %s: negative stock %d", p.ID, p.Stock)
		}
		if err := repo.Upsert(ctx, product.Product{
			ID:                   p.ID,
			Name:                 p.Name,
			Price:                p.Price,
			Category:             p.Category,
			RequiresPrescription: p.RequiresPrescription,
		}, p.Stock); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product",
			slog.String("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("stock", p.Stock),
		)
	}

	return nil
}

func seedAPIKeys(ctx context.Context, repo *postgres.APIKeyRepository, pepper []byte, keys []seedKey) error {
	for _, k := range keys {
		info := k.info
		info.KeyHash = auth.HashKey(pepper, k.key)
		if err := repo.Upsert(ctx, info); err != nil {
			return errors.Wrapf(err, "upsert API key %s", info.ID)
		}

		slog.Info("upserted API key",
			slog.String("id", info.ID),
			slog.String("name", info.Name),
			slog.Any("scopes", info.Scopes),
		)
	}

	return nil
}
