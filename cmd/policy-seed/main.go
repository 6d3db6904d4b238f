package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/buzzbook/coupon-service/internal/domain/policy"
	"github.com/buzzbook/coupon-service/internal/repository"
)

type policyJSON struct {
	Name              string          `json:"name"`
	DiscountType      string          `json:"discountType"`
	DiscountRate      decimal.Decimal `json:"discountRate"`
	DiscountAmount    decimal.Decimal `json:"discountAmount"`
	MaxDiscountAmount decimal.Decimal `json:"maxDiscountAmount"`
	StandardPrice     decimal.Decimal `json:"standardPrice"`
	StartDate         time.Time       `json:"startDate"`
	EndDate           *time.Time      `json:"endDate"`
	Period            int             `json:"period"`
	CouponType        string          `json:"couponType"`
	Scope             struct {
		Kind       string `json:"kind"`
		CategoryID int64  `json:"categoryId"`
		ItemID     int64  `json:"itemId"`
	} `json:"scope"`
}

func main() {
	var (
		databaseURL  string
		policiesFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&policiesFile, "policies-file", "db/seed/policies.json", "path to policies JSON file (.json or .json.gz)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, policiesFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, policiesFile string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	entries, err := readPolicies(policiesFile)
	if err != nil {
		return errors.Wrap(err, "read policies file")
	}

	repo := repository.NewPolicyRepository(pool)
	if err := seedPolicies(ctx, repo, entries); err != nil {
		return err
	}

	types, err := repo.ListCouponTypes(ctx)
	if err != nil {
		return errors.Wrap(err, "list coupon types")
	}
	for _, ct := range types {
		slog.Info("coupon type", slog.Int64("id", ct.ID), slog.String("name", ct.Name))
	}

	return nil
}

func readPolicies(path string) ([]policyJSON, error) {
	slog.Info("reading policies file", slog.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip stream")
		}
		defer zr.Close()
		r = zr
	}

	var entries []policyJSON
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, errors.Wrap(err, "parse policies JSON")
	}

	return entries, nil
}

func seedPolicies(ctx context.Context, repo *repository.PolicyRepository, entries []policyJSON) error {
	slog.Info("seeding policies", slog.Int("count", len(entries)))

	validator := policy.NewValidator()

	// Resolve coupon type names once per distinct name.
	typeIDs := make(map[string]int64)

	for _, e := range entries {
		typeName := e.CouponType
		if typeName == "" {
			typeName = "general"
		}
		typeID, ok := typeIDs[typeName]
		if !ok {
			var err error
			typeID, err = repo.EnsureCouponType(ctx, typeName)
			if err != nil {
				return errors.Wrapf(err, "ensure coupon type %q", typeName)
			}
			typeIDs[typeName] = typeID
		}

		dt, err := policy.ParseDiscountType(e.DiscountType)
		if err != nil {
			return errors.Wrapf(err, "policy %q", e.Name)
		}

		input := policy.CreatePolicy{
			Name:              e.Name,
			DiscountType:      dt,
			DiscountRate:      e.DiscountRate,
			DiscountAmount:    e.DiscountAmount,
			MaxDiscountAmount: e.MaxDiscountAmount,
			StandardPrice:     e.StandardPrice,
			StartDate:         e.StartDate,
			PeriodDays:        e.Period,
			CouponTypeID:      typeID,
			Scope:             seedScope(e),
		}
		if e.EndDate != nil {
			input.EndDate = *e.EndDate
		}

		p, err := validator.ValidateCreate(input)
		if err != nil {
			return errors.Wrapf(err, "validate policy %q", e.Name)
		}

		id, err := repo.Create(ctx, p, input.Scope)
		if err != nil {
			return errors.Wrapf(err, "insert policy %q", e.Name)
		}

		slog.Info("created policy", slog.Int64("id", id), slog.String("name", e.Name))
	}

	return nil
}

func seedScope(e policyJSON) policy.Scope {
	switch e.Scope.Kind {
	case "category":
		return policy.Scope{Kind: policy.ScopeCategory, CategoryID: e.Scope.CategoryID}
	case "item":
		return policy.Scope{Kind: policy.ScopeItem, ItemID: e.Scope.ItemID}
	default:
		return policy.Scope{Kind: policy.ScopeRangeWide}
	}
}
