// Package pricing estimates on-demand instance cost so scaling
// notifications can carry an hourly cost delta.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// Estimator resolves hourly on-demand prices via the AWS Pricing API.
// Prices change rarely, so results are cached for the process lifetime.
type Estimator struct {
	client *pricing.Client
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]float64 // region:instanceType -> USD/hour
}

// NewEstimator creates an Estimator using the default credential chain.
func NewEstimator(ctx context.Context, logger *slog.Logger) (*Estimator, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Estimator{
		client: pricing.NewFromConfig(cfg, func(o *pricing.Options) {
			// The Pricing API is only served from us-east-1.
			o.Region = "us-east-1"
		}),
		logger: logger,
		cache:  make(map[string]float64),
	}, nil
}

// OnDemandPrice returns the hourly USD price for a Linux instance of the
// given type in a region.
func (e *Estimator) OnDemandPrice(ctx context.Context, region, instanceType string) (float64, error) {
	if instanceType == "" {
		return 0, fmt.Errorf("no instance type to price")
	}

	key := region + ":" + instanceType
	e.mu.RLock()
	if price, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return price, nil
	}
	e.mu.RUnlock()

	input := &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("instanceType"), Value: aws.String(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("preInstalledSw"), Value: aws.String("NA")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("tenancy"), Value: aws.String("Shared")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("capacitystatus"), Value: aws.String("Used")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("regionCode"), Value: aws.String(region)},
		},
		MaxResults: aws.Int32(1),
	}

	result, err := e.client.GetProducts(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to get products: %w", err)
	}
	if len(result.PriceList) == 0 {
		return 0, fmt.Errorf("no pricing found for %s in %s", instanceType, region)
	}

	price, err := parseOnDemandPrice(result.PriceList[0])
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.cache[key] = price
	e.mu.Unlock()

	e.logger.Debug("resolved on-demand price",
		"region", region,
		"instance_type", instanceType,
		"usd_per_hour", price,
	)
	return price, nil
}

// parseOnDemandPrice extracts the hourly USD rate from one Pricing API
// price-list document.
func parseOnDemandPrice(priceList string) (float64, error) {
	var payload struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit struct {
						USD string `json:"USD"`
					} `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(priceList), &payload); err != nil {
		return 0, fmt.Errorf("failed to parse pricing payload: %w", err)
	}

	for _, term := range payload.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			price, err := strconv.ParseFloat(dim.PricePerUnit.USD, 64)
			if err != nil {
				return 0, fmt.Errorf("failed to parse price %q: %w", dim.PricePerUnit.USD, err)
			}
			if price > 0 {
				return price, nil
			}
		}
	}
	return 0, fmt.Errorf("pricing payload has no usable on-demand rate")
}
