package app

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		DatabaseURL: "postgres://localhost/checkout",
		Currency:    "usd",
		CartStore:   CartStoreConfig{Kind: CartStorePostgres},
		Providers: ProvidersConfig{
			Shipping: ProviderConfig{BaseURL: "https://api.shipping.example"},
		},
	}
}

func TestConfigValidate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"local store", func(c *Config) { c.CartStore = CartStoreConfig{Kind: CartStoreLocal, Dir: "/tmp/carts"} }, ""},
		{"local store without dir", func(c *Config) { c.CartStore = CartStoreConfig{Kind: CartStoreLocal} }, "requires a directory"},
		{"unknown store", func(c *Config) { c.CartStore.Kind = "redis" }, `unknown cart store "redis"`},
		{"no database", func(c *Config) { c.DatabaseURL = "" }, "database URL is required"},
		{"no shipping", func(c *Config) { c.Providers.Shipping = ProviderConfig{} }, "shipping provider"},
		{"no currency", func(c *Config) { c.Currency = "" }, "currency is required"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "9000")

	cfg := Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)

	explicit := Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/db"}
	explicit.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit/db", explicit.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", explicit.Addr)
}

func TestParcelConfig(t *testing.T) {
	p, err := ParcelConfig{Length: "10", Width: "8", Height: "4", Weight: "16.5"}.Parcel()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("16.5").Equal(p.Weight))
	assert.True(t, decimal.NewFromInt(10).Equal(p.Length))

	_, err = ParcelConfig{Length: "10", Width: "0", Height: "4", Weight: "16"}.Parcel()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "width must be positive")

	_, err = ParcelConfig{Length: "ten", Width: "8", Height: "4", Weight: "16"}.Parcel()
	require.Error(t, err)
}

func TestProviderEnablement(t *testing.T) {
	assert.False(t, ProviderConfig{}.Enabled())
	assert.True(t, ProviderConfig{BaseURL: "https://api.stripe.com"}.Enabled())

	assert.False(t, ApplePayConfig{MerchantID: "merchant.shop"}.Enabled())
	assert.True(t, ApplePayConfig{
		MerchantID: "merchant.shop",
		Processor:  ProviderConfig{BaseURL: "https://processor.example"},
	}.Enabled())
}
