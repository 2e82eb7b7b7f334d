package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "drawer", cfg.Cart.Type)
	assert.Equal(t, 10*time.Second, cfg.Storefront.RequestTimeout)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
storefront:
  base_url: https://shop.example.com
  section_id: main-cart
  request_timeout: 3s
cart:
  type: page
relay:
  backend: nats
  nats_url: nats://127.0.0.1:4222
  outbound: ["cart:added", "cart:open"]
flags:
  backend: sqlite
  sqlite_path: /tmp/flags.db
  notify_ttl: 2m
`))
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com", cfg.Storefront.BaseURL)
	assert.Equal(t, "/cart/add.js", cfg.Storefront.AddPath, "unset fields keep defaults")
	assert.Equal(t, 3*time.Second, cfg.Storefront.RequestTimeout)
	assert.Equal(t, "page", cfg.Cart.Type)
	assert.Equal(t, []string{"cart:added", "cart:open"}, cfg.Relay.Outbound)
	assert.Equal(t, 2*time.Minute, cfg.Flags.NotifyTTL)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"未知字段", "cart:\n  typo: drawer\n"},
		{"展示方式", "cart:\n  type: modal\n"},
		{"缺少 NATS 地址", "relay:\n  backend: nats\n"},
		{"未知事件", "relay:\n  inbound: [\"cart:exploded\"]\n"},
		{"未知存储", "flags:\n  backend: etcd\n"},
		{"超时为零", "storefront:\n  request_timeout: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"CARTSYNC_BASE_URL":        "https://env.example.com",
		"CARTSYNC_REQUEST_TIMEOUT": "750ms",
		"CARTSYNC_CART_TYPE":       "page",
		"CARTSYNC_LOG_LEVEL":       "debug",
		"CARTSYNC_SECTION_ID":      "",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, "https://env.example.com", cfg.Storefront.BaseURL)
	assert.Equal(t, 750*time.Millisecond, cfg.Storefront.RequestTimeout)
	assert.Equal(t, "page", cfg.Cart.Type)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "cart-drawer", cfg.Storefront.SectionID, "empty values do not override")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cartsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cart:\n  type: page\n"), 0o600))
	t.Setenv("CARTSYNC_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "page", cfg.Cart.Type)
	assert.Equal(t, "warn", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
