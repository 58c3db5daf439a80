package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
server:
  listen: "127.0.0.1:9090"
  auth:
    api_key: admin-key
logging:
  level: debug
  format: json
rate_limit:
  capacity: %d
  refill_rate: 10
oauth:
  provider: acme
  token_url: https://auth.example.com/token
  client_id: apigate
  client_secret: ${APIGATE_TEST_SECRET}
  dedupe_refresh: true
client:
  base_url: https://api.example.com
storage:
  driver: memory
`

func writeConfig(t *testing.T, path string, capacity int) {
	t.Helper()
	content := fmt.Sprintf(validYAML, capacity)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func tempConfig(t *testing.T, capacity int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apigate.yaml")
	writeConfig(t, path, capacity)
	return path
}
