package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
connections:
  src:
    driver: mssql
    host: sql01
    database: sales
    user: etl
    password: secret
  dst:
    driver: postgres
    host: pg01
    database: warehouse
    user: loader
    password: secret
configurations:
  - id: sales
    source: src
    destination: dst
    batch_size: 100
    mappings:
      - source_schema: dbo
        source_table: Orders
        destination_schema: public
        destination_table: orders
        incremental_type: DateTime
        incremental_column: ModifiedAt
        incremental_start_value: "2024-01-01"
        columns:
          - {source: OrderId, destination: order_id, is_key: true}
          - {source: ModifiedAt, destination: modified_at}
`

func TestMSSQLDSNURLEncoding(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
		database string
		wantUser string
		wantPass string
		wantDB   string
	}{
		{"plain credentials", "admin", "secret", "mydb", "admin", "secret", "mydb"},
		{"password with @", "admin", "pass@word", "mydb", "admin", "pass%40word", "mydb"},
		{"password with colon", "admin", "pass:word", "mydb", "admin", "pass%3Aword", "mydb"},
		{"password with slash", "admin", "pass/word", "mydb", "admin", "pass%2Fword", "mydb"},
		{"user with @", "user@domain", "secret", "mydb", "user%40domain", "secret", "mydb"},
		{"database with spaces", "admin", "secret", "my database", "admin", "secret", "my+database"},
		{"complex password", "admin", "P@ss:w/rd?123", "mydb", "admin", "P%40ss%3Aw%2Frd%3F123", "mydb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := buildMSSQLDSN("localhost", 1433, tt.database, tt.user, tt.password, "true", false)

			if !strings.Contains(dsn, tt.wantUser+":") {
				t.Errorf("MSSQL DSN missing encoded user %q in %q", tt.wantUser, dsn)
			}
			if !strings.Contains(dsn, ":"+tt.wantPass+"@") {
				t.Errorf("MSSQL DSN missing encoded password %q in %q", tt.wantPass, dsn)
			}
			if !strings.Contains(dsn, "database="+tt.wantDB) {
				t.Errorf("MSSQL DSN missing encoded database %q in %q", tt.wantDB, dsn)
			}
		})
	}
}

func TestPostgresDSNURLEncoding(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
		database string
		wantUser string
		wantPass string
		wantDB   string
	}{
		{"plain credentials", "admin", "secret", "mydb", "admin", "secret", "mydb"},
		{"password with @", "admin", "pass@word", "mydb", "admin", "pass%40word", "mydb"},
		{"password with colon", "admin", "pass:word", "mydb", "admin", "pass%3Aword", "mydb"},
		{"user with @", "user@domain", "secret", "mydb", "user%40domain", "secret", "mydb"},
		{"database with spaces", "admin", "secret", "my database", "admin", "secret", "my%20database"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := buildPostgresDSN("localhost", 5432, tt.database, tt.user, tt.password, "disable")

			if !strings.Contains(dsn, tt.wantUser+":") {
				t.Errorf("Postgres DSN missing encoded user %q in %q", tt.wantUser, dsn)
			}
			if !strings.Contains(dsn, ":"+tt.wantPass+"@") {
				t.Errorf("Postgres DSN missing encoded password %q in %q", tt.wantPass, dsn)
			}
			if !strings.Contains(dsn, "/"+tt.wantDB+"?") {
				t.Errorf("Postgres DSN missing encoded database %q in %q", tt.wantDB, dsn)
			}
		})
	}
}

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(baseYAML))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	if cfg.Migration.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.Migration.Workers)
	}
	if cfg.Migration.ExtractTimeout != 5*time.Minute {
		t.Errorf("ExtractTimeout = %v, want 5m", cfg.Migration.ExtractTimeout)
	}
	if cfg.Migration.LoadTimeout != 10*time.Minute {
		t.Errorf("LoadTimeout = %v, want 10m", cfg.Migration.LoadTimeout)
	}
	if cfg.Migration.ChecksumSampleSize != 100 {
		t.Errorf("ChecksumSampleSize = %d, want 100", cfg.Migration.ChecksumSampleSize)
	}
	if got := cfg.Connections["src"].Port; got != 1433 {
		t.Errorf("mssql port = %d, want 1433", got)
	}
	if got := cfg.Connections["dst"].SSLMode; got != "require" {
		t.Errorf("postgres ssl_mode = %q, want require", got)
	}

	sales, ok := cfg.Configuration("SALES")
	if !ok {
		t.Fatal("configuration lookup should be case-insensitive")
	}
	m := sales.Mappings[0]
	if m.ID != "dbo.Orders" {
		t.Errorf("mapping ID = %q, want dbo.Orders", m.ID)
	}
	if m.IncrementalCompareOperator != OpGreater {
		t.Errorf("operator = %q, want >", m.IncrementalCompareOperator)
	}
	if !m.Active() || !sales.Active() {
		t.Error("mapping and configuration should default to active")
	}
	start, err := m.StartValue()
	if err != nil {
		t.Fatalf("StartValue: %v", err)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !start.(time.Time).Equal(want) {
		t.Errorf("StartValue = %v, want %v", start, want)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name: "incremental column required",
			mutate: func(s string) string {
				return strings.Replace(s, "incremental_column: ModifiedAt", "", 1)
			},
			wantErr: "incremental_column is required",
		},
		{
			name: "bad operator",
			mutate: func(s string) string {
				return strings.Replace(s, "incremental_type: DateTime", "incremental_type: DateTime\n        incremental_compare_operator: \"<\"", 1)
			},
			wantErr: "incremental_compare_operator",
		},
		{
			name: "missing key column",
			mutate: func(s string) string {
				return strings.Replace(s, ", is_key: true", "", 1)
			},
			wantErr: "key column",
		},
		{
			name: "unknown destination",
			mutate: func(s string) string {
				return strings.Replace(s, "destination: dst", "destination: nowhere", 1)
			},
			wantErr: "unknown destination connection",
		},
		{
			name: "unknown driver",
			mutate: func(s string) string {
				return strings.Replace(s, "driver: postgres", "driver: oracle", 1)
			},
			wantErr: "driver must be",
		},
		{
			name: "unparsable start value",
			mutate: func(s string) string {
				return strings.Replace(s, `"2024-01-01"`, `"not a date"`, 1)
			},
			wantErr: "incremental_start_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.mutate(baseYAML)))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want containing %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadWithEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("TABLESYNC_TEST_DST_PASS=fromenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	yml := strings.Replace(baseYAML, "user: loader\n    password: secret", "user: loader\n    password: ${TABLESYNC_TEST_DST_PASS}", 1)
	if err := os.WriteFile(cfgPath, []byte(yml), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("TABLESYNC_TEST_DST_PASS") })

	cfg, err := LoadWithOptions(cfgPath, LoadOptions{EnvFile: envPath, EnvFileExplicit: true})
	if err != nil {
		t.Fatalf("LoadWithOptions: %v", err)
	}
	if got := cfg.Connections["dst"].Password; got != "fromenv" {
		t.Errorf("password = %q, want fromenv", got)
	}
}

func TestMissingDefaultEnvFileIgnored(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(baseYAML), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWithOptions(cfgPath, LoadOptions{EnvFile: filepath.Join(dir, ".env")}); err != nil {
		t.Fatalf("missing implicit env file should be ignored: %v", err)
	}
	if _, err := LoadWithOptions(cfgPath, LoadOptions{EnvFile: filepath.Join(dir, ".env"), EnvFileExplicit: true}); err == nil {
		t.Fatal("missing explicit env file should fail")
	}
}

func TestSanitized(t *testing.T) {
	cfg, err := LoadBytes([]byte(baseYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Slack.WebhookURL = "https://hooks.slack.com/services/x"

	s := cfg.Sanitized()
	if s.Connections["src"].Password != "[REDACTED]" {
		t.Errorf("source password not redacted: %q", s.Connections["src"].Password)
	}
	if s.Slack.WebhookURL != "[REDACTED]" {
		t.Errorf("webhook not redacted")
	}
	if cfg.Connections["src"].Password != "secret" {
		t.Error("Sanitized must not modify the original config")
	}
}

func TestBuildDSNPrefersExplicitDSN(t *testing.T) {
	cc := ConnectionConfig{Driver: "postgres", DSN: "postgres://x@y/z", Host: "ignored"}
	if got := cc.BuildDSN(); got != "postgres://x@y/z" {
		t.Errorf("BuildDSN = %q", got)
	}
	lite := ConnectionConfig{Driver: "sqlite", Database: "/tmp/a.db"}
	if got := lite.BuildDSN(); !strings.HasPrefix(got, "/tmp/a.db?") {
		t.Errorf("sqlite BuildDSN = %q", got)
	}
}
