package cfg

import (
	"flag"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		AdminUsername:         "admin",
		SourceName:            "argus",
		SourceType:            "argus",
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.AdminUsername != "admin" {
		t.Errorf("AdminUsername = %q, want %q", c.AdminUsername, "admin")
	}
	if c.SourceName != "argus" || c.SourceType != "argus" {
		t.Errorf("source defaults = %q/%q, want argus/argus", c.SourceName, c.SourceType)
	}
	if c.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty (in-memory store)", c.DatabaseURL)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-database-url", "postgres://argus@db/argus",
		"-slack-webhook-url", "https://hooks.slack.com/services/x",
		"-admin-token", "root-token",
		"-source-name", "nagios",
		"-source-type", "nagios",
		"-source-token", "src-token",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.DatabaseURL != "postgres://argus@db/argus" {
		t.Errorf("DatabaseURL = %q", c.DatabaseURL)
	}
	if c.SlackWebhookURL != "https://hooks.slack.com/services/x" {
		t.Errorf("SlackWebhookURL = %q", c.SlackWebhookURL)
	}
	if c.AdminToken != "root-token" {
		t.Errorf("AdminToken = %q, want root-token", c.AdminToken)
	}
	if c.SourceName != "nagios" || c.SourceType != "nagios" || c.SourceToken != "src-token" {
		t.Errorf("source = %q/%q/%q", c.SourceName, c.SourceType, c.SourceToken)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "minimum valid values",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
			},
			wantErr: false,
		},
		{
			name: "maximum valid values",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
			},
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			mutate:    func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain negative",
			mutate:    func(c *Config) { c.DrainSeconds = -1 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name: "drain above max",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = 301 },
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name: "budget equals drain",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds = 60, 60
			},
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name: "budget less than drain",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds = 60, 30
			},
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name: "budget is drain plus one",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds = 60, 61
			},
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			mutate:    func(c *Config) { c.APIPort = 0 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port negative",
			mutate:    func(c *Config) { c.APIPort = -1 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			mutate:    func(c *Config) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Bootstrap source system
		{
			name: "source token without name",
			mutate: func(c *Config) {
				c.SourceToken, c.SourceName = "tok", ""
			},
			wantErr:   true,
			errSubstr: []string{"SOURCE_NAME"},
		},
		{
			name: "source token without type",
			mutate: func(c *Config) {
				c.SourceToken, c.SourceType = "tok", ""
			},
			wantErr:   true,
			errSubstr: []string{"SOURCE_TYPE"},
		},
		{
			name: "source token with name and type",
			mutate: func(c *Config) {
				c.SourceToken = "tok"
			},
			wantErr: false,
		},
		{
			name: "no source token needs no source fields",
			mutate: func(c *Config) {
				c.SourceName, c.SourceType = "", ""
			},
			wantErr: false,
		},
		// Multiple failures are joined
		{
			name: "all invalid",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 0, 0, 0
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := validBase()
			tt.mutate(&c)
			err := c.Validate()

			if tt.wantErr && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			for _, substr := range tt.errSubstr {
				if !strings.Contains(err.Error(), substr) {
					t.Errorf("error %q does not mention %q", err.Error(), substr)
				}
			}
		})
	}
}
