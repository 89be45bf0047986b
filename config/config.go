// Package config loads orchestrator settings from the environment.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/vrischmann/envconfig"
)

// ErrConfiguration wraps every configuration failure. The orchestrator
// aborts before touching any resource when it sees one.
var ErrConfiguration = errors.New("configuration error")

var accountIDPattern = regexp.MustCompile(`^\d{12}$`)

type Config struct {
	// Required
	AccountID             string `envconfig:"ACCOUNT_ID"`
	Region                string `envconfig:"REGION"`
	ServiceNameEndpoint   string `envconfig:"SERVICE_NAME_ENDPOINT"`
	CrossAccountPrincipal string `envconfig:"CROSS_ACCOUNT_PRINCIPAL"`

	VPCEndpointID     string `envconfig:"VPC_ENDPOINT_ID,optional"`
	ResolverFunction  string `envconfig:"RESOLVER_FUNCTION,default=vpce-ip-resolver"`
	CloudMapServiceID string `envconfig:"CLOUDMAP_SERVICE_ID,optional"`
	HTTPAPIID         string `envconfig:"HTTP_API_ID,optional"`
	IntegrationID     string `envconfig:"INTEGRATION_ID,optional"`
	APIURL            string `envconfig:"API_URL,optional"`
	RoutePrefix       string `envconfig:"ROUTE_PREFIX,default=/employees"`
	InstancePort      int    `envconfig:"INSTANCE_PORT,default=8080"`

	InvokeAttempts uint          `envconfig:"INVOKE_ATTEMPTS,default=3"`
	InvokeTimeout  time.Duration `envconfig:"INVOKE_TIMEOUT,default=30s"`
	LoggerLevel    string        `envconfig:"LOG_LEVEL,default=info"`
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Init(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values envconfig cannot: presence of non-empty required
// settings and their formats.
func (c *Config) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"ACCOUNT_ID":              c.AccountID,
		"REGION":                  c.Region,
		"SERVICE_NAME_ENDPOINT":   c.ServiceNameEndpoint,
		"CROSS_ACCOUNT_PRINCIPAL": c.CrossAccountPrincipal,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: missing required environment variables: %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	if !accountIDPattern.MatchString(c.AccountID) {
		return fmt.Errorf("%w: ACCOUNT_ID %q must be 12 digits", ErrConfiguration, c.AccountID)
	}
	if !strings.HasPrefix(c.ServiceNameEndpoint, "com.amazonaws.") {
		return fmt.Errorf("%w: SERVICE_NAME_ENDPOINT %q is not an endpoint service name", ErrConfiguration, c.ServiceNameEndpoint)
	}
	if c.InstancePort <= 0 || c.InstancePort > 65535 {
		return fmt.Errorf("%w: INSTANCE_PORT %d out of range", ErrConfiguration, c.InstancePort)
	}
	if c.InvokeAttempts == 0 {
		return fmt.Errorf("%w: INVOKE_ATTEMPTS must be at least 1", ErrConfiguration)
	}
	return nil
}

// RequireEndpoint checks that a VPC endpoint to resolve is configured.
func (c *Config) RequireEndpoint() error {
	if c.VPCEndpointID == "" {
		return fmt.Errorf("%w: VPC_ENDPOINT_ID is required", ErrConfiguration)
	}
	return nil
}

// RequireDeploy checks the settings needed to run a full deployment.
func (c *Config) RequireDeploy() error {
	var missing []string
	if c.VPCEndpointID == "" {
		missing = append(missing, "VPC_ENDPOINT_ID")
	}
	if c.CloudMapServiceID == "" {
		missing = append(missing, "CLOUDMAP_SERVICE_ID")
	}
	if (c.HTTPAPIID == "") != (c.IntegrationID == "") {
		missing = append(missing, "HTTP_API_ID and INTEGRATION_ID together")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: deploy requires %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}
