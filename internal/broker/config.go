// Package broker turns a federated runner identity into ephemeral registry
// credentials at job-prepare time: assertion -> short-lived cloud
// credentials -> registry secret -> isolated local credential store. The
// pipeline is strictly sequential and never retries; every external call is
// time-boxed, so the scheduler re-runs the whole job instead.
package broker

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/runnerfleet/jobgate/internal/platform/env"
)

// Session lifetime for the assumed role, fixed by policy.
const sessionDurationSeconds = 900

const (
	defaultAudience   = "sts.amazonaws.com"
	defaultOIDCIssuer = "https://token.actions.githubusercontent.com"
)

type Config struct {
	RoleARN      string
	Region       string
	SecretID     string
	RegistryHost string
	Audience     string
	OIDCVerify   bool
	OIDCIssuer   string
	// DockerConfigDir is the well-known location the container runtime
	// reads credentials from.
	DockerConfigDir string
}

// ConfigFromEnv reads the broker configuration. The required fields arrive
// through the protected environment file the caller loads at startup.
func ConfigFromEnv() (Config, error) {
	roleARN, err := env.Require("JOBGATE_AWS_ROLE_ARN")
	if err != nil {
		return Config{}, err
	}
	region, err := env.Require("JOBGATE_AWS_REGION")
	if err != nil {
		return Config{}, err
	}
	secretID, err := env.Require("JOBGATE_SECRET_ID")
	if err != nil {
		return Config{}, err
	}
	registryHost, err := env.Require("JOBGATE_REGISTRY_HOST")
	if err != nil {
		return Config{}, err
	}
	verify, err := env.Bool("JOBGATE_OIDC_VERIFY", true)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RoleARN:         strings.TrimSpace(roleARN),
		Region:          strings.TrimSpace(region),
		SecretID:        strings.TrimSpace(secretID),
		RegistryHost:    strings.TrimSpace(registryHost),
		Audience:        strings.TrimSpace(env.String("JOBGATE_STS_AUDIENCE", defaultAudience)),
		OIDCVerify:      verify,
		OIDCIssuer:      strings.TrimSpace(env.String("JOBGATE_OIDC_ISSUER", defaultOIDCIssuer)),
		DockerConfigDir: strings.TrimSpace(env.String("JOBGATE_DOCKER_CONFIG_DIR", defaultDockerConfigDir())),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.RoleARN == "" {
		return errors.New("role arn is required")
	}
	if c.Region == "" {
		return errors.New("region is required")
	}
	if c.SecretID == "" {
		return errors.New("secret id is required")
	}
	if c.RegistryHost == "" {
		return errors.New("registry host is required")
	}
	if c.Audience == "" {
		return errors.New("sts audience is required")
	}
	if c.OIDCVerify && c.OIDCIssuer == "" {
		return errors.New("oidc issuer is required when verification is on")
	}
	if c.DockerConfigDir == "" {
		return errors.New("docker config dir is required")
	}
	return nil
}

func defaultDockerConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/root/.docker"
	}
	return filepath.Join(home, ".docker")
}
