package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/runnerfleet/jobgate/internal/platform/env"
	"github.com/runnerfleet/jobgate/internal/platform/secrets"
)

// Environment variables the runner supplies for the identity exchange.
// They are wiped before the pipeline returns.
const (
	envIDTokenRequestURL   = "ACTIONS_ID_TOKEN_REQUEST_URL"
	envIDTokenRequestToken = "ACTIONS_ID_TOKEN_REQUEST_TOKEN"
)

// brokerEnvVars is everything the pipeline unsets on exit, including the
// legacy variable names older hook revisions exported.
var brokerEnvVars = []string{
	envIDTokenRequestURL,
	envIDTokenRequestToken,
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"REGISTRY_USERNAME",
	"REGISTRY_PASSWORD",
}

// Broker runs the credential pipeline. The collaborators are interfaces so
// tests can drive the sequence without cloud endpoints.
type Broker struct {
	cfg       Config
	logger    *slog.Logger
	exchanger TokenExchanger
	fetcher   SecretFetcher
	installer *Installer

	// verify is swapped out in tests; the default talks to the issuer.
	verify func(ctx context.Context, issuer, audience string, assertion []byte) error
}

func New(cfg Config, logger *slog.Logger) *Broker {
	return &Broker{
		cfg:       cfg,
		logger:    logger,
		exchanger: newSTSExchanger(cfg.Region, cfg.RoleARN, "jobgate-registry-broker"),
		fetcher:   newSecretsManagerFetcher(cfg.Region, cfg.SecretID),
		installer: NewInstaller(cfg.RegistryHost, cfg.DockerConfigDir),
		verify:    VerifyAssertion,
	}
}

// Run executes the sequential pipeline: federated assertion -> cloud
// credential -> registry secret -> installed store. Each step's output is
// the next step's input, so there is no internal parallelism, and every
// failure is fatal. All secret material is wiped on every exit path.
func (b *Broker) Run(ctx context.Context) (err error) {
	defer secrets.WipeEnv(brokerEnvVars...)

	requestURL, err := env.Require(envIDTokenRequestURL)
	if err != nil {
		return err
	}
	requestToken, err := env.Require(envIDTokenRequestToken)
	if err != nil {
		return err
	}

	assertion, err := FetchFederatedToken(ctx, requestURL, requestToken, b.cfg.Audience)
	if err != nil {
		return fmt.Errorf("federated token: %w", err)
	}
	defer secrets.Wipe(assertion)
	b.logger.Info("federated assertion obtained", "audience", b.cfg.Audience)

	if b.cfg.OIDCVerify {
		if err := b.verify(ctx, b.cfg.OIDCIssuer, b.cfg.Audience, assertion); err != nil {
			return err
		}
		b.logger.Info("federated assertion verified", "issuer", b.cfg.OIDCIssuer)
	}

	cred, err := b.exchanger.Exchange(ctx, assertion)
	if err != nil {
		return fmt.Errorf("credential exchange: %w", err)
	}
	defer cred.Wipe()
	// The assertion is single-use; drop it as soon as the exchange is done.
	secrets.Wipe(assertion)
	secrets.WipeEnv(envIDTokenRequestToken)
	b.logger.Info("cloud credential minted", "expires_at", cred.Expiration)

	sec, err := b.fetcher.Fetch(ctx, cred)
	if err != nil {
		return fmt.Errorf("registry secret: %w", err)
	}
	defer sec.Wipe()
	cred.Wipe()
	b.logger.Info("registry secret retrieved")

	if err := b.installer.Install(ctx, sec); err != nil {
		return fmt.Errorf("credential install: %w", err)
	}
	b.logger.Info("credential store published", "dir", b.cfg.DockerConfigDir)
	return nil
}
