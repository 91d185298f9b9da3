package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/runnerfleet/jobgate/internal/platform/secrets"
)

var (
	ErrEmptySecret      = errors.New("secret payload is empty")
	ErrIncompleteSecret = errors.New("secret payload is missing username or password")
)

// RegistrySecret is the username/password pair for the container registry.
// It lives exactly long enough to perform one login.
type RegistrySecret struct {
	Username []byte
	Password []byte
}

func (s *RegistrySecret) Wipe() {
	secrets.WipeAll(s.Username, s.Password)
	s.Username = nil
	s.Password = nil
}

// SecretFetcher retrieves the registry secret using a minted Credential.
type SecretFetcher interface {
	Fetch(ctx context.Context, cred Credential) (RegistrySecret, error)
}

type secretsManagerFetcher struct {
	region   string
	secretID string
}

func newSecretsManagerFetcher(region, secretID string) *secretsManagerFetcher {
	return &secretsManagerFetcher{region: region, secretID: secretID}
}

func (f *secretsManagerFetcher) Fetch(ctx context.Context, cred Credential) (RegistrySecret, error) {
	client := secretsmanager.New(secretsmanager.Options{
		Region: f.region,
		Credentials: awscreds.NewStaticCredentialsProvider(
			string(cred.AccessKeyID),
			string(cred.SecretAccessKey),
			string(cred.SessionToken),
		),
	})
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(f.secretID),
	})
	if err != nil {
		return RegistrySecret{}, fmt.Errorf("get secret value: %w", err)
	}
	raw := []byte(aws.ToString(out.SecretString))
	defer secrets.Wipe(raw)
	return parseRegistrySecret(raw)
}

// parseRegistrySecret extracts the two credential fields and leaves nothing
// of the raw payload behind; the caller wipes the input buffer.
func parseRegistrySecret(raw []byte) (RegistrySecret, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return RegistrySecret{}, ErrEmptySecret
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return RegistrySecret{}, fmt.Errorf("parse secret payload: %w", err)
	}
	if strings.TrimSpace(payload.Username) == "" || strings.TrimSpace(payload.Password) == "" {
		return RegistrySecret{}, ErrIncompleteSecret
	}
	return RegistrySecret{
		Username: []byte(payload.Username),
		Password: []byte(payload.Password),
	}, nil
}
