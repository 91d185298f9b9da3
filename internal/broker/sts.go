package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/runnerfleet/jobgate/internal/platform/secrets"
)

var ErrIncompleteCredential = errors.New("credential response is missing fields")

// Credential is a time-boxed cloud credential. Fields stay in byte slices
// so Wipe can zero them on every exit path.
type Credential struct {
	AccessKeyID     []byte
	SecretAccessKey []byte
	SessionToken    []byte
	Expiration      time.Time
}

func (c *Credential) Complete() bool {
	return len(c.AccessKeyID) > 0 && len(c.SecretAccessKey) > 0 && len(c.SessionToken) > 0
}

func (c *Credential) Wipe() {
	secrets.WipeAll(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)
	c.AccessKeyID = nil
	c.SecretAccessKey = nil
	c.SessionToken = nil
}

// TokenExchanger trades a federated assertion for a Credential.
type TokenExchanger interface {
	Exchange(ctx context.Context, assertion []byte) (Credential, error)
}

// stsExchanger assumes the configured role with a web identity. The call is
// unsigned; the assertion itself is the proof of identity.
type stsExchanger struct {
	client          *sts.Client
	roleARN         string
	roleSessionName string
}

func newSTSExchanger(region, roleARN, sessionName string) *stsExchanger {
	client := sts.New(sts.Options{
		Region:      region,
		Credentials: aws.AnonymousCredentials{},
	})
	return &stsExchanger{client: client, roleARN: roleARN, roleSessionName: sessionName}
}

func (e *stsExchanger) Exchange(ctx context.Context, assertion []byte) (Credential, error) {
	out, err := e.client.AssumeRoleWithWebIdentity(ctx, &sts.AssumeRoleWithWebIdentityInput{
		RoleArn:          aws.String(e.roleARN),
		RoleSessionName:  aws.String(e.roleSessionName),
		WebIdentityToken: aws.String(string(assertion)),
		DurationSeconds:  aws.Int32(sessionDurationSeconds),
	})
	if err != nil {
		return Credential{}, fmt.Errorf("assume role: %w", err)
	}
	if out.Credentials == nil {
		return Credential{}, ErrIncompleteCredential
	}
	cred := Credential{
		AccessKeyID:     []byte(aws.ToString(out.Credentials.AccessKeyId)),
		SecretAccessKey: []byte(aws.ToString(out.Credentials.SecretAccessKey)),
		SessionToken:    []byte(aws.ToString(out.Credentials.SessionToken)),
	}
	if out.Credentials.Expiration != nil {
		cred.Expiration = *out.Credentials.Expiration
	}
	if !cred.Complete() {
		cred.Wipe()
		return Credential{}, ErrIncompleteCredential
	}
	return cred, nil
}
