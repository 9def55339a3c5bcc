package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecrpublic"

	"notebook-builder/internal/domain"
)

// publicRegistryHost is the registry that serves the public base images.
const publicRegistryHost = "public.ecr.aws"

// ECRAPI is the subset of the private registry client used here.
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, in *ecr.GetAuthorizationTokenInput, opts ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// ECRPublicAPI is the subset of the public registry client used here.
type ECRPublicAPI interface {
	GetAuthorizationToken(ctx context.Context, in *ecrpublic.GetAuthorizationTokenInput, opts ...func(*ecrpublic.Options)) (*ecrpublic.GetAuthorizationTokenOutput, error)
}

// Registry issues container registry credentials from ECR.
type Registry struct {
	private     ECRAPI
	public      ECRPublicAPI
	accountID   string
	publicAlias string
}

// NewRegistry creates a Registry. The public registry API only exists in
// us-east-1, so its client is pinned there.
func NewRegistry(cfg aws.Config, accountID, publicAlias string) *Registry {
	pub := cfg.Copy()
	pub.Region = "us-east-1"
	return NewRegistryWithClients(ecr.NewFromConfig(cfg), ecrpublic.NewFromConfig(pub), accountID, publicAlias)
}

// NewRegistryWithClients creates a Registry over the given clients.
func NewRegistryWithClients(private ECRAPI, public ECRPublicAPI, accountID, publicAlias string) *Registry {
	return &Registry{private: private, public: public, accountID: accountID, publicAlias: publicAlias}
}

// PrivateCredential returns a login for the account's private registry. Its
// ServerAddress is the registry endpoint images are pushed to.
func (r *Registry) PrivateCredential(ctx context.Context) (domain.RegistryCredential, error) {
	in := &ecr.GetAuthorizationTokenInput{}
	if r.accountID != "" {
		in.RegistryIds = []string{r.accountID} //nolint:staticcheck
	}
	out, err := r.private.GetAuthorizationToken(ctx, in)
	if err != nil {
		return domain.RegistryCredential{}, fmt.Errorf("get ecr token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return domain.RegistryCredential{}, fmt.Errorf("get ecr token: no authorization data")
	}
	data := out.AuthorizationData[0]
	user, pass, err := decodeToken(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return domain.RegistryCredential{}, err
	}
	return domain.RegistryCredential{
		Username:      user,
		Password:      pass,
		ServerAddress: aws.ToString(data.ProxyEndpoint),
	}, nil
}

// PublicCredential returns a login for the public registry base images are
// pulled from.
func (r *Registry) PublicCredential(ctx context.Context) (domain.RegistryCredential, error) {
	out, err := r.public.GetAuthorizationToken(ctx, &ecrpublic.GetAuthorizationTokenInput{})
	if err != nil {
		return domain.RegistryCredential{}, fmt.Errorf("get public ecr token: %w", err)
	}
	if out.AuthorizationData == nil {
		return domain.RegistryCredential{}, fmt.Errorf("get public ecr token: no authorization data")
	}
	user, pass, err := decodeToken(aws.ToString(out.AuthorizationData.AuthorizationToken))
	if err != nil {
		return domain.RegistryCredential{}, err
	}
	addr := "https://" + publicRegistryHost
	if r.publicAlias != "" {
		addr += "/" + r.publicAlias
	}
	return domain.RegistryCredential{Username: user, Password: pass, ServerAddress: addr}, nil
}

// decodeToken splits a base64 "user:password" registry token.
func decodeToken(token string) (user, pass string, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("decode registry token: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", "", fmt.Errorf("decode registry token: missing separator")
	}
	return user, pass, nil
}
