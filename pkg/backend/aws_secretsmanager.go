package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/systmms/dsync/pkg/scope"
)

const sensitiveTag = "dsync:sensitive"

// SecretsManagerClientAPI is the subset of the Secrets Manager client the backend uses.
// This allows for mocking in tests
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// SecretsManagerConfig holds Secrets Manager settings. Static credentials
// and endpoint are for LocalStack and tests.
type SecretsManagerConfig struct {
	Region          string
	Prefix          string
	KMSKeyID        string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// SecretsManager stores one secret per variable, named
// <prefix>/<project>/<env>/<scope>/<key>.
type SecretsManager struct {
	client SecretsManagerClientAPI
	config SecretsManagerConfig
	now    func() time.Time
}

// SecretsManagerOption is a functional option for the Secrets Manager backend.
type SecretsManagerOption func(*SecretsManager)

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing)
func WithSecretsManagerClient(client SecretsManagerClientAPI) SecretsManagerOption {
	return func(s *SecretsManager) {
		s.client = client
	}
}

// NewSecretsManager creates a Secrets Manager backend.
func NewSecretsManager(ctx context.Context, config SecretsManagerConfig, opts ...SecretsManagerOption) (*SecretsManager, error) {
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	if config.Prefix == "" {
		config.Prefix = "dsync"
	}
	s := &SecretsManager{config: config, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		configOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
		if config.AccessKeyID != "" && config.SecretAccessKey != "" {
			configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
			))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		var clientOpts []func(*secretsmanager.Options)
		if config.Endpoint != "" {
			endpoint := config.Endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		s.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
	}
	return s, nil
}

// NewSecretsManagerFactory builds a Secrets Manager backend from configuration.
func NewSecretsManagerFactory(ctx context.Context, cfg Config) (Client, error) {
	return NewSecretsManager(ctx, SecretsManagerConfig{
		Region:          cfg.String("region"),
		Prefix:          cfg.String("prefix"),
		KMSKeyID:        cfg.String("kms_key_id"),
		Endpoint:        cfg.String("endpoint"),
		AccessKeyID:     cfg.String("access_key_id"),
		SecretAccessKey: cfg.String("secret_access_key"),
	})
}

func (s *SecretsManager) name(key, project, env string, sc scope.Scope) string {
	return storePath(s.config.Prefix, project, env, sc, key)
}

// Get implements Client. Secrets Manager does not return tags with the
// value, so a fetched variable is reported sensitive.
func (s *SecretsManager) Get(ctx context.Context, key, project, env string, sc scope.Scope) (*Variable, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.name(key, project, env, sc)),
	})
	if err != nil {
		if isResourceNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	v := Variable{
		Key:         key,
		Value:       aws.ToString(out.SecretString),
		Project:     project,
		Environment: env,
		Scope:       sc,
		Sensitive:   true,
	}
	if out.CreatedDate != nil {
		v.UpdatedAt = out.CreatedDate.UTC()
		t := v.UpdatedAt
		v.LastRotated = &t
	}
	return &v, nil
}

// Set implements Client. An existing secret gets a new version; a missing
// one is created with the sensitivity tag.
func (s *SecretsManager) Set(ctx context.Context, in SetInput) (*Variable, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	name := s.name(in.Key, in.Project, in.Environment, in.Scope)

	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(in.Value),
	})
	if err != nil && isResourceNotFound(err) {
		create := &secretsmanager.CreateSecretInput{
			Name:         aws.String(name),
			SecretString: aws.String(in.Value),
			Tags: []types.Tag{
				{Key: aws.String(sensitiveTag), Value: aws.String(fmt.Sprintf("%t", in.Sensitive))},
			},
		}
		if s.config.KMSKeyID != "" {
			create.KmsKeyId = aws.String(s.config.KMSKeyID)
		}
		_, err = s.client.CreateSecret(ctx, create)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write secret: %w", err)
	}

	v := stamp(in, s.now())
	return &v, nil
}

// SetMany implements Client.
func (s *SecretsManager) SetMany(ctx context.Context, in []SetInput) ([]Variable, error) {
	return setEach(ctx, s, in)
}

// Delete implements Client. Secrets are removed without a recovery window.
func (s *SecretsManager) Delete(ctx context.Context, key, project, env string, sc scope.Scope) (bool, error) {
	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(s.name(key, project, env, sc)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		if isResourceNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete secret: %w", err)
	}
	return true, nil
}

// List implements Client. Project and environment are required.
func (s *SecretsManager) List(ctx context.Context, f Filter) ([]Variable, error) {
	if f.Project == "" || f.Environment == "" {
		return nil, fmt.Errorf("aws.secretsmanager backend requires project and environment to list")
	}
	root := storeRoot(s.config.Prefix, f.Project, f.Environment)

	out := []Variable{}
	var next *string
	for {
		page, err := s.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
			Filters: []types.Filter{
				{Key: types.FilterNameStringTypeName, Values: []string{root + "/"}},
			},
			NextToken: next,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list secrets: %w", err)
		}

		for _, entry := range page.SecretList {
			sc, key, ok := parseStorePath(root, aws.ToString(entry.Name))
			if !ok {
				continue
			}
			v := Variable{
				Key:         key,
				Project:     f.Project,
				Environment: f.Environment,
				Scope:       sc,
				Sensitive:   tagValue(entry.Tags, sensitiveTag) != "false",
			}
			if !f.Matches(v) {
				continue
			}
			if entry.LastChangedDate != nil {
				v.UpdatedAt = entry.LastChangedDate.UTC()
			}
			if entry.LastRotatedDate != nil {
				t := entry.LastRotatedDate.UTC()
				v.LastRotated = &t
			} else if v.Sensitive && entry.LastChangedDate != nil {
				t := v.UpdatedAt
				v.LastRotated = &t
			}

			value, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: entry.Name})
			if err != nil {
				return nil, fmt.Errorf("failed to get secret %s: %w", aws.ToString(entry.Name), err)
			}
			v.Value = aws.ToString(value.SecretString)
			out = append(out, v)
		}

		if page.NextToken == nil || aws.ToString(page.NextToken) == "" {
			break
		}
		next = page.NextToken
	}
	sortVariables(out)
	return out, nil
}

// Export implements Client.
func (s *SecretsManager) Export(ctx context.Context, project, env string, sc scope.Scope) (map[string]string, error) {
	return export(ctx, s, project, env, sc)
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func isResourceNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "ResourceNotFoundException")
}
