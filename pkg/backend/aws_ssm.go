package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/systmms/dsync/pkg/scope"
)

// SSMClientAPI is the subset of the SSM client the backend uses.
// This allows for mocking in tests
type SSMClientAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// SSMConfig holds Parameter Store settings.
type SSMConfig struct {
	Region   string
	Profile  string
	Prefix   string
	KMSKeyID string
	Endpoint string
}

// SSM stores each variable as a parameter named
// /<prefix>/<project>/<env>/<scope>/<key>. Sensitive values are SecureString.
type SSM struct {
	client SSMClientAPI
	config SSMConfig
	now    func() time.Time
}

// SSMOption is a functional option for the SSM backend.
type SSMOption func(*SSM)

// WithSSMClient sets a custom SSM client (for testing)
func WithSSMClient(client SSMClientAPI) SSMOption {
	return func(s *SSM) {
		s.client = client
	}
}

// NewSSM creates an SSM backend, loading AWS configuration unless a client is injected.
func NewSSM(ctx context.Context, config SSMConfig, opts ...SSMOption) (*SSM, error) {
	if config.Prefix == "" {
		config.Prefix = "dsync"
	}
	s := &SSM{config: config, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		var configOpts []func(*awsconfig.LoadOptions) error
		if config.Region != "" {
			configOpts = append(configOpts, awsconfig.WithRegion(config.Region))
		}
		if config.Profile != "" {
			configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(config.Profile))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		var clientOpts []func(*ssm.Options)
		if config.Endpoint != "" {
			endpoint := config.Endpoint
			clientOpts = append(clientOpts, func(o *ssm.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		s.client = ssm.NewFromConfig(cfg, clientOpts...)
	}
	return s, nil
}

// NewSSMFactory builds an SSM backend from configuration.
func NewSSMFactory(ctx context.Context, cfg Config) (Client, error) {
	return NewSSM(ctx, SSMConfig{
		Region:   cfg.String("region"),
		Profile:  cfg.String("profile"),
		Prefix:   cfg.String("prefix"),
		KMSKeyID: cfg.String("kms_key_id"),
		Endpoint: cfg.String("endpoint"),
	})
}

func (s *SSM) name(key, project, env string, sc scope.Scope) string {
	return "/" + storePath(s.config.Prefix, project, env, sc, key)
}

func (s *SSM) root(project, env string) string {
	return "/" + storeRoot(s.config.Prefix, project, env)
}

func (s *SSM) toVariable(p types.Parameter, project, env string) (Variable, bool) {
	sc, key, ok := parseStorePath(s.root(project, env), aws.ToString(p.Name))
	if !ok {
		return Variable{}, false
	}
	v := Variable{
		Key:         key,
		Value:       aws.ToString(p.Value),
		Project:     project,
		Environment: env,
		Scope:       sc,
		Sensitive:   p.Type == types.ParameterTypeSecureString,
	}
	if p.LastModifiedDate != nil {
		v.UpdatedAt = p.LastModifiedDate.UTC()
		if v.Sensitive {
			t := v.UpdatedAt
			v.LastRotated = &t
		}
	}
	return v, true
}

// Get implements Client.
func (s *SSM) Get(ctx context.Context, key, project, env string, sc scope.Scope) (*Variable, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name(key, project, env, sc)),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		if isParameterNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get parameter: %w", err)
	}
	if out.Parameter == nil {
		return nil, nil
	}
	v, ok := s.toVariable(*out.Parameter, project, env)
	if !ok {
		return nil, fmt.Errorf("unexpected parameter name %s", aws.ToString(out.Parameter.Name))
	}
	return &v, nil
}

// Set implements Client.
func (s *SSM) Set(ctx context.Context, in SetInput) (*Variable, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	input := &ssm.PutParameterInput{
		Name:      aws.String(s.name(in.Key, in.Project, in.Environment, in.Scope)),
		Value:     aws.String(in.Value),
		Type:      types.ParameterTypeString,
		Overwrite: aws.Bool(true),
	}
	if in.Sensitive {
		input.Type = types.ParameterTypeSecureString
		if s.config.KMSKeyID != "" {
			input.KeyId = aws.String(s.config.KMSKeyID)
		}
	}

	if _, err := s.client.PutParameter(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to put parameter: %w", err)
	}
	v := stamp(in, s.now())
	return &v, nil
}

// SetMany implements Client.
func (s *SSM) SetMany(ctx context.Context, in []SetInput) ([]Variable, error) {
	return setEach(ctx, s, in)
}

// Delete implements Client.
func (s *SSM) Delete(ctx context.Context, key, project, env string, sc scope.Scope) (bool, error) {
	_, err := s.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{
		Name: aws.String(s.name(key, project, env, sc)),
	})
	if err != nil {
		if isParameterNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete parameter: %w", err)
	}
	return true, nil
}

// List implements Client. Project and environment are required.
func (s *SSM) List(ctx context.Context, f Filter) ([]Variable, error) {
	if f.Project == "" || f.Environment == "" {
		return nil, fmt.Errorf("aws.ssm backend requires project and environment to list")
	}

	out := []Variable{}
	var next *string
	for {
		page, err := s.client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(s.root(f.Project, f.Environment)),
			Recursive:      aws.Bool(true),
			WithDecryption: aws.Bool(true),
			NextToken:      next,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list parameters: %w", err)
		}
		for _, p := range page.Parameters {
			if v, ok := s.toVariable(p, f.Project, f.Environment); ok && f.Matches(v) {
				out = append(out, v)
			}
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
func (s *SSM) Export(ctx context.Context, project, env string, sc scope.Scope) (map[string]string, error) {
	return export(ctx, s, project, env, sc)
}

func isParameterNotFound(err error) bool {
	var nf *types.ParameterNotFound
	if errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "ParameterNotFound")
}
