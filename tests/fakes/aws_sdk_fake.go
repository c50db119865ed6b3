package fakes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// FakeSSMClient is an in-memory Parameter Store implementing backend.SSMClientAPI.
type FakeSSMClient struct {
	mu sync.Mutex
	// Parameters maps parameter names to their data
	Parameters map[string]*ParameterData
	// Errors maps parameter names to errors to return from any call
	Errors map[string]error
	// ListError is returned by GetParametersByPath if set
	ListError error
	// PageSize splits GetParametersByPath results into pages (0 = one page)
	PageSize int
	// Now stamps LastModifiedDate on writes
	Now func() time.Time
}

// ParameterData holds the data for a fake SSM parameter
type ParameterData struct {
	Type             ssmtypes.ParameterType
	Value            string
	KeyID            string
	Version          int64
	LastModifiedDate time.Time
}

// NewFakeSSMClient creates an empty fake SSM client
func NewFakeSSMClient() *FakeSSMClient {
	return &FakeSSMClient{
		Parameters: make(map[string]*ParameterData),
		Errors:     make(map[string]error),
		Now:        time.Now,
	}
}

// AddError configures the fake to fail every call naming the parameter
func (f *FakeSSMClient) AddError(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[name] = err
}

// GetParameter returns a stored parameter or ParameterNotFound
func (f *FakeSSMClient) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.Name)
	if err, ok := f.Errors[name]; ok {
		return nil, err
	}
	data, ok := f.Parameters[name]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String(fmt.Sprintf("Parameter %s not found", name))}
	}
	return &ssm.GetParameterOutput{Parameter: toParameter(name, data)}, nil
}

// PutParameter stores a parameter; Overwrite must be set to replace one
func (f *FakeSSMClient) PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.Name)
	if err, ok := f.Errors[name]; ok {
		return nil, err
	}
	existing, exists := f.Parameters[name]
	if exists && !aws.ToBool(params.Overwrite) {
		return nil, &ssmtypes.ParameterAlreadyExists{Message: aws.String(name)}
	}
	version := int64(1)
	if exists {
		version = existing.Version + 1
	}
	f.Parameters[name] = &ParameterData{
		Type:             params.Type,
		Value:            aws.ToString(params.Value),
		KeyID:            aws.ToString(params.KeyId),
		Version:          version,
		LastModifiedDate: f.Now(),
	}
	return &ssm.PutParameterOutput{Version: version}, nil
}

// DeleteParameter removes a parameter or returns ParameterNotFound
func (f *FakeSSMClient) DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.Name)
	if err, ok := f.Errors[name]; ok {
		return nil, err
	}
	if _, ok := f.Parameters[name]; !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String(name)}
	}
	delete(f.Parameters, name)
	return &ssm.DeleteParameterOutput{}, nil
}

// GetParametersByPath lists parameters under a path, honouring PageSize
func (f *FakeSSMClient) GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListError != nil {
		return nil, f.ListError
	}
	prefix := strings.TrimSuffix(aws.ToString(params.Path), "/") + "/"
	var names []string
	for name := range f.Parameters {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if !aws.ToBool(params.Recursive) && strings.Contains(strings.TrimPrefix(name, prefix), "/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	start := 0
	if tok := aws.ToString(params.NextToken); tok != "" {
		_, _ = fmt.Sscanf(tok, "%d", &start)
	}
	end := len(names)
	if f.PageSize > 0 && start+f.PageSize < end {
		end = start + f.PageSize
	}

	out := &ssm.GetParametersByPathOutput{}
	for _, name := range names[start:end] {
		out.Parameters = append(out.Parameters, *toParameter(name, f.Parameters[name]))
	}
	if end < len(names) {
		out.NextToken = aws.String(fmt.Sprintf("%d", end))
	}
	return out, nil
}

func toParameter(name string, data *ParameterData) *ssmtypes.Parameter {
	modified := data.LastModifiedDate
	return &ssmtypes.Parameter{
		Name:             aws.String(name),
		Type:             data.Type,
		Value:            aws.String(data.Value),
		Version:          data.Version,
		LastModifiedDate: &modified,
	}
}

// FakeSecretsManagerClient is an in-memory Secrets Manager implementing
// backend.SecretsManagerClientAPI.
type FakeSecretsManagerClient struct {
	mu sync.Mutex
	// Secrets maps secret names to their data
	Secrets map[string]*SecretData
	// Errors maps secret names to errors to return from any call
	Errors map[string]error
	// Now stamps dates on writes
	Now func() time.Time
}

// SecretData holds the data for a fake secret
type SecretData struct {
	SecretString    string
	Tags            map[string]string
	KmsKeyID        string
	CreatedDate     time.Time
	LastChangedDate time.Time
	LastRotatedDate *time.Time
}

// NewFakeSecretsManagerClient creates an empty fake Secrets Manager client
func NewFakeSecretsManagerClient() *FakeSecretsManagerClient {
	return &FakeSecretsManagerClient{
		Secrets: make(map[string]*SecretData),
		Errors:  make(map[string]error),
		Now:     time.Now,
	}
}

// AddError configures the fake to fail every call naming the secret
func (f *FakeSecretsManagerClient) AddError(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[name] = err
}

func notFound(name string) error {
	return &smtypes.ResourceNotFoundException{Message: aws.String(fmt.Sprintf("Secrets Manager can't find the specified secret: %s", name))}
}

// GetSecretValue returns the current value of a secret
func (f *FakeSecretsManagerClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.SecretId)
	if err, ok := f.Errors[name]; ok {
		return nil, err
	}
	data, ok := f.Secrets[name]
	if !ok {
		return nil, notFound(name)
	}
	created := data.LastChangedDate
	return &secretsmanager.GetSecretValueOutput{
		Name:         aws.String(name),
		SecretString: aws.String(data.SecretString),
		CreatedDate:  &created,
	}, nil
}

// CreateSecret adds a new secret
func (f *FakeSecretsManagerClient) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.Name)
	if err, ok := f.Errors[name]; ok {
		return nil, err
	}
	if _, exists := f.Secrets[name]; exists {
		return nil, &smtypes.ResourceExistsException{Message: aws.String(name)}
	}
	tags := make(map[string]string)
	for _, t := range params.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	now := f.Now()
	f.Secrets[name] = &SecretData{
		SecretString:    aws.ToString(params.SecretString),
		Tags:            tags,
		KmsKeyID:        aws.ToString(params.KmsKeyId),
		CreatedDate:     now,
		LastChangedDate: now,
	}
	return &secretsmanager.CreateSecretOutput{Name: aws.String(name)}, nil
}

// PutSecretValue stores a new version of an existing secret
func (f *FakeSecretsManagerClient) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.SecretId)
	if err, ok := f.Errors[name]; ok {
		return nil, err
	}
	data, ok := f.Secrets[name]
	if !ok {
		return nil, notFound(name)
	}
	data.SecretString = aws.ToString(params.SecretString)
	data.LastChangedDate = f.Now()
	return &secretsmanager.PutSecretValueOutput{Name: aws.String(name)}, nil
}

// DeleteSecret removes a secret
func (f *FakeSecretsManagerClient) DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.SecretId)
	if err, ok := f.Errors[name]; ok {
		return nil, err
	}
	if _, ok := f.Secrets[name]; !ok {
		return nil, notFound(name)
	}
	delete(f.Secrets, name)
	return &secretsmanager.DeleteSecretOutput{Name: aws.String(name)}, nil
}

// ListSecrets returns every secret whose name starts with a "name" filter value
func (f *FakeSecretsManagerClient) ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var prefixes []string
	for _, filter := range params.Filters {
		if filter.Key == smtypes.FilterNameStringTypeName {
			prefixes = append(prefixes, filter.Values...)
		}
	}

	var names []string
	for name := range f.Secrets {
		if len(prefixes) == 0 || hasAnyPrefix(name, prefixes) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := &secretsmanager.ListSecretsOutput{}
	for _, name := range names {
		data := f.Secrets[name]
		changed := data.LastChangedDate
		entry := smtypes.SecretListEntry{
			Name:            aws.String(name),
			LastChangedDate: &changed,
			LastRotatedDate: data.LastRotatedDate,
		}
		for k, v := range data.Tags {
			entry.Tags = append(entry.Tags, smtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		out.SecretList = append(out.SecretList, entry)
	}
	return out, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
