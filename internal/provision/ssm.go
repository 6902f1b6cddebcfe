package provision

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// SSMAPI is the subset of the SSM client used by Parameters.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
}

// NewSSMClient loads the default AWS credential chain for region.
func NewSSMClient(ctx context.Context, region string) (*ssm.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return ssm.NewFromConfig(cfg), nil
}

const revisionAbsent = "absent"

// Parameters provisions parameter changes into SSM Parameter Store under
// <prefix>/<environment>/<resource>. The change content is the value.
type Parameters struct {
	client SSMAPI
	prefix string
	secure bool
}

// NewParameters creates a parameter provisioner.
func NewParameters(client SSMAPI, prefix string, secure bool) *Parameters {
	return &Parameters{client: client, prefix: prefix, secure: secure}
}

// Name returns the full parameter name for t.
func (p *Parameters) Name(t Target) string {
	return path.Join("/", p.prefix, string(t.Environment), t.Resource())
}

// Apply writes or deletes the parameter. The revision is the version that
// was live before the change, or "absent".
func (p *Parameters) Apply(ctx context.Context, t Target) (Applied, error) {
	name := p.Name(t)
	prev, err := p.version(ctx, name)
	if err != nil {
		return Applied{}, err
	}

	if t.File.Operation == contract.OpDelete {
		if prev == revisionAbsent {
			return Applied{Output: name + " already absent", Revision: string(contract.OpDelete)}, nil
		}
		if _, err := p.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(name)}); err != nil {
			return Applied{}, fmt.Errorf("delete parameter %s: %w", name, err)
		}
		return Applied{Output: "deleted " + name, Revision: string(contract.OpDelete)}, nil
	}

	if t.Change == nil {
		return Applied{}, fmt.Errorf("no generated value for %s", t.File.Path)
	}
	out, err := p.put(ctx, name, strings.TrimSpace(t.Change.Content))
	if err != nil {
		return Applied{}, err
	}
	return Applied{Output: out, Revision: prev}, nil
}

// Revert restores the parameter to the version named by revision, or
// deletes it when it did not exist before.
func (p *Parameters) Revert(ctx context.Context, t Target, revision string) (string, error) {
	name := p.Name(t)
	switch revision {
	case revisionAbsent, string(contract.OpCreate):
		if _, err := p.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(name)}); err != nil {
			return "", fmt.Errorf("delete parameter %s: %w", name, err)
		}
		return "deleted " + name, nil
	case string(contract.OpDelete):
		return "", fmt.Errorf("%s: %w", name, ErrIrreversible)
	case string(contract.OpModify):
		return "", fmt.Errorf("%s: previous version unknown: %w", name, ErrIrreversible)
	}

	if _, err := strconv.ParseInt(revision, 10, 64); err != nil {
		return "", fmt.Errorf("unknown revision %q for %s", revision, name)
	}
	old, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name + ":" + revision),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read %s version %s: %w", name, revision, err)
	}
	return p.put(ctx, name, aws.ToString(old.Parameter.Value))
}

func (p *Parameters) version(ctx context.Context, name string) (string, error) {
	out, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(name)})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return revisionAbsent, nil
		}
		return "", fmt.Errorf("read parameter %s: %w", name, err)
	}
	return strconv.FormatInt(out.Parameter.Version, 10), nil
}

func (p *Parameters) put(ctx context.Context, name, value string) (string, error) {
	typ := types.ParameterTypeString
	if p.secure {
		typ = types.ParameterTypeSecureString
	}
	out, err := p.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      typ,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("put parameter %s: %w", name, err)
	}
	return fmt.Sprintf("put %s version %d", name, out.Version), nil
}
