package identities

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/samber/lo"
)

type SDKSTSOps interface {
	GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// CallerIdentity is the principal the AWS credentials belong to
type CallerIdentity struct {
	Account string `json:"account"`
	ARN     string `json:"arn"`
	UserID  string `json:"userId"`
}

type Watcher struct {
	stsAPI SDKSTSOps
}

func NewWatcher(stsAPI SDKSTSOps) Watcher {
	return Watcher{
		stsAPI: stsAPI,
	}
}

// Resolve returns the caller identity, failing fast when credentials are missing or expired
func (w Watcher) Resolve(ctx context.Context) (*CallerIdentity, error) {
	out, err := w.stsAPI.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get caller identity: %w", err)
	}
	return &CallerIdentity{
		Account: lo.FromPtr(out.Account),
		ARN:     lo.FromPtr(out.Arn),
		UserID:  lo.FromPtr(out.UserId),
	}, nil
}
