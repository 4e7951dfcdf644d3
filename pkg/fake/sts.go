package fake

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

type STS struct {
	calls   *Calls
	Account string
}

func NewSTS(account string, calls *Calls) *STS {
	return &STS{calls: calls, Account: account}
}

func (f *STS) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if err := f.calls.check("GetCallerIdentity"); err != nil {
		return nil, err
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(f.Account),
		Arn:     aws.String(fmt.Sprintf("arn:aws:iam::%s:user/deployer", f.Account)),
		UserId:  aws.String("AIDAEXAMPLE"),
	}, nil
}
