package fake

const (
	DefaultRegion  = "us-west-2"
	DefaultAccount = "123456789012"
)

// AWS bundles fakes that share one call log. RunInstances only sees instance profiles that exist in IAM.
type AWS struct {
	Calls          *Calls
	EC2            *EC2
	IAM            *IAM
	SSM            *SSM
	SecretsManager *SecretsManager
	STS            *STS
	InstanceTypes  *InstanceTypes
}

func New(region string) *AWS {
	calls := NewCalls()
	f := &AWS{
		Calls:          calls,
		EC2:            NewEC2(region, calls),
		IAM:            NewIAM(DefaultAccount, calls),
		SSM:            NewSSM(calls),
		SecretsManager: NewSecretsManager(calls),
		STS:            NewSTS(DefaultAccount, calls),
		InstanceTypes:  NewInstanceTypes(calls),
	}
	f.EC2.ProfileExists = f.IAM.ProfileExists
	return f
}
