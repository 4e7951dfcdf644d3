package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/samber/lo"
)

// SSM is an in-memory Parameter Store and Run Command.
// Commands finish as soon as they are sent. "cat <path>" prints a file set with SetFile and other commands print nothing.
type SSM struct {
	mu          sync.Mutex
	calls       *Calls
	ids         idGen
	parameters  map[string]string
	files       map[string]map[string]string
	invocations map[string]*ssm.GetCommandInvocationOutput
}

func NewSSM(calls *Calls) *SSM {
	return &SSM{
		calls: calls,
		parameters: map[string]string{
			DLAMIParameter: DefaultAMIID,
		},
		files:       map[string]map[string]string{},
		invocations: map[string]*ssm.GetCommandInvocationOutput{},
	}
}

func (f *SSM) PutParameter(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parameters[name] = value
}

// SetFile places a file on an instance for commands to read
func (f *SSM) SetFile(instanceID, path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[instanceID] == nil {
		f.files[instanceID] = map[string]string{}
	}
	f.files[instanceID][path] = content
}

func (f *SSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if err := f.calls.check("GetParameter"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.parameters[lo.FromPtr(in.Name)]
	if !ok {
		return nil, APIError("ParameterNotFound", "parameter %s not found", lo.FromPtr(in.Name))
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(value)}}, nil
}

func (f *SSM) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	if err := f.calls.check("GetParameters"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &ssm.GetParametersOutput{}
	for _, name := range in.Names {
		value, ok := f.parameters[name]
		if !ok {
			out.InvalidParameters = append(out.InvalidParameters, name)
			continue
		}
		out.Parameters = append(out.Parameters, ssmtypes.Parameter{Name: aws.String(name), Value: aws.String(value)})
	}
	return out, nil
}

func (f *SSM) SendCommand(_ context.Context, in *ssm.SendCommandInput, _ ...func(*ssm.Options)) (*ssm.SendCommandOutput, error) {
	if err := f.calls.record("SendCommand"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	commandID := f.ids.next("cmd")
	for _, instanceID := range in.InstanceIds {
		var stdout, stderr []string
		status := ssmtypes.CommandInvocationStatusSuccess
		for _, command := range in.Parameters["commands"] {
			path, ok := strings.CutPrefix(command, "cat ")
			if !ok {
				continue
			}
			content, ok := f.files[instanceID][path]
			if !ok {
				stderr = append(stderr, "cat: "+path+": No such file or directory")
				status = ssmtypes.CommandInvocationStatusFailed
				break
			}
			stdout = append(stdout, content)
		}
		f.invocations[commandID+"/"+instanceID] = &ssm.GetCommandInvocationOutput{
			CommandId:             aws.String(commandID),
			InstanceId:            aws.String(instanceID),
			DocumentName:          in.DocumentName,
			Status:                status,
			StandardOutputContent: aws.String(strings.Join(stdout, "\n")),
			StandardErrorContent:  aws.String(strings.Join(stderr, "\n")),
		}
	}
	return &ssm.SendCommandOutput{Command: &ssmtypes.Command{
		CommandId:    aws.String(commandID),
		DocumentName: in.DocumentName,
		InstanceIds:  in.InstanceIds,
	}}, nil
}

func (f *SSM) GetCommandInvocation(_ context.Context, in *ssm.GetCommandInvocationInput, _ ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error) {
	if err := f.calls.check("GetCommandInvocation"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	invocation, ok := f.invocations[lo.FromPtr(in.CommandId)+"/"+lo.FromPtr(in.InstanceId)]
	if !ok {
		return nil, APIError("InvocationDoesNotExist", "command %s was not sent to %s", lo.FromPtr(in.CommandId), lo.FromPtr(in.InstanceId))
	}
	return lo.ToPtr(*invocation), nil
}
