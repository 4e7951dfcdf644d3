package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/samber/lo"

	"github.com/bwagner5/vllmhost/pkg/logging"
)

const shellDocument = "AWS-RunShellScript"

// Watcher runs shell commands on instances through SSM Run Command
type Watcher struct {
	ssmAPI SDKSSMOps
}

type SDKSSMOps interface {
	ssm.GetCommandInvocationAPIClient
	SendCommand(context.Context, *ssm.SendCommandInput, ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
}

// Invocation is the result of a command on one instance
type Invocation struct {
	CommandID string
	Status    string
	Stdout    string
	Stderr    string
}

// Succeeded reports whether the command exited zero
func (i Invocation) Succeeded() bool {
	return i.Status == string(ssmtypes.CommandInvocationStatusSuccess)
}

func NewWatcher(ssmAPI SDKSSMOps) Watcher {
	return Watcher{
		ssmAPI: ssmAPI,
	}
}

// Run sends commands to instanceID and waits up to maxWait for them to finish.
// A command that ran but failed is returned as an Invocation, not an error.
func (w Watcher) Run(ctx context.Context, instanceID string, commands []string, maxWait time.Duration) (*Invocation, error) {
	sendOut, err := w.ssmAPI.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(shellDocument),
		InstanceIds:  []string{instanceID},
		Parameters:   map[string][]string{"commands": commands},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send command to %s: %w", instanceID, err)
	}
	commandID := lo.FromPtr(sendOut.Command.CommandId)
	logging.FromContext(ctx).Debug("sent ssm command", "instance", instanceID, "command_id", commandID)

	input := &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	}
	out, waitErr := ssm.NewCommandExecutedWaiter(w.ssmAPI).WaitForOutput(ctx, input, maxWait)
	if waitErr != nil {
		// the waiter treats a failed command as a terminal failure, so fetch the invocation to report its output
		var err error
		out, err = w.ssmAPI.GetCommandInvocation(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("command %s on %s did not finish: %w", commandID, instanceID, waitErr)
		}
	}
	return &Invocation{
		CommandID: commandID,
		Status:    string(out.Status),
		Stdout:    lo.FromPtr(out.StandardOutputContent),
		Stderr:    lo.FromPtr(out.StandardErrorContent),
	}, nil
}
