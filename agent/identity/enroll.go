package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/endpointguard/agent/agent/transport"
	"github.com/endpointguard/agent/internal/tlsutil"
)

// ErrEnrollmentFailed covers every non-2xx or malformed response from the
// enrollment handshake.
var ErrEnrollmentFailed = errors.New("identity: enrollment failed")

// EnrollParams are the connection details supplied by --register-agent.
type EnrollParams struct {
	BaseParams       transport.Params
	User             string
	Password         string
	VerificationMode tlsutil.VerificationMode
}

// Enroll implements §4.L's handshake: authenticate with user/password,
// then POST /agents with the metadata document, bearer-authenticated with
// the token just obtained. On 201, the identity is persisted; any other
// outcome is a failure and nothing is written.
func (id *Identity) Enroll(ctx context.Context, client *transport.Client, p EnrollParams, name, key string, groups []string) error {
	token, ok := client.AuthenticateWithUserPassword(ctx, p.BaseParams, p.User, p.Password)
	if !ok {
		return fmt.Errorf("%w: authentication rejected", ErrEnrollmentFailed)
	}

	if err := ValidateKey(key); err != nil {
		return err
	}

	endpoint := DeriveEndpointInfo()
	metadata := BuildMetadata(endpoint, Info{Name: name, Key: key, Groups: groups})
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("identity: marshal metadata: %w", err)
	}

	req := p.BaseParams
	req.Method = "POST"
	req.Endpoint = "/agents"
	req.BearerToken = token
	req.Body = body
	req.VerificationMode = p.VerificationMode

	status, _, err := client.Perform(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnrollmentFailed, err)
	}
	if status != 201 {
		return fmt.Errorf("%w: manager returned status %d", ErrEnrollmentFailed, status)
	}

	if err := id.SetName(ctx, name); err != nil {
		return fmt.Errorf("identity: persist name: %w", err)
	}
	if key != "" {
		if err := id.SetKey(ctx, key); err != nil {
			return fmt.Errorf("identity: persist key: %w", err)
		}
	}
	if len(groups) > 0 {
		if err := id.SetGroups(ctx, groups); err != nil {
			return fmt.Errorf("identity: persist groups: %w", err)
		}
	}
	return nil
}
