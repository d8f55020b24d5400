// Package redact strips personal and secret data from one channel's memory
// before another channel may read it.
package redact

import (
	"context"
	"strings"
	"time"

	kerrors "github.com/harunnryd/kansa/internal/errors"
	"github.com/harunnryd/kansa/internal/policy"
)

const systemPrompt = `You redact chat transcripts before they are shared with other teams.
Replace every person name, email address, phone number, postal address, account or ticket identifier, URL with credentials, API key, token and password with [REDACTED].
Keep everything else verbatim. Do not summarize, explain or add text. Reply with the redacted transcript only.`

// Redactor rewrites text so it can leave its channel.
type Redactor interface {
	Redact(ctx context.Context, text string) (string, error)
}

// Completer sends one system+user exchange to a chat model and returns the
// reply text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type Noop struct{}

func (Noop) Redact(_ context.Context, text string) (string, error) {
	return text, nil
}

// LLM redacts through a chat model. An empty reply is treated as a failure
// so unredacted text is never passed on by accident.
type LLM struct {
	completer Completer
	timeout   time.Duration
}

func NewLLM(completer Completer, timeout time.Duration) *LLM {
	return &LLM{completer: completer, timeout: timeout}
}

func (r *LLM) Redact(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out, err := r.completer.Complete(ctx, systemPrompt, text)
	if err != nil {
		return "", kerrors.WrapWithCategory(err, "redact", kerrors.ErrTransient)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", kerrors.Internal("redactor returned empty text")
	}
	return out, nil
}

// ForPolicy picks the redactor for a channel's policy. llm may be nil when
// no model is configured; channels that require it are then refused.
func ForPolicy(p policy.RedactionPolicy, llm Redactor) (Redactor, error) {
	switch p {
	case policy.RedactionOff:
		return Noop{}, nil
	case policy.RedactionLLM:
		if llm == nil {
			return nil, kerrors.WrapWithCategory(kerrors.ErrInternal, "llm redaction is not configured", kerrors.ErrPermissionDenied)
		}
		return llm, nil
	default:
		return nil, kerrors.InvalidInput("unknown redaction policy " + string(p))
	}
}
