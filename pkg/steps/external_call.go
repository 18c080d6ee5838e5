package steps

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dukex/flowengine/pkg/actions/httprequest"
	"github.com/dukex/flowengine/pkg/log"
	"github.com/dukex/flowengine/pkg/models"
	"github.com/dukex/flowengine/pkg/template"
)

// ExternalCallHandler performs the HTTP request described by the step config.
// Transport errors, 5xx and 429 are transient; other 4xx fail the step at once.
type ExternalCallHandler struct {
	client *http.Client
}

func NewExternalCallHandler(client *http.Client) *ExternalCallHandler {
	return &ExternalCallHandler{client: client}
}

func (h *ExternalCallHandler) Handle(ctx context.Context, req *Request) (*Result, error) {
	config, err := template.RenderConfig(req.Step.Config, req.TemplateData())
	if err != nil {
		return nil, Permanent(models.ErrorCodeStepValidation, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	action, err := httprequest.NewAction(config)
	if err != nil {
		return nil, Permanent(models.ErrorCodeStepValidation, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	output, err := action.WithClient(h.client).Do(ctx, log.FromContext(ctx))
	if err == nil {
		return &Result{Output: output}, nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %w", ErrStepTimeout, err)
	}

	if httprequest.IsRetryable(err) {
		stepErr := Transient(err)
		stepErr.Output = output

		return nil, stepErr
	}

	stepErr := Permanent(models.ErrorCodeStepFailed, err)
	stepErr.Output = output

	return nil, stepErr
}
