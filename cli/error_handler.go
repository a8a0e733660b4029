package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/lmtoy/pipeline-web/errors"
)

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
	out     io.Writer
}

// NewErrorHandler creates a new error handler writing to stderr
func NewErrorHandler(verbose bool) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		out:     os.Stderr,
	}
}

// Handle prints err with a hint chosen by its code and returns it.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}
	var pe *errors.PipelineError
	isPipeline := errors.As(err, &pe)

	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		fmt.Fprintf(h.out, "Error: configuration not found. Pass --config or set PIPEWEB_CONFIG.\n")

	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigValidation:
		fmt.Fprintf(h.out, "Error: invalid configuration: %v\n", err)

	case errors.ErrCodeRemoteError:
		fmt.Fprintf(h.out, "Error: remote command failed: %v\n", err)
		if isPipeline {
			if stderr, ok := pe.Details["stderr"]; ok && stderr != "" {
				fmt.Fprintf(h.out, "Remote stderr:\n%s\n", stderr)
			}
		}

	case errors.ErrCodePermissionDenied:
		fmt.Fprintf(h.out, "Error: permission denied: %v\n", err)

	default:
		fmt.Fprintf(h.out, "Error: %v\n", err)
	}

	if h.Verbose && isPipeline {
		fmt.Fprintf(h.out, "\nError details:\n%s\n", pe.ToJSON())
	}
	return err
}
