package registry

import (
	"net/http"

	xerrors "ExtensionHost/internal/errors"
)

const (
	CodePluginNotFound    xerrors.Code = "PLUGIN_NOT_FOUND"
	CodePluginConflict    xerrors.Code = "PLUGIN_CONFLICT"
	CodeInvalidTransition xerrors.Code = "INVALID_TRANSITION"
)

var (
	// ErrPluginNotFound is returned when no plugin or installation matches.
	ErrPluginNotFound = xerrors.New(CodePluginNotFound, "plugin not installed")
	// ErrPluginConflict is returned for a duplicate install or a changed package under an existing version.
	ErrPluginConflict = xerrors.New(CodePluginConflict, "plugin conflict")
	// ErrInvalidTransition is returned when a lifecycle operation does not apply to the current state.
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid lifecycle transition")
)

func init() {
	xerrors.Register(CodePluginNotFound, xerrors.Attributes{
		Message:    "plugin not installed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodePluginConflict, xerrors.Attributes{
		Message:    "plugin conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:    "invalid lifecycle transition",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
}
