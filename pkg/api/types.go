package api

import (
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/storage"
)

// Result codes carried in install responses
const (
	CodeOK                = 0
	CodeNeedsConfirmation = plugins.CodeNeedsConfirmation
)

// InstallResponse is the body of POST /api/v1/plugins
type InstallResponse struct {
	Code    int                        `json:"code"`
	Message string                     `json:"message,omitempty"`
	Reason  plugins.ConfirmationReason `json:"reason,omitempty"`
	Data    *plugins.Manifest          `json:"data,omitempty"`
}

// Plugin is a persisted plugin record with its live state
type Plugin struct {
	*storage.Record
	Live bool `json:"live"`
}

// InvokeRequest is the body of POST /api/v1/plugins/{key}/invoke
type InvokeRequest struct {
	Method string        `json:"method"`
	Args   []interface{} `json:"args,omitempty"`
}

// InvokeResponse carries the values returned by the plugin method
type InvokeResponse struct {
	Results []interface{} `json:"results"`
}
