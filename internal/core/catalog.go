package core

import "github.com/browsergrid/browsergrid/internal/types"

// Param describes one action parameter for discovery.
type Param struct {
	Name        string `json:"name" msgpack:"name"`
	Type        string `json:"type" msgpack:"type"`
	Required    bool   `json:"required,omitempty" msgpack:"required,omitempty"`
	Description string `json:"description,omitempty" msgpack:"description,omitempty"`
}

// ActionDescriptor describes one supported action.
type ActionDescriptor struct {
	Name        types.ActionType `json:"name" msgpack:"name"`
	Description string           `json:"description" msgpack:"description"`
	Params      []Param          `json:"params,omitempty" msgpack:"params,omitempty"`
}

// Endpoint describes one enabled transport frontend.
type Endpoint struct {
	Protocol string `json:"protocol" msgpack:"protocol"`
	Address  string `json:"address" msgpack:"address"`
}

// Catalog is the machine-readable capability description.
type Catalog struct {
	Actions   []ActionDescriptor `json:"actions" msgpack:"actions"`
	Endpoints []Endpoint         `json:"endpoints" msgpack:"endpoints"`
}

var actionCatalog = []ActionDescriptor{
	{
		Name:        types.ActionNavigate,
		Description: "Navigate the page to a URL and wait for the load condition.",
		Params: []Param{
			{Name: "url", Type: "string", Required: true, Description: "http(s) URL, max 2048 chars"},
			{Name: "waitUntil", Type: "string", Description: "load, domcontentloaded, networkidle0, networkidle2"},
			{Name: "timeout", Type: "int", Description: "milliseconds"},
		},
	},
	{
		Name:        types.ActionClick,
		Description: "Click the first element matching a selector.",
		Params: []Param{
			{Name: "selector", Type: "string", Required: true},
			{Name: "button", Type: "string", Description: "left, right, middle"},
			{Name: "clickCount", Type: "int"},
		},
	},
	{
		Name:        types.ActionTypeText,
		Description: "Type text into the element matching a selector.",
		Params: []Param{
			{Name: "selector", Type: "string", Required: true},
			{Name: "text", Type: "string", Required: true, Description: "max 100KB"},
			{Name: "delay", Type: "int", Description: "per-keystroke delay in milliseconds"},
		},
	},
	{
		Name:        types.ActionScreenshot,
		Description: "Capture the page, an element, or a clip region as an image.",
		Params: []Param{
			{Name: "selector", Type: "string"},
			{Name: "fullPage", Type: "bool"},
			{Name: "format", Type: "string", Description: "png or jpeg"},
			{Name: "quality", Type: "int", Description: "jpeg only, 0-100"},
			{Name: "clip", Type: "object", Description: "x, y, width, height"},
		},
	},
	{
		Name:        types.ActionEvaluate,
		Description: "Evaluate a script in the page and return its value.",
		Params: []Param{
			{Name: "code", Type: "string", Required: true},
			{Name: "args", Type: "array"},
		},
	},
	{
		Name:        types.ActionWait,
		Description: "Wait for a selector, a function to become truthy, or a duration.",
		Params: []Param{
			{Name: "selector", Type: "string"},
			{Name: "code", Type: "string"},
			{Name: "duration", Type: "int", Description: "milliseconds, max 5m"},
		},
	},
	{
		Name:        types.ActionCookie,
		Description: "Set, get, delete, or clear cookies.",
		Params: []Param{
			{Name: "cookieOp", Type: "string", Required: true, Description: "set, get, delete, clear"},
			{Name: "cookies", Type: "array", Description: "for set"},
			{Name: "name", Type: "string", Description: "for get/delete"},
		},
	},
	{
		Name:        types.ActionHistoryNavigate,
		Description: "Move through browser history or reload the page.",
		Params: []Param{
			{Name: "direction", Type: "string", Required: true, Description: "back, forward, refresh"},
		},
	},
	{
		Name:        types.ActionSetViewport,
		Description: "Resize the page viewport and device emulation flags.",
		Params: []Param{
			{Name: "viewport", Type: "object", Required: true, Description: "width 100-7680, height 100-4320"},
		},
	},
	{
		Name:        types.ActionSelect,
		Description: "Select options in a <select> element.",
		Params: []Param{
			{Name: "selector", Type: "string", Required: true},
			{Name: "values", Type: "array", Required: true},
		},
	},
	{Name: types.ActionHover, Description: "Hover the element matching a selector.",
		Params: []Param{{Name: "selector", Type: "string", Required: true}}},
	{Name: types.ActionFocus, Description: "Focus the element matching a selector.",
		Params: []Param{{Name: "selector", Type: "string", Required: true}}},
	{Name: types.ActionBlur, Description: "Blur the element matching a selector.",
		Params: []Param{{Name: "selector", Type: "string", Required: true}}},
	{Name: types.ActionPDF, Description: "Render the page as a PDF.",
		Params: []Param{{Name: "landscape", Type: "bool"}}},
	{Name: types.ActionSetUserAgent, Description: "Override the page user agent.",
		Params: []Param{{Name: "userAgent", Type: "string", Required: true}}},
	{
		Name:        types.ActionUpload,
		Description: "Attach a file from the upload directory to a file input.",
		Params: []Param{
			{Name: "selector", Type: "string", Required: true},
			{Name: "filePath", Type: "string", Required: true},
		},
	},
	{Name: types.ActionContent, Description: "Return the page HTML."},
}

// Catalog returns the supported actions and the enabled frontends.
func (s *Service) Catalog() Catalog {
	c := Catalog{Actions: actionCatalog}
	if s.cfg.HTTPEnabled {
		c.Endpoints = append(c.Endpoints, Endpoint{Protocol: "http", Address: s.cfg.HTTPAddr})
	}
	if s.cfg.WSEnabled {
		c.Endpoints = append(c.Endpoints, Endpoint{Protocol: "ws", Address: s.cfg.WSAddr})
	}
	if s.cfg.RPCEnabled {
		c.Endpoints = append(c.Endpoints, Endpoint{Protocol: "rpc", Address: s.cfg.RPCAddr})
	}
	c.Endpoints = append(c.Endpoints, Endpoint{Protocol: "toolcall", Address: "in-process"})
	return c
}
