package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Action validation limits.
const (
	MaxURLLength      = 2048
	MaxSelectorLength = 4096
	MaxTextLength     = 100 * 1024 // 100KB
	MaxScriptLength   = 512 * 1024
	MaxBatchSize      = 100
	MaxCookies        = 100

	MinViewportWidth  = 100
	MaxViewportWidth  = 7680
	MinViewportHeight = 100
	MaxViewportHeight = 4320
	MinScaleFactor    = 0.1
	MaxScaleFactor    = 5.0

	MaxClickCount = 10
	MaxTypeDelay  = 10 * time.Second
	MaxWaitTime   = 5 * time.Minute
)

// ActionType discriminates the action envelope.
type ActionType string

const (
	ActionNavigate        ActionType = "navigate"
	ActionClick           ActionType = "click"
	ActionTypeText        ActionType = "type"
	ActionScreenshot      ActionType = "screenshot"
	ActionEvaluate        ActionType = "evaluate"
	ActionWait            ActionType = "wait"
	ActionCookie          ActionType = "cookie"
	ActionHistoryNavigate ActionType = "historyNavigate"
	ActionSetViewport     ActionType = "setViewport"
	ActionSelect          ActionType = "select"
	ActionHover           ActionType = "hover"
	ActionFocus           ActionType = "focus"
	ActionBlur            ActionType = "blur"
	ActionPDF             ActionType = "pdf"
	ActionSetUserAgent    ActionType = "setUserAgent"
	ActionUpload          ActionType = "upload"
	ActionContent         ActionType = "content"
)

// knownActions is the closed set of action variants. Unknown variants are
// rejected with UnsupportedAction at validation time, before dispatch.
var knownActions = map[ActionType]bool{
	ActionNavigate: true, ActionClick: true, ActionTypeText: true,
	ActionScreenshot: true, ActionEvaluate: true, ActionWait: true,
	ActionCookie: true, ActionHistoryNavigate: true, ActionSetViewport: true,
	ActionSelect: true, ActionHover: true, ActionFocus: true, ActionBlur: true,
	ActionPDF: true, ActionSetUserAgent: true, ActionUpload: true,
	ActionContent: true,
}

// WaitUntil values accepted by navigate.
var validWaitUntil = map[string]bool{
	"": true, "load": true, "domcontentloaded": true,
	"networkidle0": true, "networkidle2": true,
}

// Viewport describes page dimensions and device emulation flags.
type Viewport struct {
	Width             int     `json:"width" msgpack:"width"`
	Height            int     `json:"height" msgpack:"height"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor,omitempty" msgpack:"deviceScaleFactor,omitempty"`
	HasTouch          bool    `json:"hasTouch,omitempty" msgpack:"hasTouch,omitempty"`
	IsMobile          bool    `json:"isMobile,omitempty" msgpack:"isMobile,omitempty"`
	IsLandscape       bool    `json:"isLandscape,omitempty" msgpack:"isLandscape,omitempty"`
}

// Normalize fills defaulted fields without altering caller intent.
func (v Viewport) Normalize() Viewport {
	if v.DeviceScaleFactor == 0 {
		v.DeviceScaleFactor = 1.0
	}
	return v
}

// Validate checks viewport bounds.
func (v Viewport) Validate() error {
	if v.Width < MinViewportWidth || v.Width > MaxViewportWidth {
		return fmt.Errorf("viewport width %d out of range [%d, %d]", v.Width, MinViewportWidth, MaxViewportWidth)
	}
	if v.Height < MinViewportHeight || v.Height > MaxViewportHeight {
		return fmt.Errorf("viewport height %d out of range [%d, %d]", v.Height, MinViewportHeight, MaxViewportHeight)
	}
	if v.DeviceScaleFactor != 0 && (v.DeviceScaleFactor < MinScaleFactor || v.DeviceScaleFactor > MaxScaleFactor) {
		return fmt.Errorf("deviceScaleFactor %.2f out of range [%.1f, %.1f]", v.DeviceScaleFactor, MinScaleFactor, MaxScaleFactor)
	}
	return nil
}

// Cookie is the protocol-neutral cookie representation.
type Cookie struct {
	Name     string `json:"name" msgpack:"name"`
	Value    string `json:"value" msgpack:"value"`
	Domain   string `json:"domain,omitempty" msgpack:"domain,omitempty"`
	Path     string `json:"path,omitempty" msgpack:"path,omitempty"`
	Expires  int64  `json:"expires,omitempty" msgpack:"expires,omitempty"` // Unix seconds, 0 = session cookie
	HTTPOnly bool   `json:"httpOnly,omitempty" msgpack:"httpOnly,omitempty"`
	Secure   bool   `json:"secure,omitempty" msgpack:"secure,omitempty"`
	SameSite string `json:"sameSite,omitempty" msgpack:"sameSite,omitempty"` // Strict, Lax, None
}

// Validate enforces cookie attribute rules. SameSite=None requires Secure
// per the cookie spec; browsers silently drop such cookies otherwise.
func (c Cookie) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("cookie name is required")
	}
	switch c.SameSite {
	case "", "Strict", "Lax":
	case "None":
		if !c.Secure {
			return fmt.Errorf("cookie %q: SameSite=None requires Secure", c.Name)
		}
	default:
		return fmt.Errorf("cookie %q: invalid SameSite %q", c.Name, c.SameSite)
	}
	if strings.Contains(c.Path, "..") {
		return fmt.Errorf("cookie %q: path cannot contain '..'", c.Name)
	}
	return nil
}

// Action is the closed tagged variant for a single page command.
// Only the fields relevant to the Type are consulted by the executor.
type Action struct {
	Type ActionType `json:"type" msgpack:"type"`

	// navigate
	URL       string `json:"url,omitempty" msgpack:"url,omitempty"`
	WaitUntil string `json:"waitUntil,omitempty" msgpack:"waitUntil,omitempty"`

	// click / type / wait / select / hover / focus / blur / screenshot
	Selector   string   `json:"selector,omitempty" msgpack:"selector,omitempty"`
	Button     string   `json:"button,omitempty" msgpack:"button,omitempty"` // left, right, middle
	ClickCount int      `json:"clickCount,omitempty" msgpack:"clickCount,omitempty"`
	Text       string   `json:"text,omitempty" msgpack:"text,omitempty"`
	DelayMs    int      `json:"delay,omitempty" msgpack:"delay,omitempty"`
	Values     []string `json:"values,omitempty" msgpack:"values,omitempty"` // select options

	// evaluate / wait(function)
	Code string `json:"code,omitempty" msgpack:"code,omitempty"`
	Args []any  `json:"args,omitempty" msgpack:"args,omitempty"`

	// wait(duration)
	DurationMs int `json:"duration,omitempty" msgpack:"duration,omitempty"`

	// screenshot / pdf
	FullPage  bool   `json:"fullPage,omitempty" msgpack:"fullPage,omitempty"`
	Format    string `json:"format,omitempty" msgpack:"format,omitempty"` // png, jpeg
	Quality   int    `json:"quality,omitempty" msgpack:"quality,omitempty"`
	Clip      *Clip  `json:"clip,omitempty" msgpack:"clip,omitempty"`
	Landscape bool   `json:"landscape,omitempty" msgpack:"landscape,omitempty"`

	// cookie
	CookieOp string   `json:"cookieOp,omitempty" msgpack:"cookieOp,omitempty"` // set, get, delete, clear
	Cookies  []Cookie `json:"cookies,omitempty" msgpack:"cookies,omitempty"`
	Name     string   `json:"name,omitempty" msgpack:"name,omitempty"` // cookie name for get/delete

	// historyNavigate
	Direction string `json:"direction,omitempty" msgpack:"direction,omitempty"` // back, forward, refresh

	// setViewport
	Viewport *Viewport `json:"viewport,omitempty" msgpack:"viewport,omitempty"`

	// setUserAgent
	UserAgent string `json:"userAgent,omitempty" msgpack:"userAgent,omitempty"`

	// upload
	FilePath string `json:"filePath,omitempty" msgpack:"filePath,omitempty"`

	// Target page. Empty means the context's current (or auto-created) page.
	PageID string `json:"pageId,omitempty" msgpack:"pageId,omitempty"`

	// Per-action deadline, bounded by the hard per-request cap.
	TimeoutMs int `json:"timeout,omitempty" msgpack:"timeout,omitempty"`
}

// Clip bounds a screenshot region.
type Clip struct {
	X      float64 `json:"x" msgpack:"x"`
	Y      float64 `json:"y" msgpack:"y"`
	Width  float64 `json:"width" msgpack:"width"`
	Height float64 `json:"height" msgpack:"height"`
}

// Timeout converts the per-action timeout to a duration, applying the
// supplied default and hard cap.
func (a *Action) Timeout(def, cap time.Duration) time.Duration {
	d := def
	if a.TimeoutMs > 0 {
		d = time.Duration(a.TimeoutMs) * time.Millisecond
	}
	if d > cap {
		d = cap
	}
	return d
}

// Validate type-checks the action parameters. It does not run the URL or
// script policy validators; those are pre-checks in the executor pipeline.
func (a *Action) Validate() error {
	if !knownActions[a.Type] {
		return fmt.Errorf("%w: %q", ErrUnsupportedAction, a.Type)
	}
	if a.TimeoutMs < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if len(a.Selector) > MaxSelectorLength {
		return fmt.Errorf("selector exceeds maximum length of %d", MaxSelectorLength)
	}

	switch a.Type {
	case ActionNavigate:
		if a.URL == "" {
			return fmt.Errorf("navigate: url is required")
		}
		if len(a.URL) > MaxURLLength {
			return fmt.Errorf("navigate: url exceeds maximum length of %d", MaxURLLength)
		}
		if _, err := url.Parse(a.URL); err != nil {
			return fmt.Errorf("navigate: %w: %v", ErrInvalidURL, err)
		}
		if !validWaitUntil[a.WaitUntil] {
			return fmt.Errorf("navigate: invalid waitUntil %q", a.WaitUntil)
		}

	case ActionClick:
		if a.Selector == "" {
			return fmt.Errorf("click: selector is required")
		}
		switch a.Button {
		case "", "left", "right", "middle":
		default:
			return fmt.Errorf("click: invalid button %q", a.Button)
		}
		if a.ClickCount < 0 || a.ClickCount > MaxClickCount {
			return fmt.Errorf("click: clickCount out of range [0, %d]", MaxClickCount)
		}

	case ActionTypeText:
		if a.Selector == "" {
			return fmt.Errorf("type: selector is required")
		}
		if len(a.Text) > MaxTextLength {
			return fmt.Errorf("type: text exceeds maximum length of %d", MaxTextLength)
		}
		if d := time.Duration(a.DelayMs) * time.Millisecond; d < 0 || d > MaxTypeDelay {
			return fmt.Errorf("type: delay out of range")
		}

	case ActionScreenshot:
		switch a.Format {
		case "", "png", "jpeg":
		default:
			return fmt.Errorf("screenshot: invalid format %q", a.Format)
		}
		if a.Quality < 0 || a.Quality > 100 {
			return fmt.Errorf("screenshot: quality out of range [0, 100]")
		}
		if a.Clip != nil && (a.Clip.Width <= 0 || a.Clip.Height <= 0) {
			return fmt.Errorf("screenshot: clip dimensions must be positive")
		}

	case ActionEvaluate:
		if a.Code == "" {
			return fmt.Errorf("evaluate: code is required")
		}
		if len(a.Code) > MaxScriptLength {
			return fmt.Errorf("evaluate: code exceeds maximum length of %d", MaxScriptLength)
		}

	case ActionWait:
		set := 0
		if a.Selector != "" {
			set++
		}
		if a.Code != "" {
			set++
		}
		if a.DurationMs > 0 {
			set++
		}
		if set != 1 {
			return fmt.Errorf("wait: exactly one of selector, code, duration is required")
		}
		if d := time.Duration(a.DurationMs) * time.Millisecond; d > MaxWaitTime {
			return fmt.Errorf("wait: duration exceeds maximum of %s", MaxWaitTime)
		}

	case ActionCookie:
		switch a.CookieOp {
		case "set":
			if len(a.Cookies) == 0 {
				return fmt.Errorf("cookie: set requires at least one cookie")
			}
			if len(a.Cookies) > MaxCookies {
				return fmt.Errorf("cookie: too many cookies (maximum %d)", MaxCookies)
			}
			for _, c := range a.Cookies {
				if err := c.Validate(); err != nil {
					return fmt.Errorf("cookie: %w", err)
				}
			}
		case "get", "clear":
		case "delete":
			if a.Name == "" {
				return fmt.Errorf("cookie: delete requires a name")
			}
		default:
			return fmt.Errorf("cookie: invalid op %q", a.CookieOp)
		}

	case ActionHistoryNavigate:
		switch a.Direction {
		case "back", "forward", "refresh":
		default:
			return fmt.Errorf("historyNavigate: invalid direction %q", a.Direction)
		}

	case ActionSetViewport:
		if a.Viewport == nil {
			return fmt.Errorf("setViewport: viewport is required")
		}
		if err := a.Viewport.Validate(); err != nil {
			return err
		}

	case ActionSelect:
		if a.Selector == "" {
			return fmt.Errorf("select: selector is required")
		}
		if len(a.Values) == 0 {
			return fmt.Errorf("select: at least one value is required")
		}

	case ActionHover, ActionFocus, ActionBlur:
		if a.Selector == "" {
			return fmt.Errorf("%s: selector is required", a.Type)
		}

	case ActionPDF:
		// No required parameters.

	case ActionSetUserAgent:
		if a.UserAgent == "" {
			return fmt.Errorf("setUserAgent: userAgent is required")
		}

	case ActionUpload:
		if a.Selector == "" || a.FilePath == "" {
			return fmt.Errorf("upload: selector and filePath are required")
		}
		if strings.Contains(a.FilePath, "..") {
			return fmt.Errorf("upload: filePath cannot contain '..'")
		}

	case ActionContent:
		// No parameters.
	}

	return nil
}

// Principal identifies the authenticated caller of an operation.
type Principal struct {
	UserID string   `json:"userId" msgpack:"userId"`
	Name   string   `json:"name,omitempty" msgpack:"name,omitempty"`
	Roles  []string `json:"roles,omitempty" msgpack:"roles,omitempty"`
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal may access resources it does not own.
func (p Principal) IsAdmin() bool {
	return p.HasRole("admin")
}

// ContextConfig is the immutable configuration snapshot taken when a
// context is created.
type ContextConfig struct {
	Viewport       Viewport      `json:"viewport" msgpack:"viewport"`
	UserAgent      string        `json:"userAgent,omitempty" msgpack:"userAgent,omitempty"`
	ProxyPolicy    ProxyPolicy   `json:"proxyPolicy" msgpack:"proxyPolicy"`
	Headless       bool          `json:"headless" msgpack:"headless"`
	Incognito      bool          `json:"incognito" msgpack:"incognito"`
	Stealth        bool          `json:"stealth,omitempty" msgpack:"stealth,omitempty"`
	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty" msgpack:"defaultTimeout,omitempty"`
}

// ProxyPolicy controls proxy assignment for a context.
type ProxyPolicy struct {
	Enabled          bool          `json:"enabled" msgpack:"enabled"`
	RotationInterval time.Duration `json:"rotationInterval,omitempty" msgpack:"rotationInterval,omitempty"`
	RotateOnError    bool          `json:"rotateOnError,omitempty" msgpack:"rotateOnError,omitempty"`
	Tags             []string      `json:"tags,omitempty" msgpack:"tags,omitempty"`
}
