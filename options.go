package mitmproxy

import (
	"fmt"
	"sync"
)

// Option names. Every option is a typed, named field on Options; Set
// validates by name before assignment.
const (
	OptListenHost        = "listen_host"
	OptListenPort        = "listen_port"
	OptMode              = "mode"
	OptVerbosity         = "verbosity"
	OptShowHost          = "showhost"
	OptAntiCache         = "anticache"
	OptAntiComp          = "anticomp"
	OptStickyCookie      = "stickycookie"
	OptScripts           = "scripts"
	OptStreamLargeBodies = "stream_large_bodies"
	OptSSLInsecure       = "ssl_insecure"
	OptIgnoreHosts       = "ignore_hosts"
	OptIntercept         = "intercept"
	OptInterceptActive   = "intercept_active"
	OptViewFilter        = "view_filter"
	OptWebHost           = "web_host"
	OptWebPort           = "web_port"
	OptWebDebug          = "web_debug"
)

// Enumerated choice sets.
var (
	modeChoices      = []string{"regular", "transparent", "socks5", "reverse", "upstream"}
	verbosityChoices = []string{LevelError, LevelWarn, LevelInfo, LevelAlert, LevelDebug}
)

// Options is the typed configuration registry: one explicit field per
// named option, all with explicit defaults. Set validates the value (type,
// choice set, range) and notifies subscribers of the change; the rest of
// the system only reads values and reacts to change notifications.
type Options struct {
	mu sync.RWMutex

	listenHost        string
	listenPort        int
	mode              string
	verbosity         string
	showHost          bool
	antiCache         bool
	antiComp          bool
	stickyCookie      string
	scripts           []string
	streamLargeBodies string
	sslInsecure       bool
	ignoreHosts       []string
	intercept         string
	interceptActive   bool
	viewFilter        string
	webHost           string
	webPort           int
	webDebug          bool

	subs map[string][]func(value any)
}

// NewOptions returns an Options registry populated with defaults.
func NewOptions() *Options {
	return &Options{
		listenHost: "",
		listenPort: 8080,
		mode:       "regular",
		verbosity:  LevelInfo,
		webHost:    "127.0.0.1",
		webPort:    8081,
		subs:       make(map[string][]func(any)),
	}
}

// Set assigns the named option after validation and notifies subscribers
// exactly once. Unknown names, wrong value types, out-of-range ports, and
// values outside an option's choice set are all rejected with an error and
// leave the registry unchanged.
func (o *Options) Set(name string, value any) error {
	o.mu.Lock()

	var err error
	switch name {
	case OptListenHost:
		err = setString(&o.listenHost, value)
	case OptListenPort:
		err = setPort(&o.listenPort, value)
	case OptMode:
		err = setChoice(&o.mode, value, modeChoices)
	case OptVerbosity:
		err = setChoice(&o.verbosity, value, verbosityChoices)
	case OptShowHost:
		err = setBool(&o.showHost, value)
	case OptAntiCache:
		err = setBool(&o.antiCache, value)
	case OptAntiComp:
		err = setBool(&o.antiComp, value)
	case OptStickyCookie:
		err = setString(&o.stickyCookie, value)
	case OptScripts:
		err = setStrings(&o.scripts, value)
	case OptStreamLargeBodies:
		err = setString(&o.streamLargeBodies, value)
	case OptSSLInsecure:
		err = setBool(&o.sslInsecure, value)
	case OptIgnoreHosts:
		err = setStrings(&o.ignoreHosts, value)
	case OptIntercept:
		err = setString(&o.intercept, value)
	case OptInterceptActive:
		err = setBool(&o.interceptActive, value)
	case OptViewFilter:
		err = setString(&o.viewFilter, value)
	case OptWebHost:
		err = setString(&o.webHost, value)
	case OptWebPort:
		err = setPort(&o.webPort, value)
	case OptWebDebug:
		err = setBool(&o.webDebug, value)
	default:
		err = fmt.Errorf("unknown option %q", name)
	}

	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("set %s: %w", name, err)
	}

	subs := append(([]func(any))(nil), o.subs[name]...)
	o.mu.Unlock()

	for _, fn := range subs {
		fn(value)
	}
	return nil
}

// Subscribe registers a change callback for the named option. Callbacks
// run on the goroutine that called Set, after the value is assigned.
func (o *Options) Subscribe(name string, fn func(value any)) error {
	if _, err := o.Get(name); err != nil {
		return err
	}
	o.mu.Lock()
	o.subs[name] = append(o.subs[name], fn)
	o.mu.Unlock()
	return nil
}

// Get returns the current value of the named option.
func (o *Options) Get(name string) (any, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	switch name {
	case OptListenHost:
		return o.listenHost, nil
	case OptListenPort:
		return o.listenPort, nil
	case OptMode:
		return o.mode, nil
	case OptVerbosity:
		return o.verbosity, nil
	case OptShowHost:
		return o.showHost, nil
	case OptAntiCache:
		return o.antiCache, nil
	case OptAntiComp:
		return o.antiComp, nil
	case OptStickyCookie:
		return o.stickyCookie, nil
	case OptScripts:
		return append([]string(nil), o.scripts...), nil
	case OptStreamLargeBodies:
		return o.streamLargeBodies, nil
	case OptSSLInsecure:
		return o.sslInsecure, nil
	case OptIgnoreHosts:
		return append([]string(nil), o.ignoreHosts...), nil
	case OptIntercept:
		return o.intercept, nil
	case OptInterceptActive:
		return o.interceptActive, nil
	case OptViewFilter:
		return o.viewFilter, nil
	case OptWebHost:
		return o.webHost, nil
	case OptWebPort:
		return o.webPort, nil
	case OptWebDebug:
		return o.webDebug, nil
	default:
		return nil, fmt.Errorf("unknown option %q", name)
	}
}

// Snapshot returns all options by name, for the options API endpoint.
func (o *Options) Snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return map[string]any{
		OptListenHost:        o.listenHost,
		OptListenPort:        o.listenPort,
		OptMode:              o.mode,
		OptVerbosity:         o.verbosity,
		OptShowHost:          o.showHost,
		OptAntiCache:         o.antiCache,
		OptAntiComp:          o.antiComp,
		OptStickyCookie:      o.stickyCookie,
		OptScripts:           append([]string(nil), o.scripts...),
		OptStreamLargeBodies: o.streamLargeBodies,
		OptSSLInsecure:       o.sslInsecure,
		OptIgnoreHosts:       append([]string(nil), o.ignoreHosts...),
		OptIntercept:         o.intercept,
		OptInterceptActive:   o.interceptActive,
		OptViewFilter:        o.viewFilter,
		OptWebHost:           o.webHost,
		OptWebPort:           o.webPort,
		OptWebDebug:          o.webDebug,
	}
}

// Typed accessors for the options the control plane reads on hot paths.

// InterceptActive reports whether interception is switched on.
func (o *Options) InterceptActive() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.interceptActive
}

// Intercept returns the intercept filter expression ("" = unset).
func (o *Options) Intercept() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.intercept
}

// ViewFilter returns the view filter expression ("" = unset).
func (o *Options) ViewFilter() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.viewFilter
}

// AntiCache reports whether cache-revalidation headers are stripped from
// requests.
func (o *Options) AntiCache() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.antiCache
}

// AntiComp reports whether response bodies are transparently decoded.
func (o *Options) AntiComp() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.antiComp
}

// Verbosity returns the log verbosity level.
func (o *Options) Verbosity() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.verbosity
}

// WebAddr returns the host:port the web API listens on.
func (o *Options) WebAddr() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return fmt.Sprintf("%s:%d", o.webHost, o.webPort)
}

// ListenAddr returns the host:port the proxy listens on.
func (o *Options) ListenAddr() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return fmt.Sprintf("%s:%d", o.listenHost, o.listenPort)
}

func setBool(dst *bool, value any) error {
	v, ok := value.(bool)
	if !ok {
		return fmt.Errorf("expected bool, got %T", value)
	}
	*dst = v
	return nil
}

func setString(dst *string, value any) error {
	v, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	*dst = v
	return nil
}

func setPort(dst *int, value any) error {
	var v int
	switch n := value.(type) {
	case int:
		v = n
	case float64:
		// JSON numbers decode as float64.
		v = int(n)
	default:
		return fmt.Errorf("expected int, got %T", value)
	}
	if v < 0 || v > 65535 {
		return fmt.Errorf("port %d out of range", v)
	}
	*dst = v
	return nil
}

func setStrings(dst *[]string, value any) error {
	switch v := value.(type) {
	case []string:
		*dst = append([]string(nil), v...)
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string element, got %T", item)
			}
			out = append(out, s)
		}
		*dst = out
		return nil
	default:
		return fmt.Errorf("expected string list, got %T", value)
	}
}

func setChoice(dst *string, value any, choices []string) error {
	v, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	for _, c := range choices {
		if v == c {
			*dst = v
			return nil
		}
	}
	return fmt.Errorf("%q is not one of %v", v, choices)
}
