package access

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Policy decides what a caller without a principal may do.
type Policy string

const (
	// PolicyAllow trusts in-process callers that carry no principal
	PolicyAllow Policy = "allow"
	// PolicyDeny requires a principal on every call
	PolicyDeny Policy = "deny"
	// PolicyGrants applies Config.AnonymousGrants to callers without a principal
	PolicyGrants Policy = "grants"
)

// Config configures a Controller
type Config struct {
	// DefaultPolicy applies when the context carries no principal
	DefaultPolicy Policy

	// AnonymousGrants are used under PolicyGrants
	AnonymousGrants map[string]Permission
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.DefaultPolicy {
	case "", PolicyAllow, PolicyDeny, PolicyGrants:
		return nil
	default:
		return fmt.Errorf("unknown access policy %q", c.DefaultPolicy)
	}
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = PolicyAllow
	}
}

// Controller enforces namespace permissions. It holds no mutable state and is
// safe for concurrent use.
type Controller struct {
	policy    Policy
	anonymous *Principal
	logger    zerolog.Logger
}

// NewController creates a Controller. A nil config allows anonymous callers.
func NewController(config *Config, logger zerolog.Logger) (*Controller, error) {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.SetDefaults()

	grants := make(map[string]Permission, len(cfg.AnonymousGrants))
	for scope, perm := range cfg.AnonymousGrants {
		grants[scope] = perm
	}

	return &Controller{
		policy:    cfg.DefaultPolicy,
		anonymous: &Principal{ID: "anonymous", Grants: grants},
		logger:    logger.With().Str("component", "access").Logger(),
	}, nil
}

// Check returns an error wrapping ErrDenied if the caller in ctx may not
// perform perm in namespace. Denials are logged.
func (c *Controller) Check(ctx context.Context, namespace string, perm Permission) error {
	principalID, ok := c.permits(ctx, namespace, perm)
	if ok {
		return nil
	}
	return c.deny(principalID, namespace, perm)
}

// Allowed reports whether the caller in ctx may perform perm in namespace
// without logging a denial. Bulk reads use it to filter entries silently.
func (c *Controller) Allowed(ctx context.Context, namespace string, perm Permission) bool {
	_, ok := c.permits(ctx, namespace, perm)
	return ok
}

func (c *Controller) permits(ctx context.Context, namespace string, perm Permission) (string, bool) {
	principal, ok := PrincipalFrom(ctx)
	if !ok {
		switch c.policy {
		case PolicyAllow:
			return "", true
		case PolicyDeny:
			return "", false
		default:
			principal = c.anonymous
		}
	}
	return principal.ID, principal.Allows(namespace, perm)
}

func (c *Controller) deny(principalID, namespace string, perm Permission) error {
	c.logger.Warn().
		Str("principal", principalID).
		Str("namespace", ScopeOf(namespace)).
		Stringer("permission", perm).
		Msg("access denied")

	if principalID == "" {
		return fmt.Errorf("%w: no principal for %s on namespace %q", ErrDenied, perm, namespace)
	}
	return fmt.Errorf("%w: %s lacks %s on namespace %q", ErrDenied, principalID, perm, namespace)
}
