// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/ory/fosite"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/oidcd/pkg/authserver/flow"
	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/server/handlers"
	"github.com/stacklok/oidcd/pkg/authserver/server/keys"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/users"
	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/oauth"
)

// Config is the complete provider configuration, usually loaded from YAML.
// Durations are written as Go duration strings ("15m", "24h").
type Config struct {
	// Issuer is the issuer identifier. It is the "iss" claim of every token and
	// the base URL of every endpoint.
	Issuer string `yaml:"issuer"`

	Tokens      TokenConfig       `yaml:"tokens,omitempty"`
	Interaction InteractionConfig `yaml:"interaction,omitempty"`
	Keys        keys.Config       `yaml:"keys,omitempty"`
	Storage     storage.Config    `yaml:"storage,omitempty"`

	// JWKSMaxAge is the Cache-Control max-age of the JWKS endpoint.
	JWKSMaxAge time.Duration `yaml:"jwksMaxAge,omitempty"`

	// SecureCookies marks browser cookies Secure. Defaults to true for https
	// issuers.
	SecureCookies *bool `yaml:"secureCookies,omitempty"`

	// ScopesSupported is advertised in discovery.
	ScopesSupported []string `yaml:"scopesSupported,omitempty"`

	Clients []ClientConfig `yaml:"clients"`
	Users   []users.Config `yaml:"users"`
}

// TokenConfig holds token lifetimes.
type TokenConfig struct {
	AccessTokenLifespan  time.Duration `yaml:"accessTokenLifespan,omitempty"`
	IDTokenLifespan      time.Duration `yaml:"idTokenLifespan,omitempty"`
	RefreshTokenLifespan time.Duration `yaml:"refreshTokenLifespan,omitempty"`
	AuthCodeLifespan     time.Duration `yaml:"authCodeLifespan,omitempty"`
}

// InteractionConfig holds the browser-facing lifetimes and limits.
type InteractionConfig struct {
	Lifespan         time.Duration `yaml:"lifespan,omitempty"`
	SessionLifespan  time.Duration `yaml:"sessionLifespan,omitempty"`
	ConsentLifespan  time.Duration `yaml:"consentLifespan,omitempty"`
	MaxLoginAttempts int           `yaml:"maxLoginAttempts,omitempty"`
}

// ClientConfig defines a pre-registered OAuth client.
type ClientConfig struct {
	// ID is the unique identifier for this client.
	ID string `yaml:"id"`

	// Name is shown on the consent page.
	Name string `yaml:"name,omitempty"`

	// SecretHash is the bcrypt hash of the client secret. Required for
	// confidential clients unless Secret is set.
	SecretHash string `yaml:"secretHash,omitempty"`

	// Secret is a plaintext secret, hashed at startup. Prefer SecretHash.
	Secret string `yaml:"secret,omitempty"`

	RedirectURIs []string `yaml:"redirectURIs"`

	// GrantTypes defaults to authorization_code and refresh_token.
	GrantTypes []string `yaml:"grantTypes,omitempty"`

	// Scopes lists the scopes the client may request. Defaults to openid.
	Scopes []string `yaml:"scopes,omitempty"`

	// Public marks a client that cannot keep a secret, such as a native app.
	Public bool `yaml:"public,omitempty"`

	// TokenEndpointAuthMethod is none for public clients and
	// client_secret_basic or client_secret_post otherwise.
	TokenEndpointAuthMethod string `yaml:"tokenEndpointAuthMethod,omitempty"`

	// RequirePKCE forces PKCE for a confidential client. Public clients always
	// require it.
	RequirePKCE bool `yaml:"requirePKCE,omitempty"`
}

// LoadConfig reads a YAML configuration file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is provided by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Resolve applies defaults and validates the result.
func (c *Config) Resolve() error {
	c.applyDefaults()
	return c.Validate()
}

var (
	defaultTokenConfig = TokenConfig{
		AccessTokenLifespan:  flow.DefaultAccessTokenTTL,
		IDTokenLifespan:      flow.DefaultIDTokenTTL,
		RefreshTokenLifespan: flow.DefaultRefreshTokenTTL,
		AuthCodeLifespan:     flow.DefaultCodeTTL,
	}
	defaultInteractionConfig = InteractionConfig{
		Lifespan:         flow.DefaultInteractionTTL,
		SessionLifespan:  flow.DefaultSessionTTL,
		MaxLoginAttempts: flow.DefaultMaxLoginAttempts,
	}
)

// applyDefaults fills unset values. It never overwrites explicit settings.
func (c *Config) applyDefaults() {
	logger.Debugw("applying default values to provider config")

	// Merge only fills zero values, so explicit settings survive.
	_ = mergo.Merge(&c.Tokens, defaultTokenConfig)
	_ = mergo.Merge(&c.Interaction, defaultInteractionConfig)
	if c.Interaction.MaxLoginAttempts < 0 {
		c.Interaction.MaxLoginAttempts = flow.DefaultMaxLoginAttempts
	}
	setDefault(&c.JWKSMaxAge, handlers.DefaultJWKSMaxAge)
	setDefault(&c.Keys.RetentionPeriod, keys.DefaultRetentionPeriod)
	// Generated keys rotate by default; file keys only when asked to.
	if c.Keys.KeyDir == "" && c.Keys.SigningKeyFile == "" {
		setDefault(&c.Keys.RotationInterval, keys.DefaultRotationInterval)
	}
	if c.Storage.Type == "" {
		c.Storage.Type = storage.TypeMemory
	}
	// Revocation markers must outlive every refresh token of a grant.
	if c.Storage.GrantRevocationTTL < c.Tokens.RefreshTokenLifespan {
		c.Storage.GrantRevocationTTL = c.Tokens.RefreshTokenLifespan
	}
	if c.SecureCookies == nil {
		secure := strings.HasPrefix(c.Issuer, "https://")
		c.SecureCookies = &secure
	}

	for i := range c.Clients {
		c.Clients[i].applyDefaults()
	}
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func (c *ClientConfig) applyDefaults() {
	if len(c.GrantTypes) == 0 {
		c.GrantTypes = []string{flow.GrantTypeAuthorizationCode, flow.GrantTypeRefreshToken}
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{flow.ScopeOpenID}
	}
	if c.TokenEndpointAuthMethod == "" {
		if c.Public {
			c.TokenEndpointAuthMethod = oauth.TokenEndpointAuthMethodNone
		} else {
			c.TokenEndpointAuthMethod = oauth.TokenEndpointAuthMethodBasic
		}
	}
}

// Validate checks that the Config is complete and consistent. Call it after
// defaults are applied.
func (c *Config) Validate() error {
	logger.Debugw("validating provider config", "issuer", c.Issuer)

	if err := validateIssuerURL(c.Issuer); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"accessTokenLifespan":  c.Tokens.AccessTokenLifespan,
		"idTokenLifespan":      c.Tokens.IDTokenLifespan,
		"refreshTokenLifespan": c.Tokens.RefreshTokenLifespan,
		"authCodeLifespan":     c.Tokens.AuthCodeLifespan,
		"interaction.lifespan": c.Interaction.Lifespan,
		"sessionLifespan":      c.Interaction.SessionLifespan,
		"jwksMaxAge":           c.JWKSMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Interaction.ConsentLifespan < 0 {
		return errors.New("consentLifespan must not be negative")
	}

	// A retired key must stay published until every token it signed expired.
	longest := max(c.Tokens.AccessTokenLifespan, c.Tokens.IDTokenLifespan, c.Tokens.RefreshTokenLifespan)
	if c.Keys.RetentionPeriod < longest {
		return fmt.Errorf("keys.retentionPeriod (%s) must be at least the longest token lifespan (%s)",
			c.Keys.RetentionPeriod, longest)
	}
	if c.Keys.RotationInterval < 0 {
		return errors.New("keys.rotationInterval must not be negative")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if len(c.Clients) == 0 {
		return errors.New("at least one client is required")
	}
	seen := make(map[string]bool, len(c.Clients))
	for i, client := range c.Clients {
		if err := client.Validate(); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
		if seen[client.ID] {
			return fmt.Errorf("client %d: duplicate client id %q", i, client.ID)
		}
		seen[client.ID] = true
	}

	for i, u := range c.Users {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("user %d: %w", i, err)
		}
	}

	logger.Debugw("provider config validation passed",
		"issuer", c.Issuer,
		"clientCount", len(c.Clients),
		"userCount", len(c.Users),
		"storage", c.Storage.Type,
	)
	return nil
}

// Validate checks that the ClientConfig is valid and not insecure.
func (c *ClientConfig) Validate() error {
	logger.Debugw("validating client config", "clientID", c.ID, "public", c.Public)

	if c.ID == "" {
		return errors.New("client id is required")
	}

	hasSecret := c.Secret != "" || c.SecretHash != ""
	if c.Public && hasSecret {
		return errors.New("public clients must not have a secret")
	}
	if !c.Public && !hasSecret {
		return errors.New("secret is required for confidential clients")
	}
	if c.Secret != "" && c.SecretHash != "" {
		return errors.New("secret and secretHash are mutually exclusive")
	}
	if c.SecretHash != "" && !servercrypto.IsBcryptHash([]byte(c.SecretHash)) {
		return errors.New("secretHash must be a bcrypt hash")
	}

	switch c.TokenEndpointAuthMethod {
	case oauth.TokenEndpointAuthMethodNone:
		if !c.Public {
			return errors.New("token endpoint auth method none requires a public client")
		}
	case oauth.TokenEndpointAuthMethodBasic, oauth.TokenEndpointAuthMethodPost:
		if c.Public {
			return fmt.Errorf("public clients cannot use %s", c.TokenEndpointAuthMethod)
		}
	default:
		return fmt.Errorf("unsupported token endpoint auth method %q", c.TokenEndpointAuthMethod)
	}

	for _, gt := range c.GrantTypes {
		switch gt {
		case flow.GrantTypeAuthorizationCode, flow.GrantTypeRefreshToken:
		case flow.GrantTypeClientCredentials:
			if c.Public {
				return errors.New("public clients cannot use the client_credentials grant")
			}
		default:
			return fmt.Errorf("unsupported grant type %q", gt)
		}
	}

	needsRedirect := slices.Contains(c.GrantTypes, flow.GrantTypeAuthorizationCode)
	if needsRedirect && len(c.RedirectURIs) == 0 {
		return errors.New("at least one redirect_uri is required")
	}
	for i, uri := range c.RedirectURIs {
		if err := oauth.ValidateRedirectURI(uri); err != nil {
			return fmt.Errorf("redirect_uri[%d]: %w", i, err)
		}
	}

	logger.Debugw("client config validated", "clientID", c.ID, "redirectURICount", len(c.RedirectURIs))
	return nil
}

// toClient converts the configuration into a stored client, hashing a
// plaintext secret.
func (c *ClientConfig) toClient() (*storage.Client, error) {
	client := &storage.Client{
		ID:                      c.ID,
		Name:                    c.Name,
		RedirectURIs:            slices.Clone(c.RedirectURIs),
		GrantTypes:              fosite.Arguments(slices.Clone(c.GrantTypes)),
		ResponseTypes:           fosite.Arguments{oauth.ResponseTypeCode},
		Scopes:                  fosite.Arguments(slices.Clone(c.Scopes)),
		Public:                  c.Public,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		RequirePKCE:             c.Public || c.RequirePKCE,
	}
	switch {
	case c.SecretHash != "":
		client.SecretHash = []byte(c.SecretHash)
	case c.Secret != "":
		logger.Warnw("client secret configured in plaintext; use secretHash instead", "clientID", c.ID)
		hash, err := servercrypto.HashSecret(c.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to hash secret of client %q: %w", c.ID, err)
		}
		client.SecretHash = hash
	}
	return client, nil
}

// validateIssuerURL checks the issuer per OIDC Discovery section 3: https
// (http only for loopback), no query, no fragment, no trailing slash.
func validateIssuerURL(issuer string) error {
	if issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Scheme == "" {
		return errors.New("issuer URL scheme is required")
	}
	if u.Host == "" {
		return errors.New("issuer URL host is required")
	}
	if u.RawQuery != "" || u.ForceQuery {
		return errors.New("issuer URL must not contain query")
	}
	if u.Fragment != "" || strings.Contains(issuer, "#") {
		return errors.New("issuer URL must not contain fragment")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !oauth.IsLoopbackHost(u.Hostname()) {
			return errors.New("issuer URL http scheme is only allowed for localhost")
		}
	default:
		return errors.New("issuer URL scheme must be https")
	}
	if strings.HasSuffix(u.Path, "/") {
		return errors.New("issuer URL must not have trailing slash")
	}
	return nil
}

// flowConfig maps the configuration onto the flow lifetimes.
func (c *Config) flowConfig() flow.Config {
	return flow.Config{
		AccessTokenTTL:   c.Tokens.AccessTokenLifespan,
		IDTokenTTL:       c.Tokens.IDTokenLifespan,
		RefreshTokenTTL:  c.Tokens.RefreshTokenLifespan,
		CodeTTL:          c.Tokens.AuthCodeLifespan,
		InteractionTTL:   c.Interaction.Lifespan,
		SessionTTL:       c.Interaction.SessionLifespan,
		ConsentTTL:       c.Interaction.ConsentLifespan,
		MaxLoginAttempts: c.Interaction.MaxLoginAttempts,
	}
}
