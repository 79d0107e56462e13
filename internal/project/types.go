package project

import (
	"fmt"
	"strings"
)

// Template is the kind of application scaffold to generate.
type Template string

const (
	TemplateSaaS      Template = "SAAS"
	TemplateEcommerce Template = "ECOMMERCE"
	TemplateBlog      Template = "BLOG"
	TemplateAPI       Template = "API"
)

// Templates lists every supported template.
func Templates() []Template {
	return []Template{TemplateSaaS, TemplateEcommerce, TemplateBlog, TemplateAPI}
}

// ParseTemplate accepts the canonical names case-insensitively, plus "e-commerce".
func ParseTemplate(s string) (Template, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "")
	for _, t := range Templates() {
		if string(t) == normalized {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown template %q", s)
}

// Valid reports whether t is one of the supported templates.
func (t Template) Valid() bool {
	for _, known := range Templates() {
		if t == known {
			return true
		}
	}
	return false
}

// DatabaseKind identifies the database engine the schema is generated for.
type DatabaseKind string

const (
	DatabasePostgres DatabaseKind = "postgresql"
	DatabaseMySQL    DatabaseKind = "mysql"
	DatabaseMongo    DatabaseKind = "mongodb"
	DatabaseSQLite   DatabaseKind = "sqlite"
)

// DatabaseKinds lists every supported database engine.
func DatabaseKinds() []DatabaseKind {
	return []DatabaseKind{DatabasePostgres, DatabaseMySQL, DatabaseMongo, DatabaseSQLite}
}

// AuthProvider is a sign-in method offered by the generated application.
type AuthProvider string

const (
	AuthEmail    AuthProvider = "email"
	AuthGoogle   AuthProvider = "google"
	AuthGitHub   AuthProvider = "github"
	AuthFacebook AuthProvider = "facebook"
)

// AllAuthProviders lists every supported auth provider.
func AllAuthProviders() []AuthProvider {
	return []AuthProvider{AuthEmail, AuthGoogle, AuthGitHub, AuthFacebook}
}

// IntegrationType is a third-party service the generated application talks to.
type IntegrationType string

const (
	IntegrationStripe    IntegrationType = "stripe"
	IntegrationSendGrid  IntegrationType = "sendgrid"
	IntegrationS3        IntegrationType = "aws_s3"
	IntegrationTwilio    IntegrationType = "twilio"
	IntegrationAnalytics IntegrationType = "analytics"
)

// IntegrationTypes lists every supported integration.
func IntegrationTypes() []IntegrationType {
	return []IntegrationType{IntegrationStripe, IntegrationSendGrid, IntegrationS3, IntegrationTwilio, IntegrationAnalytics}
}

// DeploymentPlatform is where the generated application is packaged for.
type DeploymentPlatform string

const (
	DeployVercel  DeploymentPlatform = "vercel"
	DeployNetlify DeploymentPlatform = "netlify"
	DeployAWS     DeploymentPlatform = "aws"
	DeployDocker  DeploymentPlatform = "docker"
	DeployRailway DeploymentPlatform = "railway"
)

// DeploymentPlatforms lists every supported deployment target.
func DeploymentPlatforms() []DeploymentPlatform {
	return []DeploymentPlatform{DeployVercel, DeployNetlify, DeployAWS, DeployDocker, DeployRailway}
}

// Feature is a named application feature that can be toggled.
type Feature struct {
	Name    string         `yaml:"name" json:"name"`
	Enabled bool           `yaml:"enabled" json:"enabled"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// DatabaseConfig selects the database engine.
type DatabaseConfig struct {
	Type    DatabaseKind `yaml:"type" json:"type"`
	Version string       `yaml:"version,omitempty" json:"version,omitempty"`
}

// AuthFeatures toggles optional authentication flows.
type AuthFeatures struct {
	EmailVerification bool `yaml:"email_verification,omitempty" json:"email_verification,omitempty"`
	PasswordReset     bool `yaml:"password_reset,omitempty" json:"password_reset,omitempty"`
	MFA               bool `yaml:"mfa,omitempty" json:"mfa,omitempty"`
	SocialLogin       bool `yaml:"social_login,omitempty" json:"social_login,omitempty"`
}

// AuthConfig lists sign-in providers and optional flows.
type AuthConfig struct {
	Providers []AuthProvider `yaml:"providers" json:"providers"`
	Features  AuthFeatures   `yaml:"features,omitempty" json:"features,omitempty"`
}

// Integration is one configured third-party service.
type Integration struct {
	Name    string          `yaml:"name,omitempty" json:"name,omitempty"`
	Type    IntegrationType `yaml:"type" json:"type"`
	Enabled bool            `yaml:"enabled" json:"enabled"`
	Config  map[string]any  `yaml:"config,omitempty" json:"config,omitempty"`
}

// DeploymentConfig selects the deployment target.
type DeploymentConfig struct {
	Platform     DeploymentPlatform `yaml:"platform" json:"platform"`
	Region       string             `yaml:"region,omitempty" json:"region,omitempty"`
	CustomDomain string             `yaml:"custom_domain,omitempty" json:"custom_domain,omitempty"`
}
