// Package tlsutil centralizes TLS configuration for the agent's outbound
// HTTP client. It implements the three verification modes the manager
// protocol recognizes: none, certificate, and full.
package tlsutil
