// Package config loads service configuration from the environment.
package config
