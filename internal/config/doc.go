// Package config provides centralized configuration management for the
// buy-back daemon. Configuration is loaded from a JSON file at startup;
// secrets such as the operator private key are referenced by environment
// variable name and never stored in the file itself.
package config
