// Package config loads the provisioner configuration.
//
// Values come from four layers, lowest precedence first: built-in
// defaults, a provision.{yaml,yml,toml,json,jsonc} file in the build
// context (or the file named by --config), PROVISION_* environment
// variables, and command-line flags passed in as overrides. JSON files may
// carry comments; they are normalized with tidwall/jsonc before viper
// reads them.
//
// Relative paths in the configuration (source, manifest, local_root) are
// resolved against the build context directory, not the process working
// directory, so the same file behaves identically wherever the CLI runs.
package config
