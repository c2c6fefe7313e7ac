// Package config loads the daemon configuration from a YAML file. The path
// comes from the command line or the OPENMCP_PAY_CONFIG environment variable;
// unset fields receive defaults and relative paths resolve against the file's
// directory.
package config
