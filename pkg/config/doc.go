// Package config defines the movebroker configuration and loads it.
//
// Values are layered, lowest precedence first:
//
//  1. Default values (Default)
//  2. A YAML or JSON file (LoadFromFile)
//  3. Environment variables with the MOVEBROKER_ prefix (ApplyEnv)
//  4. Command-line flags the user set explicitly (applied by pkg/cli)
//
// The source of every overridden value is tracked in Config.Sources so
// `movebroker validate` can show where a setting came from.
//
// Example file:
//
//	server:
//	  port: 8080
//	  static_dir: ./web
//	engine:
//	  mode: persistent
//	  path: ./engine
//	  timeout: 30s
//	log:
//	  level: info
package config
