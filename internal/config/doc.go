// Package config defines configuration structures for the trickle CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (TRICKLE_ prefix), optionally read from a .env file
//   - YAML configuration file
//
// Flags override the environment, which overrides the file.
//
// # Example
//
//	url: https://example.com/photo.jpg
//	bucket: file:///var/lib/trickle
//	name: photo.jpg
//	partial: true
//	rate_limit: 2MB
//	log_level: debug
//	retry:
//	  attempts: 5
//	  backoff: 1s
//	  max_backoff: 30s
package config
