/*
Package config loads and validates a node's YAML configuration: its node id,
listen address, peer table, and the logging, metrics, and trace settings.
*/
package config
